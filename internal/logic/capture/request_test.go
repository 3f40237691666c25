package capture

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
	"github.com/cjeanneret/ZeroCam/internal/logic/exposure"
)

func TestBaselineAuto(t *testing.T) {
	var s camera.Settings
	baseline{exposure: exposure.Auto{CompensationIndex: -3}, maxSensorISO: 1600, stabilization: true}.apply(&s)

	want := camera.Settings{
		AFMode:          camera.AFModeContinuousPicture,
		AEMode:          camera.AEModeOn,
		AECompensation:  -3,
		NoiseReduction:  camera.ProcessingOff,
		Edge:            camera.ProcessingOff,
		HotPixel:        camera.ProcessingOff,
		Effect:          camera.ProcessingOff,
		Distortion:      camera.ProcessingOff,
		Aberration:      camera.ProcessingOff,
		FaceDetect:      camera.ProcessingOff,
		Tonemap:         camera.TonemapContrastCurve,
		TonemapCurve:    []float32{0, 0, 1, 1},
		AWBMode:         camera.AWBModeAuto,
		ColorCorrection: camera.ProcessingFast,
		Stabilization:   camera.StabilizationOn,
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("baseline mismatch (-want +got):\n%s", diff)
	}
}

func TestBaselineManualBoost(t *testing.T) {
	tests := []struct {
		name       string
		iso        int
		wantSensor int
		wantBoost  int
	}{
		{"native", 800, 800, 100},
		{"at ceiling", 1600, 1600, 100},
		{"digital gain", 6400, 1600, 400},
		{"rounded up", 2000, 1600, 125},
		{"capped", 51200, 1600, 3199},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s camera.Settings
			baseline{exposure: exposure.Manual{ISO: tt.iso, ExposureTimeNs: 4_000_000}, maxSensorISO: 1600}.apply(&s)
			assert.Equal(t, camera.AEModeOff, s.AEMode)
			assert.Equal(t, tt.wantSensor, s.Sensitivity)
			assert.Equal(t, tt.wantBoost, s.PostRawBoost)
			assert.Equal(t, int64(4_000_000), s.ExposureTimeNs)
			assert.Equal(t, camera.StabilizationOff, s.Stabilization)
		})
	}
}

func TestBaselineFastFixesFocus(t *testing.T) {
	var s camera.Settings
	baseline{fast: true, exposure: exposure.Auto{}}.apply(&s)
	assert.Equal(t, camera.AFModeOff, s.AFMode)
	assert.InDelta(t, 0.45, s.FocusDistance, 1e-6)
}

func TestOverrides(t *testing.T) {
	b := baseline{exposure: exposure.Auto{}}
	rect := camera.MeteringRect{Left: 1, Top: 2, Right: 3, Bottom: 4, Weight: 1000}

	req := buildRequest(camera.TemplateStillCapture, nil, b, "tag",
		shadingOffOverride{},
		orientationOverride{degrees: 270},
		flashOverride{autoExposure: true},
		regionsOverride{af: []camera.MeteringRect{rect}, ae: []camera.MeteringRect{rect}, locked: true},
	)
	s := req.Settings
	assert.Equal(t, "tag", req.Tag)
	assert.Equal(t, camera.ProcessingOff, s.Shading)
	assert.Equal(t, 270, s.JPEGOrientation)
	assert.Equal(t, 100, s.JPEGQuality)
	assert.Equal(t, camera.AEModeOnAlwaysFlash, s.AEMode)
	assert.Equal(t, camera.FlashSingle, s.FlashMode)
	assert.Equal(t, camera.AFModeAuto, s.AFMode)
	assert.Equal(t, []camera.MeteringRect{rect}, s.AFRegions)
	assert.Equal(t, []camera.MeteringRect{rect}, s.AERegions)

	manual := baseline{exposure: exposure.Manual{ISO: 100, ExposureTimeNs: 1}}
	s = buildRequest(camera.TemplateStillCapture, nil, manual, "", flashOverride{}).Settings
	assert.Equal(t, camera.AEModeOff, s.AEMode, "manual exposure keeps AE off with flash")
	assert.Equal(t, camera.FlashSingle, s.FlashMode)

	s = buildRequest(camera.TemplatePreview, nil, b, "", precaptureOverride{}).Settings
	assert.Equal(t, camera.TriggerStart, s.AEPrecapture)
	assert.Equal(t, camera.AEModeOnAlwaysFlash, s.AEMode)

	s = buildRequest(camera.TemplatePreview, nil, baseline{fast: true, exposure: exposure.Auto{}}, "",
		regionsOverride{locked: true}).Settings
	assert.Equal(t, camera.AFModeOff, s.AFMode, "fixed focus is not unlocked by regions")
}
