package capture

import (
	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
	"github.com/cjeanneret/ZeroCam/internal/logic/exposure"
)

const (
	// hyperfocalDiopters is the fixed focus distance used in fast mode.
	hyperfocalDiopters = 0.45
	stillJPEGQuality   = 100
)

// identityCurve is a linear tonemap: (0,0) → (1,1).
var identityCurve = []float32{0, 0, 1, 1}

// baseline holds what the common request parameters derive from.
type baseline struct {
	fast          bool
	exposure      exposure.State
	maxSensorISO  int
	stabilization bool
}

// apply writes the parameters shared by preview and still requests.
// Image-altering ISP stages are all off.
func (b baseline) apply(s *camera.Settings) {
	if b.fast {
		s.AFMode = camera.AFModeOff
		s.FocusDistance = hyperfocalDiopters
	} else {
		s.AFMode = camera.AFModeContinuousPicture
	}

	switch e := b.exposure.(type) {
	case exposure.Manual:
		sensor, boost := exposure.SensorISO(e.ISO, b.maxSensorISO)
		s.AEMode = camera.AEModeOff
		s.Sensitivity = sensor
		s.ExposureTimeNs = e.ExposureTimeNs
		s.PostRawBoost = boost
	case exposure.Auto:
		s.AEMode = camera.AEModeOn
		s.AECompensation = e.CompensationIndex
	default:
		s.AEMode = camera.AEModeOn
	}

	s.NoiseReduction = camera.ProcessingOff
	s.Edge = camera.ProcessingOff
	s.HotPixel = camera.ProcessingOff
	s.Effect = camera.ProcessingOff
	s.Distortion = camera.ProcessingOff
	s.Aberration = camera.ProcessingOff
	s.FaceDetect = camera.ProcessingOff
	s.Tonemap = camera.TonemapContrastCurve
	s.TonemapCurve = append([]float32(nil), identityCurve...)
	s.AWBMode = camera.AWBModeAuto
	s.ColorCorrection = camera.ProcessingFast
	if b.stabilization {
		s.Stabilization = camera.StabilizationOn
	} else {
		s.Stabilization = camera.StabilizationOff
	}
}

// override adjusts a request after the baseline is applied.
type override interface {
	apply(s *camera.Settings)
}

type orientationOverride struct{ degrees int }

func (o orientationOverride) apply(s *camera.Settings) {
	s.JPEGOrientation = o.degrees
	s.JPEGQuality = stillJPEGQuality
}

// flashOverride fires a single flash. In auto exposure the AE routine
// also meters for it.
type flashOverride struct{ autoExposure bool }

func (o flashOverride) apply(s *camera.Settings) {
	if o.autoExposure {
		s.AEMode = camera.AEModeOnAlwaysFlash
	}
	s.FlashMode = camera.FlashSingle
}

type flashOffOverride struct{}

func (flashOffOverride) apply(s *camera.Settings) { s.FlashMode = camera.FlashOff }

type shadingOffOverride struct{}

func (shadingOffOverride) apply(s *camera.Settings) { s.Shading = camera.ProcessingOff }

type precaptureOverride struct{}

func (precaptureOverride) apply(s *camera.Settings) {
	s.AEMode = camera.AEModeOnAlwaysFlash
	s.AEPrecapture = camera.TriggerStart
}

type afTriggerOverride struct{ trigger camera.Trigger }

func (o afTriggerOverride) apply(s *camera.Settings) { s.AFTrigger = o.trigger }

// regionsOverride carries the metering regions of the last tap. locked
// switches continuous AF to a single auto focus run.
type regionsOverride struct {
	af, ae []camera.MeteringRect
	locked bool
}

func (o regionsOverride) apply(s *camera.Settings) {
	if len(o.af) > 0 {
		s.AFRegions = append([]camera.MeteringRect(nil), o.af...)
	}
	if len(o.ae) > 0 {
		s.AERegions = append([]camera.MeteringRect(nil), o.ae...)
	}
	if o.locked && s.AFMode != camera.AFModeOff {
		s.AFMode = camera.AFModeAuto
	}
}

func buildRequest(tmpl camera.Template, targets []camera.Surface, b baseline, tag string, ovs ...override) *camera.Request {
	req := &camera.Request{
		Template: tmpl,
		Targets:  append([]camera.Surface(nil), targets...),
		Tag:      tag,
	}
	b.apply(&req.Settings)
	for _, o := range ovs {
		if o != nil {
			o.apply(&req.Settings)
		}
	}
	return req
}
