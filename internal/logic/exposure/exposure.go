// Package exposure holds the Auto/Manual exposure state and the clamping
// rules that map user values onto what the sensor accepts.
package exposure

import (
	"fmt"
	"math"

	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
)

// Defaults used when the device does not report a range.
const (
	DefaultISOMin      = 100
	DefaultISOMax      = 1600
	DefaultExposureMin = int64(1_000_000)     // 1 ms
	DefaultExposureMax = int64(1_000_000_000) // 1 s
	DefaultCompMin     = -12
	DefaultCompMax     = 12
	DefaultCompStep    = 1.0

	// DigitalISOFactor extends the manual ISO ceiling beyond native sensitivity.
	DigitalISOFactor = 32
	// NeutralBoost is the post-RAW sensitivity boost meaning "no boost".
	NeutralBoost = 100
	// MaxBoost caps the post-RAW sensitivity boost.
	MaxBoost = 3199
)

// State is either Auto or Manual.
type State interface {
	fmt.Stringer
	isExposure()
}

// Auto lets the device meter, biased by a compensation index.
type Auto struct {
	CompensationIndex int
}

// Manual fixes sensitivity and shutter time.
type Manual struct {
	ISO            int
	ExposureTimeNs int64
}

func (Auto) isExposure()   {}
func (Manual) isExposure() {}

func (a Auto) String() string { return fmt.Sprintf("Auto(ev=%d)", a.CompensationIndex) }
func (m Manual) String() string {
	return fmt.Sprintf("Manual(iso=%d, shutter=%dns)", m.ISO, m.ExposureTimeNs)
}

// Limits are the device ranges exposure values are clamped into.
type Limits struct {
	ISO      camera.IntRange
	Exposure camera.Int64Range
	Comp     camera.IntRange
	CompStep float64
}

// LimitsFrom extracts Limits from device characteristics, filling the
// defaults for anything the device does not report.
func LimitsFrom(c *camera.Characteristics) Limits {
	l := Limits{
		ISO:      camera.IntRange{Lower: DefaultISOMin, Upper: DefaultISOMax},
		Exposure: camera.Int64Range{Lower: DefaultExposureMin, Upper: DefaultExposureMax},
		Comp:     camera.IntRange{Lower: DefaultCompMin, Upper: DefaultCompMax},
		CompStep: DefaultCompStep,
	}
	if c == nil {
		return l
	}
	if c.ISORange != nil {
		l.ISO = *c.ISORange
	}
	if c.ExposureTimeRange != nil {
		l.Exposure = *c.ExposureTimeRange
	}
	if c.AECompRange != nil {
		l.Comp = *c.AECompRange
	}
	if c.AECompStep > 0 {
		l.CompStep = c.AECompStep
	}
	return l
}

// QuantizeEV converts an EV value into a compensation index.
// Formula: index = clamp(round(ev / step), compLo, compHi)
func (l Limits) QuantizeEV(ev float64) int {
	step := l.CompStep
	if step <= 0 {
		step = DefaultCompStep
	}
	idx := int(math.Round(ev / step))
	return max(l.Comp.Lower, min(idx, l.Comp.Upper))
}

// EV converts a compensation index back to EV.
func (l Limits) EV(index int) float64 {
	return float64(index) * l.CompStep
}

// ClampManual clamps ISO into [isoLo, isoHi×32] and the shutter into
// [expLo, expHi]. Values already in range pass through unchanged.
func (l Limits) ClampManual(iso int, exposureNs int64) Manual {
	isoHi := l.ISO.Upper * DigitalISOFactor
	return Manual{
		ISO:            max(l.ISO.Lower, min(iso, isoHi)),
		ExposureTimeNs: max(l.Exposure.Lower, min(exposureNs, l.Exposure.Upper)),
	}
}

// SensorISO splits a requested ISO into the sensor sensitivity and the
// post-RAW boost. Within the native ceiling the ISO goes to the sensor
// with a neutral boost; above it the sensor runs at its ceiling and the
// rest is digital gain.
// Formula: boost = min(⌈iso × 100 / maxSensorISO⌉, 3199)
func SensorISO(iso, maxSensorISO int) (sensor, boost int) {
	if maxSensorISO <= 0 {
		maxSensorISO = DefaultISOMax
	}
	if iso <= maxSensorISO {
		return iso, NeutralBoost
	}
	boost = (iso*NeutralBoost + maxSensorISO - 1) / maxSensorISO
	return maxSensorISO, min(boost, MaxBoost)
}
