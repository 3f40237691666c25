package camera

// Template selects the device-side defaults a request starts from.
type Template int

const (
	TemplatePreview Template = iota
	TemplateStillCapture
	TemplateZeroShutterLag
)

type AFMode int

const (
	AFModeOff AFMode = iota
	AFModeAuto
	AFModeContinuousPicture
)

type AEMode int

const (
	AEModeOff AEMode = iota
	AEModeOn
	AEModeOnAlwaysFlash
)

type AWBMode int

const (
	AWBModeDefault AWBMode = iota
	AWBModeAuto
)

type FlashMode int

const (
	FlashOff FlashMode = iota
	FlashSingle
)

// Trigger is a one-shot AF or AE precapture trigger.
type Trigger int

const (
	TriggerIdle Trigger = iota
	TriggerStart
)

// Processing is the state of an optional ISP stage.
// The zero value leaves the stage at the device default.
type Processing int

const (
	ProcessingDefault Processing = iota
	ProcessingOff
	ProcessingFast
	ProcessingHighQuality
)

type TonemapMode int

const (
	TonemapDefault TonemapMode = iota
	TonemapContrastCurve
)

type Stabilization int

const (
	StabilizationOff Stabilization = iota
	StabilizationOn
)

// MaxMeteringWeight is the highest weight a metering rectangle can carry.
const MaxMeteringWeight = 1000

// MeteringRect is a weighted rectangle in active-array coordinates.
// Right and Bottom are exclusive.
type MeteringRect struct {
	Left, Top, Right, Bottom int
	Weight                   int
}

// Settings are the per-request controls.
type Settings struct {
	AFMode         AFMode
	FocusDistance  float32 // diopters, used when AFMode is off
	AFTrigger      Trigger
	AFRegions      []MeteringRect
	AEMode         AEMode
	AECompensation int
	AEPrecapture   Trigger
	AERegions      []MeteringRect
	Sensitivity    int
	ExposureTimeNs int64
	PostRawBoost   int
	FlashMode      FlashMode

	NoiseReduction  Processing
	Edge            Processing
	HotPixel        Processing
	Effect          Processing
	Shading         Processing
	Distortion      Processing
	Aberration      Processing
	ColorCorrection Processing
	FaceDetect      Processing
	Tonemap         TonemapMode
	TonemapCurve    []float32 // (in, out) pairs, applied to every channel
	AWBMode         AWBMode
	Stabilization   Stabilization
	JPEGOrientation int
	JPEGQuality     int
}

// Request is a single capture request.
type Request struct {
	Template Template
	Targets  []Surface
	Settings Settings
	// Tag is echoed in the Result; the pipeline stores the capture id here.
	Tag string
}

// Clone returns a deep copy of r. Surfaces are shared.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Targets = append([]Surface(nil), r.Targets...)
	c.Settings.AFRegions = append([]MeteringRect(nil), r.Settings.AFRegions...)
	c.Settings.AERegions = append([]MeteringRect(nil), r.Settings.AERegions...)
	c.Settings.TonemapCurve = append([]float32(nil), r.Settings.TonemapCurve...)
	return &c
}

// HasTarget reports whether s is one of the request targets.
func (r *Request) HasTarget(s Surface) bool {
	for _, t := range r.Targets {
		if t == s {
			return true
		}
	}
	return false
}
