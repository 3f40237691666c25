package camera

import "errors"

// Camera HAL. The rest of the application talks to the imaging sensor
// through these interfaces, regardless of the backend (simulated device,
// platform binding, etc.). Every callback is delivered through an Executor
// chosen by the caller.

var (
	// ErrClosed is returned by operations on a closed device or session.
	ErrClosed = errors.New("camera: closed")
	// ErrUnknownDevice is returned when a device id is not known to the manager.
	ErrUnknownDevice = errors.New("camera: unknown device")
	// ErrInvalidSurface is returned when a request targets a surface outside the session.
	ErrInvalidSurface = errors.New("camera: surface not part of session")
)

// Executor runs callbacks in FIFO order on a context it owns.
// Post returns false when the executor no longer accepts work.
type Executor interface {
	Post(fn func()) bool
}

// Facing is the direction a lens points to.
type Facing int

const (
	FacingBack Facing = iota
	FacingFront
	FacingExternal
)

// Format is the pixel format of an output surface.
type Format int

const (
	FormatPrivate Format = iota // preview surfaces
	FormatJPEG
	FormatRaw16
	FormatYUV420
)

func (f Format) String() string {
	switch f {
	case FormatPrivate:
		return "PRIVATE"
	case FormatJPEG:
		return "JPEG"
	case FormatRaw16:
		return "RAW16"
	case FormatYUV420:
		return "YUV_420_888"
	default:
		return "UNKNOWN"
	}
}

// Size is a width x height pair in pixels.
type Size struct {
	Width  int
	Height int
}

// Area returns Width*Height.
func (s Size) Area() int { return s.Width * s.Height }

// IntRange is an inclusive integer range.
type IntRange struct {
	Lower int
	Upper int
}

// Int64Range is an inclusive int64 range (used for exposure times in ns).
type Int64Range struct {
	Lower int64
	Upper int64
}

// Rational is a signed rational value (DNG colour matrices).
type Rational struct {
	Num int32
	Den int32
}

// Characteristics are the static properties of a device, immutable once read.
type Characteristics struct {
	Facing            Facing
	SensorOrientation int // degrees, one of 0/90/180/270
	ISORange          *IntRange
	ExposureTimeRange *Int64Range
	AECompRange       *IntRange
	AECompStep        float64
	MaxAFRegions      int
	MaxAERegions      int
	ActiveArray       Size
	OutputSizes       map[Format][]Size

	// Raw sensor description, used when writing DNG files.
	CFAPattern   [4]uint8 // 0=R 1=G 2=B
	BlackLevel   int
	WhiteLevel   int
	ColorMatrix1 [9]Rational
	Make         string
	Model        string
}

// Sizes returns the supported output sizes for f (nil if none).
func (c *Characteristics) Sizes(f Format) []Size {
	if c == nil || c.OutputSizes == nil {
		return nil
	}
	return c.OutputSizes[f]
}

// Manager enumerates and opens devices.
type Manager interface {
	DeviceIDs() ([]string, error)
	Characteristics(id string) (*Characteristics, error)
	// Open starts opening the device. The outcome is reported through cb on ex.
	Open(id string, cb StateCallback, ex Executor) error
}

// StateCallback reports device lifecycle transitions.
type StateCallback struct {
	OnOpened       func(Device)
	OnDisconnected func(Device)
	OnError        func(Device, error)
}

// Device is an opened camera.
type Device interface {
	ID() string
	// CreateSession negotiates a session over outputs. The outcome is reported through cb on ex.
	CreateSession(outputs []Surface, cb SessionCallback, ex Executor) error
	Close() error
}

// SessionCallback reports the outcome of a session negotiation.
type SessionCallback struct {
	OnConfigured      func(Session)
	OnConfigureFailed func(error)
}

// Session accepts capture requests against a fixed set of surfaces.
type Session interface {
	Capture(req *Request, cb *CaptureCallback, ex Executor) error
	SetRepeating(req *Request, cb *CaptureCallback, ex Executor) error
	StopRepeating() error
	Close() error
}

// CaptureCallback receives per-request progress. Any field may be nil.
type CaptureCallback struct {
	OnStarted   func(req *Request, timestampNs int64, frame int64)
	OnCompleted func(req *Request, res *Result)
	OnFailed    func(req *Request, f Failure)
}

// Failure describes a device-reported capture failure.
type Failure struct {
	Frame  int64
	Reason string
}

// AEState is the auto-exposure state echoed in results.
type AEState int

const (
	AEStateInactive AEState = iota
	AEStateSearching
	AEStateConverged
	AEStateFlashRequired
	AEStatePrecapture
)

// Result is the metadata the device reports for a completed request.
type Result struct {
	Frame          int64
	Tag            string
	TimestampNs    int64
	ISO            int
	ExposureTimeNs int64
	AEMode         AEMode
	AEState        AEState
	AWBMode        AWBMode
	AFMode         AFMode
	Tonemap        TonemapMode
	NoiseReduction Processing
	Edge           Processing
	ColorCorrect   Processing
}
