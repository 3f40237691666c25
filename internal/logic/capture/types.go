package capture

import (
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"time"

	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
	"github.com/cjeanneret/ZeroCam/internal/storage"
)

var (
	// DeviceUnavailable
	ErrNoDevice    = errors.New("capture: no back-facing camera")
	ErrOpenTimeout = errors.New("capture: camera open timed out")
	ErrOpenFailed  = errors.New("capture: camera open failed")

	ErrSessionConfigFailed = errors.New("capture: session configuration failed")

	// ErrCaptureRejected is returned while another capture is pending.
	ErrCaptureRejected = errors.New("capture: a capture is already pending")
	ErrNotReady        = errors.New("capture: camera not ready")

	// CaptureFailed and its causes.
	ErrCaptureFailed   = errors.New("capture: capture failed")
	ErrZSLEmpty        = errors.New("capture: no ZSL frame available")
	ErrConversion      = errors.New("capture: YUV conversion failed")
	ErrMetadataTimeout = errors.New("capture: capture result never arrived")
	ErrStorage         = errors.New("capture: storage write failed")

	ErrRawUnsupported = errors.New("capture: RAW not supported by this device")

	// ErrCapturesAbandoned is returned by Shutdown when it gave up waiting.
	ErrCapturesAbandoned = errors.New("capture: pending captures abandoned")
)

// State is the session lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateConfiguring
	StateReady
	StateTearingDown
)

var stateNames = []string{"Closed", "Opening", "Configuring", "Ready", "TearingDown"}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Format is the active output format.
type Format int

const (
	FormatJPEG Format = iota
	FormatRaw
	FormatFastJPEG // zero-shutter-lag
)

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "JPEG"
	case FormatRaw:
		return "RAW"
	case FormatFastJPEG:
		return "FAST"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat accepts jpeg/jpg, raw/dng and fast/zsl/hf, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "raw", "dng":
		return FormatRaw, nil
	case "fast", "zsl", "hf":
		return FormatFastJPEG, nil
	default:
		return 0, fmt.Errorf("capture: unknown format %q", s)
	}
}

// Capabilities describe the bound device. Immutable once Bind returns.
type Capabilities struct {
	DeviceID          string            `json:"device_id"`
	SensorOrientation int               `json:"sensor_orientation"`
	ISORange          camera.IntRange   `json:"iso_range"`
	ExposureTimeRange camera.Int64Range `json:"exposure_time_range_ns"`
	CompRange         camera.IntRange   `json:"ae_comp_range"`
	CompStep          float64           `json:"ae_comp_step"`
	MaxAFRegions      int               `json:"max_af_regions"`
	MaxAERegions      int               `json:"max_ae_regions"`
	RawSupported      bool              `json:"raw_supported"`
	ActiveArray       camera.Size       `json:"active_array"`
	PreviewSize       camera.Size       `json:"preview_size"`
	JPEGSize          camera.Size       `json:"jpeg_size"`
	RawSize           camera.Size       `json:"raw_size"`
	ZSLSize           camera.Size       `json:"zsl_size"`
}

// Formats lists the formats the device can produce.
func (c *Capabilities) Formats() []Format {
	if c.RawSupported {
		return []Format{FormatJPEG, FormatRaw, FormatFastJPEG}
	}
	return []Format{FormatJPEG, FormatFastJPEG}
}

// CaptureCallbacks receive the progress of one capture on the dispatcher
// goroutine. Any field may be nil. Every accepted capture ends with exactly
// one OnComplete; the location is nil on failure.
type CaptureCallbacks struct {
	OnCaptureStarted func()
	OnPreviewReady   func(thumb image.Image)
	OnComplete       func(loc *storage.Location)
	OnBenchmark      func(shutter, save time.Duration)
}

// Store persists finished photos.
type Store interface {
	SaveJPEG(t time.Time, data []byte) (*storage.Location, error)
	SaveDNG(t time.Time, write func(io.Writer) error) (*storage.Location, error)
	Delete(loc *storage.Location) error
}

// PreviewTarget provides the surface the live preview renders into.
type PreviewTarget interface {
	PreviewSurface(size camera.Size) camera.Surface
}
