package capture

import (
	"github.com/cjeanneret/ZeroCam/internal/debug"
	"github.com/cjeanneret/ZeroCam/internal/logic/exposure"
	"github.com/cjeanneret/ZeroCam/internal/logic/geometry"
)

// Settings are the user-controlled capture settings. They survive rebinds.
type Settings struct {
	Format        Format
	Exposure      exposure.State
	Flash         bool
	BW            bool
	Rotation      int // device rotation, degrees
	Stabilization bool

	// restore is the format fast mode returns to.
	restore Format
}

// DefaultSettings returns JPEG output, auto exposure at 0 EV and optical
// stabilization on.
func DefaultSettings() Settings {
	return Settings{
		Format:        FormatJPEG,
		Exposure:      exposure.Auto{},
		Stabilization: true,
	}
}

// FastMode reports whether zero-shutter-lag capture is active.
func (s Settings) FastMode() bool { return s.Format == FormatFastJPEG }

// Settings returns a copy of the current settings.
func (c *Controller) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Limits returns the exposure limits of the bound device, or defaults.
func (c *Controller) Limits() exposure.Limits {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limits
}

func (c *Controller) snapshot() (Settings, focusState, exposure.Limits) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings, c.focus, c.limits
}

// SetOutputFormat switches the output format. Only entering or leaving
// fast mode renegotiates the session; selecting the current format does
// nothing.
func (c *Controller) SetOutputFormat(f Format) error {
	if f == FormatRaw && !c.rawSupported() {
		return ErrRawUnsupported
	}

	c.mu.Lock()
	old := c.settings.Format
	if f == old {
		c.mu.Unlock()
		return nil
	}
	if f == FormatFastJPEG {
		c.settings.restore = old
		c.settings.Flash = false
		c.focus = focusState{}
	}
	c.settings.Format = f
	c.mu.Unlock()

	debug.Live("Output format %s -> %s", old, f)
	if (old == FormatFastJPEG) != (f == FormatFastJPEG) {
		c.reconfigure()
	}
	return nil
}

// SetFastMode enables zero-shutter-lag capture, or returns to the format
// that was active before it.
func (c *Controller) SetFastMode(on bool) error {
	if on {
		return c.SetOutputFormat(FormatFastJPEG)
	}
	st := c.Settings()
	if !st.FastMode() {
		return nil
	}
	restore := st.restore
	if restore == FormatRaw && !c.rawSupported() {
		restore = FormatJPEG
	}
	return c.SetOutputFormat(restore)
}

func (c *Controller) rawSupported() bool {
	if c.opts.Mono {
		return false
	}
	caps := c.Capabilities()
	return caps == nil || caps.RawSupported
}

// SetAutoExposure selects auto exposure biased by ev, quantized to the
// device compensation step.
func (c *Controller) SetAutoExposure(ev float64) {
	c.mu.Lock()
	idx := c.limits.QuantizeEV(ev)
	c.settings.Exposure = exposure.Auto{CompensationIndex: idx}
	c.mu.Unlock()

	debug.Live("Auto exposure, compensation index %d", idx)
	c.updatePreview()
}

// SetExposureCompensation changes the EV bias. It has no effect in manual
// exposure.
func (c *Controller) SetExposureCompensation(ev float64) {
	c.mu.Lock()
	if _, ok := c.settings.Exposure.(exposure.Auto); !ok {
		c.mu.Unlock()
		debug.Verbose("Compensation ignored in manual exposure")
		return
	}
	idx := c.limits.QuantizeEV(ev)
	c.settings.Exposure = exposure.Auto{CompensationIndex: idx}
	c.mu.Unlock()

	debug.Live("Exposure compensation index %d", idx)
	c.updatePreview()
}

// SetManualExposure fixes ISO and shutter time, clamped to what the
// device accepts.
func (c *Controller) SetManualExposure(iso int, exposureNs int64) exposure.Manual {
	c.mu.Lock()
	m := c.limits.ClampManual(iso, exposureNs)
	c.settings.Exposure = m
	c.mu.Unlock()

	debug.Live("Manual exposure %s", m)
	c.updatePreview()
	return m
}

// SetFlash arms or disarms the flash for the next captures. Fast mode
// never fires the flash; enabling it there is ignored.
func (c *Controller) SetFlash(on bool) {
	c.mu.Lock()
	if on && c.settings.FastMode() {
		c.mu.Unlock()
		debug.Verbose("Flash ignored in fast mode")
		return
	}
	c.settings.Flash = on
	c.mu.Unlock()

	debug.Live("Flash %v", on)
	c.updatePreview(flashOffOverride{})
}

// SetBWMode toggles grayscale output. RAW captures are never converted.
func (c *Controller) SetBWMode(on bool) {
	if c.opts.Mono {
		on = true
	}
	c.mu.Lock()
	c.settings.BW = on
	c.mu.Unlock()
	debug.Live("BW mode %v", on)
}

// SetRotation records the device rotation used to orient stills.
func (c *Controller) SetRotation(deg int) {
	c.mu.Lock()
	c.settings.Rotation = geometry.NormalizeRotation(deg)
	c.mu.Unlock()
}

// SetStabilization toggles optical image stabilization.
func (c *Controller) SetStabilization(on bool) {
	c.mu.Lock()
	if c.settings.Stabilization == on {
		c.mu.Unlock()
		return
	}
	c.settings.Stabilization = on
	c.mu.Unlock()

	debug.Live("Stabilization %v", on)
	c.updatePreview()
}
