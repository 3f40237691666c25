package capture

import (
	"fmt"

	"github.com/cjeanneret/ZeroCam/internal/debug"
	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
	"github.com/cjeanneret/ZeroCam/internal/logic/geometry"
)

// focusState is the metering left behind by the last tap.
type focusState struct {
	af, ae []camera.MeteringRect
	locked bool
}

func (f focusState) override() override {
	return regionsOverride{af: f.af, ae: f.ae, locked: f.locked}
}

// TapFocus focuses and meters on the point (x, y) of a viewW×viewH view.
// It is ignored in fast mode, where focus is fixed.
func (c *Controller) TapFocus(x, y, viewW, viewH float64) error {
	if c.Settings().FastMode() {
		debug.Verbose("Tap focus ignored in fast mode")
		return nil
	}

	c.hw.Lock()
	defer c.hw.Unlock()
	if c.session == nil || c.caps == nil {
		return ErrNotReady
	}

	if c.caps.MaxAFRegions > 0 {
		rect := geometry.TapRegion(x, y, viewW, viewH, c.caps.SensorOrientation, c.caps.ActiveArray)
		f := focusState{af: []camera.MeteringRect{rect}, locked: true}
		if c.caps.MaxAERegions > 0 {
			f.ae = []camera.MeteringRect{rect}
		}
		c.mu.Lock()
		c.focus = f
		c.mu.Unlock()
		debug.Live("Tap focus at (%.0f, %.0f) -> %+v", x, y, rect)
	} else {
		debug.Live("Tap focus without AF regions, triggering only")
	}
	return c.pulseAFLocked()
}

// TriggerCenterFocus focuses on the middle of the frame.
func (c *Controller) TriggerCenterFocus() error {
	return c.TapFocus(0.5, 0.5, 1, 1)
}

// ClearFocus drops the tap regions and returns to continuous AF.
func (c *Controller) ClearFocus() {
	c.mu.Lock()
	c.focus = focusState{}
	c.mu.Unlock()
	c.updatePreview()
}

// pulseAFLocked fires a one-shot AF trigger, then restores the repeating
// request with the trigger idle. c.hw is held.
func (c *Controller) pulseAFLocked() error {
	req := c.previewRequestLocked(afTriggerOverride{trigger: camera.TriggerStart})
	if err := c.session.Capture(req, nil, c.worker); err != nil {
		return fmt.Errorf("af trigger: %w", err)
	}
	if err := c.session.SetRepeating(c.previewRequestLocked(), nil, c.worker); err != nil {
		return fmt.Errorf("af trigger: %w", err)
	}
	return nil
}
