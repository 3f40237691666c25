// Package capture drives the camera: it opens the device, negotiates the
// capture session, keeps the preview request in sync with the user
// settings and runs the JPEG, RAW and zero-shutter-lag capture strategies.
//
// Device, session and image callbacks are serialized on one worker
// goroutine. Caller-facing callbacks and events are delivered in order on
// a separate dispatcher goroutine. Image decoding and file writing run on
// a goroutine per capture.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/ZeroCam/internal/debug"
	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
	"github.com/cjeanneret/ZeroCam/internal/logic/exposure"
	"github.com/cjeanneret/ZeroCam/internal/logic/geometry"
	"github.com/cjeanneret/ZeroCam/internal/metrics"
)

// Default timings.
const (
	DefaultOpenTimeout     = 2500 * time.Millisecond
	DefaultResultAttempts  = 50
	DefaultResultInterval  = 10 * time.Millisecond
	DefaultZSLRetry        = 100 * time.Millisecond
	DefaultTeardownPoll    = 100 * time.Millisecond
	DefaultTeardownTimeout = 5 * time.Second
	DefaultCaptureTimeout  = 10 * time.Second

	readerMaxImages = 2
)

// Options configure a Controller.
type Options struct {
	Manager  camera.Manager
	DeviceID string // empty picks the first back-facing device
	Store    Store
	Metrics  *metrics.Metrics
	Preview  PreviewTarget // nil renders into an internal surface

	OpenTimeout     time.Duration
	PreviewMaxWidth int
	ResultAttempts  int
	ResultInterval  time.Duration
	ZSLRetry        time.Duration
	TeardownPoll    time.Duration
	TeardownTimeout time.Duration
	CaptureTimeout  time.Duration

	// Software is written into DNG files.
	Software string
	// Mono builds have no RAW output and always save grayscale.
	Mono bool
	// Defaults seeds the user settings. Nil means DefaultSettings().
	Defaults *Settings

	Clock   func() time.Time
	OnEvent func(Event)
}

func (o *Options) setDefaults() {
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.PreviewMaxWidth <= 0 {
		o.PreviewMaxWidth = geometry.PreviewMaxWidth
	}
	if o.ResultAttempts <= 0 {
		o.ResultAttempts = DefaultResultAttempts
	}
	if o.ResultInterval <= 0 {
		o.ResultInterval = DefaultResultInterval
	}
	if o.ZSLRetry <= 0 {
		o.ZSLRetry = DefaultZSLRetry
	}
	if o.TeardownPoll <= 0 {
		o.TeardownPoll = DefaultTeardownPoll
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = DefaultTeardownTimeout
	}
	if o.CaptureTimeout <= 0 {
		o.CaptureTimeout = DefaultCaptureTimeout
	}
	if o.Software == "" {
		o.Software = "ZeroCam"
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Controller owns one camera device and its capture session.
type Controller struct {
	opts Options

	worker  *Worker // device, session and reader callbacks
	main    *Worker // caller callbacks and events
	tracker *Tracker
	zsl     *ZSLSlot
	results *ResultSlot
	subs    subscribers
	state   atomic.Int32

	reconfigAgain atomic.Bool

	mu       sync.RWMutex
	settings Settings
	focus    focusState
	limits   exposure.Limits

	// hw guards the device handles. Lock order: hw before mu.
	hw          sync.Mutex
	gen         int
	device      camera.Device
	session     camera.Session
	sessionFast bool
	chars       *camera.Characteristics
	caps        *Capabilities
	preview     camera.Surface
	jpegReader  *camera.ImageReader
	rawReader   *camera.ImageReader
	zslReader   *camera.ImageReader

	jobMu sync.Mutex
	job   *captureJob

	closeOnce sync.Once
}

// New creates a controller in the Closed state.
func New(opts Options) (*Controller, error) {
	if opts.Manager == nil {
		return nil, errors.New("capture: camera manager is required")
	}
	if opts.Store == nil {
		return nil, errors.New("capture: store is required")
	}
	opts.setDefaults()

	c := &Controller{
		opts:    opts,
		worker:  NewWorker("camera"),
		main:    NewWorker("dispatch"),
		results: NewResultSlot(),
		limits:  exposure.LimitsFrom(nil),
	}
	c.tracker = NewTracker(opts.Metrics.SetPending)
	c.zsl = NewZSLSlot(opts.Metrics.EvictedZSL)

	if opts.Defaults != nil {
		c.settings = *opts.Defaults
	} else {
		c.settings = DefaultSettings()
	}
	if c.settings.Exposure == nil {
		c.settings.Exposure = exposure.Auto{}
	}
	if opts.Mono {
		c.settings.BW = true
		if c.settings.Format == FormatRaw {
			c.settings.Format = FormatJPEG
		}
	}
	opts.Metrics.SetState(StateClosed.String(), stateNames)
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Capabilities returns the capabilities of the last bound device, or nil.
func (c *Controller) Capabilities() *Capabilities {
	c.hw.Lock()
	defer c.hw.Unlock()
	if c.caps == nil {
		return nil
	}
	caps := *c.caps
	return &caps
}

// HasPendingCaptures reports whether a capture is in flight.
func (c *Controller) HasPendingCaptures() bool { return c.tracker.Pending() }

// Subscribe registers fn for every published event. The returned function
// unregisters it.
func (c *Controller) Subscribe(fn func(Event)) func() { return c.subs.add(fn) }

// Bind opens the device and configures the session. It returns once the
// preview is running.
func (c *Controller) Bind(ctx context.Context) (*Capabilities, error) {
	if !c.casState(StateClosed, StateOpening) {
		return nil, fmt.Errorf("capture: cannot bind in state %s", c.State())
	}
	debug.Section("Bind")

	id, chars, err := c.pickDevice()
	if err != nil {
		c.setState(StateClosed)
		c.message("No back camera available", true)
		return nil, err
	}
	dev, err := c.openDevice(ctx, id)
	if err != nil {
		c.setState(StateClosed)
		c.message("Camera could not be opened", true)
		return nil, err
	}
	debug.Info("Camera %s opened", id)

	caps := c.capabilities(id, chars)
	debug.PrintStruct("Capabilities", *caps)

	c.mu.Lock()
	c.limits = exposure.LimitsFrom(chars)
	if c.settings.Format == FormatRaw && !caps.RawSupported {
		c.settings.Format = FormatJPEG
	}
	c.mu.Unlock()

	c.hw.Lock()
	c.device = dev
	c.chars = chars
	c.caps = caps
	c.openReadersLocked(caps)
	c.hw.Unlock()

	c.setState(StateConfiguring)
	done := make(chan error, 1)
	if err := c.createSession(func(err error) { done <- err }); err != nil {
		c.releaseHardware()
		c.setState(StateClosed)
		return nil, fmt.Errorf("%w: %v", ErrSessionConfigFailed, err)
	}

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		out := *caps
		return &out, nil
	case <-ctx.Done():
		c.releaseHardware()
		c.setState(StateClosed)
		return nil, ctx.Err()
	}
}

func (c *Controller) pickDevice() (string, *camera.Characteristics, error) {
	ids, err := c.opts.Manager.DeviceIDs()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	for _, id := range ids {
		if c.opts.DeviceID != "" && id != c.opts.DeviceID {
			continue
		}
		chars, err := c.opts.Manager.Characteristics(id)
		if err != nil {
			debug.Error(fmt.Errorf("characteristics of %s: %w", id, err))
			continue
		}
		if chars.Facing == camera.FacingBack {
			return id, chars, nil
		}
	}
	return "", nil, ErrNoDevice
}

type openResult struct {
	dev camera.Device
	err error
}

// openDevice waits for the device to open, up to OpenTimeout. A device
// that opens after the deadline is closed right away.
func (c *Controller) openDevice(ctx context.Context, id string) (camera.Device, error) {
	var (
		mu   sync.Mutex
		done bool
	)
	ch := make(chan openResult, 1)

	// settle delivers the first outcome. Later outcomes are lifecycle
	// events of an already opened (or abandoned) device.
	settle := func(r openResult) bool {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return false
		}
		done = true
		ch <- r
		return true
	}

	cb := camera.StateCallback{
		OnOpened: func(d camera.Device) {
			if !settle(openResult{dev: d}) {
				debug.Warn("Camera %s opened after timeout, closing it", d.ID())
				_ = d.Close()
			}
		},
		OnDisconnected: func(d camera.Device) {
			if !settle(openResult{err: errors.New("disconnected")}) {
				c.onDeviceLost(d, errors.New("disconnected"))
				return
			}
			_ = d.Close()
		},
		OnError: func(d camera.Device, err error) {
			if !settle(openResult{err: err}) {
				c.onDeviceLost(d, err)
				return
			}
			if d != nil {
				_ = d.Close()
			}
		},
	}
	if err := c.opts.Manager.Open(id, cb, c.worker); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	timer := time.NewTimer(c.opts.OpenTimeout)
	defer timer.Stop()

	var cause error
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOpenFailed, r.err)
		}
		return r.dev, nil
	case <-timer.C:
		cause = ErrOpenTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	mu.Lock()
	answered := done
	done = true
	mu.Unlock()
	if answered {
		// The device answered while the deadline fired.
		if r := <-ch; r.dev != nil {
			_ = r.dev.Close()
		}
	}
	return nil, cause
}

func (c *Controller) onDeviceLost(d camera.Device, err error) {
	c.hw.Lock()
	current := c.device != nil && c.device == d
	c.hw.Unlock()
	if !current {
		return
	}
	debug.Warn("Camera lost: %v", err)
	if j := c.currentJob(); j != nil {
		j.fail(fmt.Errorf("%w: device lost", ErrCaptureFailed))
	}
	c.releaseHardware()
	c.setState(StateClosed)
	c.message("Camera disconnected", true)
}

func (c *Controller) capabilities(id string, chars *camera.Characteristics) *Capabilities {
	lim := exposure.LimitsFrom(chars)
	fallback := camera.Size{Width: geometry.PreviewFallbackW, Height: geometry.PreviewFallbackH}
	preview := geometry.ChoosePreviewSize(chars.Sizes(camera.FormatPrivate), c.opts.PreviewMaxWidth)
	jpegSize := geometry.LargestSize(chars.Sizes(camera.FormatJPEG), fallback)

	caps := &Capabilities{
		DeviceID:          id,
		SensorOrientation: chars.SensorOrientation,
		ISORange:          lim.ISO,
		ExposureTimeRange: lim.Exposure,
		CompRange:         lim.Comp,
		CompStep:          lim.CompStep,
		MaxAFRegions:      chars.MaxAFRegions,
		MaxAERegions:      chars.MaxAERegions,
		ActiveArray:       chars.ActiveArray,
		PreviewSize:       preview,
		JPEGSize:          jpegSize,
		ZSLSize:           geometry.LargestSize(chars.Sizes(camera.FormatYUV420), jpegSize),
	}
	if raw := chars.Sizes(camera.FormatRaw16); len(raw) > 0 && !c.opts.Mono {
		caps.RawSupported = true
		caps.RawSize = geometry.LargestSize(raw, jpegSize)
	}
	if caps.ActiveArray.Area() == 0 {
		caps.ActiveArray = jpegSize
	}
	return caps
}

func (c *Controller) openReadersLocked(caps *Capabilities) {
	if c.opts.Preview != nil {
		c.preview = c.opts.Preview.PreviewSurface(caps.PreviewSize)
	} else {
		c.preview = camera.NewPreviewSurface(caps.PreviewSize)
	}

	c.jpegReader = camera.NewImageReader(caps.JPEGSize, camera.FormatJPEG, readerMaxImages)
	c.jpegReader.SetOnImageAvailable(c.onJPEGAvailable, c.worker)

	if caps.RawSupported {
		c.rawReader = camera.NewImageReader(caps.RawSize, camera.FormatRaw16, readerMaxImages)
		c.rawReader.SetOnImageAvailable(c.onRawAvailable, c.worker)
	}

	c.zslReader = camera.NewImageReader(caps.ZSLSize, camera.FormatYUV420, readerMaxImages)
	c.zslReader.SetOnImageAvailable(c.onZSLAvailable, c.worker)
}

// createSession negotiates a session for the current format. done, if set,
// receives the outcome.
func (c *Controller) createSession(done func(error)) error {
	fast := c.Settings().Format == FormatFastJPEG

	c.hw.Lock()
	defer c.hw.Unlock()
	if c.device == nil {
		return ErrNotReady
	}
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
	if !fast {
		c.zsl.Clear()
	}

	outputs := []camera.Surface{c.preview, c.jpegReader}
	if c.rawReader != nil {
		outputs = append(outputs, c.rawReader)
	}
	if fast {
		outputs = append(outputs, c.zslReader)
	}

	c.gen++
	gen := c.gen
	debug.Verbose("Creating session: %d outputs, fast=%v", len(outputs), fast)
	return c.device.CreateSession(outputs, camera.SessionCallback{
		OnConfigured: func(s camera.Session) {
			c.onConfigured(gen, s, fast, done)
		},
		OnConfigureFailed: func(err error) {
			c.onConfigureFailed(gen, err, done)
		},
	}, c.worker)
}

func (c *Controller) onConfigured(gen int, s camera.Session, fast bool, done func(error)) {
	c.hw.Lock()
	if gen != c.gen {
		c.hw.Unlock()
		_ = s.Close()
		return
	}
	c.session = s
	c.sessionFast = fast
	err := s.SetRepeating(c.previewRequestLocked(), nil, c.worker)
	c.hw.Unlock()

	if err != nil {
		debug.Error(fmt.Errorf("start preview: %w", err))
	}
	if c.casState(StateConfiguring, StateReady) {
		debug.Info("Session ready (fast=%v)", fast)
		if c.reconfigAgain.Swap(false) && (c.Settings().Format == FormatFastJPEG) != fast {
			c.reconfigure()
		}
	}
	if done != nil {
		done(nil)
	}
}

func (c *Controller) onConfigureFailed(gen int, err error, done func(error)) {
	c.hw.Lock()
	stale := gen != c.gen
	c.hw.Unlock()
	if stale {
		return
	}
	debug.Error(fmt.Errorf("session configuration: %w", err))
	c.releaseHardware()
	c.setState(StateClosed)
	c.message("Camera configuration failed", true)
	if done != nil {
		done(fmt.Errorf("%w: %v", ErrSessionConfigFailed, err))
	}
}

// reconfigure rebuilds the session once no capture is pending.
func (c *Controller) reconfigure() {
	switch {
	case c.casState(StateReady, StateConfiguring):
	case c.State() == StateConfiguring:
		// A negotiation is already under way; check again once it lands.
		c.reconfigAgain.Store(true)
		return
	default:
		// Not bound: the next Bind uses the new settings.
		return
	}
	if c.tracker.Pending() {
		debug.Verbose("Reconfigure deferred until the pending capture completes")
	}
	c.tracker.RunWhenIdle(func() {
		c.worker.Post(c.rebuildSession)
	})
}

func (c *Controller) rebuildSession() {
	if c.State() != StateConfiguring {
		return
	}
	c.opts.Metrics.Reconfigured()
	if err := c.createSession(nil); err != nil {
		debug.Error(fmt.Errorf("rebuild session: %w", err))
		c.releaseHardware()
		c.setState(StateClosed)
		c.message("Camera configuration failed", true)
	}
}

// Shutdown waits for the pending capture (polling up to TeardownTimeout),
// then closes the session, device and readers. A capture still pending at
// the deadline is failed and ErrCapturesAbandoned is returned. It must not
// be called from a camera callback.
func (c *Controller) Shutdown(ctx context.Context) error {
	prev := State(c.state.Swap(int32(StateTearingDown)))
	switch prev {
	case StateClosed:
		c.state.Store(int32(StateClosed))
		return nil
	case StateTearingDown:
		return nil
	}
	c.announce(StateTearingDown)
	debug.Section("Shutdown")

	var err error
	if n := c.tracker.Count(); n > 0 {
		debug.Info("Waiting for %d pending capture(s)", n)
		if !c.tracker.WaitIdle(ctx, c.opts.TeardownPoll, c.opts.TeardownTimeout) {
			dropped := c.tracker.Reset()
			debug.Warn("Forcing teardown, %d capture(s) abandoned", dropped)
			if j := c.currentJob(); j != nil {
				j.fail(ErrCapturesAbandoned)
			}
			err = errors.Join(fmt.Errorf("%w: %d", ErrCapturesAbandoned, dropped), ctx.Err())
		}
	}

	c.releaseHardware()
	c.worker.Sync()
	c.setState(StateClosed)
	debug.Info("Camera closed")
	return err
}

// Close shuts the camera down and stops the worker goroutines. The
// controller cannot be bound again.
func (c *Controller) Close() error {
	err := c.Shutdown(context.Background())
	c.closeOnce.Do(func() {
		c.worker.Close()
		c.main.Close()
	})
	return err
}

func (c *Controller) releaseHardware() {
	c.hw.Lock()
	c.gen++
	sess, dev := c.session, c.device
	readers := []*camera.ImageReader{c.jpegReader, c.rawReader, c.zslReader}
	c.session, c.device, c.preview = nil, nil, nil
	c.jpegReader, c.rawReader, c.zslReader = nil, nil, nil
	c.sessionFast = false
	c.hw.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	if dev != nil {
		_ = dev.Close()
	}
	for _, r := range readers {
		if r != nil {
			r.Close()
		}
	}
	c.zsl.Clear()
	c.results.Clear()
	c.reconfigAgain.Store(false)
}

// previewRequestLocked builds the repeating preview request. c.hw is held.
func (c *Controller) previewRequestLocked(extra ...override) *camera.Request {
	st, focus, lim := c.snapshot()
	tmpl := camera.TemplatePreview
	targets := []camera.Surface{c.preview}
	if c.sessionFast && c.zslReader != nil {
		tmpl = camera.TemplateZeroShutterLag
		targets = append(targets, c.zslReader)
	}
	ovs := append([]override{focus.override()}, extra...)
	return buildRequest(tmpl, targets, baselineFor(st, lim), "", ovs...)
}

// updatePreview resubmits the repeating request. It is a no-op while no
// session is active.
func (c *Controller) updatePreview(extra ...override) {
	c.hw.Lock()
	defer c.hw.Unlock()
	if c.session == nil {
		return
	}
	if err := c.session.SetRepeating(c.previewRequestLocked(extra...), nil, c.worker); err != nil {
		debug.Error(fmt.Errorf("update preview: %w", err))
	}
}

func baselineFor(st Settings, lim exposure.Limits) baseline {
	return baseline{
		fast:          st.Format == FormatFastJPEG,
		exposure:      st.Exposure,
		maxSensorISO:  lim.ISO.Upper,
		stabilization: st.Stabilization,
	}
}

func (c *Controller) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		c.announce(s)
	}
}

func (c *Controller) casState(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.announce(to)
	return true
}

func (c *Controller) announce(s State) {
	debug.Verbose("State -> %s", s)
	c.opts.Metrics.SetState(s.String(), stateNames)
	c.publish(Event{Kind: EventState, State: s.String()})
}

func (c *Controller) now() time.Time { return c.opts.Clock() }

// post runs fn on the dispatcher.
func (c *Controller) post(fn func()) {
	if !c.main.Post(fn) {
		debug.Verbose("dispatcher closed, dropping callback")
	}
}

func (c *Controller) publish(ev Event) {
	ev.Time = c.now()
	c.post(func() {
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(ev)
		}
		for _, fn := range c.subs.snapshot() {
			fn(ev)
		}
	})
}

// message publishes a user-visible notice.
func (c *Controller) message(text string, failed bool) {
	debug.Info("%s", text)
	c.publish(Event{Kind: EventMessage, Message: text, Failed: failed})
}
