// Package sim is a synthetic camera backend. It implements the camera HAL
// with deterministic frames so the pipeline can run on a development
// machine and in tests.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/ZeroCam/internal/debug"
	"github.com/cjeanneret/ZeroCam/internal/hw/camera"
)

// Flash is fired for single-flash still captures.
type Flash interface {
	Fire() error
}

// Spec describes one simulated device.
type Spec struct {
	ID    string
	Chars camera.Characteristics
}

// Options tune the simulated device behaviour.
type Options struct {
	Devices       []Spec
	OpenDelay     time.Duration
	OpenErr       error
	ConfigureErr  error
	FrameInterval time.Duration // repeating request cadence
	CaptureDelay  time.Duration // exposure + readout for single captures
	ResultDelay   time.Duration // extra delay before OnCompleted
	DropResults   bool
	FailCaptures  bool
	Flash         Flash
}

// Recorded is one request submitted to a session.
type Recorded struct {
	Repeating bool
	Request   *camera.Request
}

// Manager is the simulated camera manager.
type Manager struct {
	opts    Options
	devices map[string]Spec
	order   []string

	failCaptures atomic.Bool
	dropResults  atomic.Bool
	frame        atomic.Int64
	sessions     atomic.Int64
	flashes      atomic.Int64

	mu       sync.Mutex
	requests []Recorded
}

var _ camera.Manager = (*Manager)(nil)

// NewManager creates a manager. Without devices, a single back-facing
// device "0" with DefaultCharacteristics is exposed.
func NewManager(opts Options) *Manager {
	if len(opts.Devices) == 0 {
		opts.Devices = []Spec{{ID: "0", Chars: DefaultCharacteristics()}}
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 33 * time.Millisecond
	}
	if opts.CaptureDelay <= 0 {
		opts.CaptureDelay = 5 * time.Millisecond
	}
	m := &Manager{opts: opts, devices: make(map[string]Spec)}
	for _, d := range opts.Devices {
		m.devices[d.ID] = d
		m.order = append(m.order, d.ID)
	}
	m.failCaptures.Store(opts.FailCaptures)
	m.dropResults.Store(opts.DropResults)
	return m
}

func (m *Manager) DeviceIDs() ([]string, error) {
	return append([]string(nil), m.order...), nil
}

func (m *Manager) Characteristics(id string) (*camera.Characteristics, error) {
	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", camera.ErrUnknownDevice, id)
	}
	chars := d.Chars
	return &chars, nil
}

func (m *Manager) Open(id string, cb camera.StateCallback, ex camera.Executor) error {
	spec, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: %q", camera.ErrUnknownDevice, id)
	}
	dev := &device{id: id, chars: spec.Chars, mgr: m}
	go func() {
		if m.opts.OpenDelay > 0 {
			time.Sleep(m.opts.OpenDelay)
		}
		if m.opts.OpenErr != nil {
			if cb.OnError != nil {
				ex.Post(func() { cb.OnError(dev, m.opts.OpenErr) })
			}
			return
		}
		debug.Trace("sim: device %s opened", id)
		if cb.OnOpened != nil {
			ex.Post(func() { cb.OnOpened(dev) })
		}
	}()
	return nil
}

// SetFailCaptures makes subsequent single captures fail.
func (m *Manager) SetFailCaptures(v bool) { m.failCaptures.Store(v) }

// SetDropResults suppresses OnCompleted for subsequent single captures.
func (m *Manager) SetDropResults(v bool) { m.dropResults.Store(v) }

// SessionsCreated returns how many sessions were negotiated.
func (m *Manager) SessionsCreated() int { return int(m.sessions.Load()) }

// FlashesFired returns how many single-flash captures fired the flash.
func (m *Manager) FlashesFired() int { return int(m.flashes.Load()) }

// Requests returns a copy of every request submitted so far.
func (m *Manager) Requests() []Recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Recorded(nil), m.requests...)
}

// Captures returns the single (non-repeating) requests submitted so far.
func (m *Manager) Captures() []*camera.Request {
	var out []*camera.Request
	for _, r := range m.Requests() {
		if !r.Repeating {
			out = append(out, r.Request)
		}
	}
	return out
}

func (m *Manager) record(repeating bool, req *camera.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, Recorded{Repeating: repeating, Request: req.Clone()})
	m.mu.Unlock()
}

type device struct {
	id     string
	chars  camera.Characteristics
	mgr    *Manager
	closed atomic.Bool

	mu      sync.Mutex
	current *session
}

func (d *device) ID() string { return d.id }

func (d *device) CreateSession(outputs []camera.Surface, cb camera.SessionCallback, ex camera.Executor) error {
	if d.closed.Load() {
		return camera.ErrClosed
	}
	if len(outputs) == 0 {
		return errors.New("sim: session needs at least one output")
	}
	s := &session{dev: d, outputs: append([]camera.Surface(nil), outputs...)}

	d.mu.Lock()
	prev := d.current
	d.current = s
	d.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	d.mgr.sessions.Add(1)

	go func() {
		if err := d.mgr.opts.ConfigureErr; err != nil {
			if cb.OnConfigureFailed != nil {
				ex.Post(func() { cb.OnConfigureFailed(err) })
			}
			return
		}
		if cb.OnConfigured != nil {
			ex.Post(func() { cb.OnConfigured(s) })
		}
	}()
	return nil
}

func (d *device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.mu.Lock()
	s := d.current
	d.current = nil
	d.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
	debug.Trace("sim: device %s closed", d.id)
	return nil
}

type session struct {
	dev     *device
	outputs []camera.Surface
	closed  atomic.Bool

	mu       sync.Mutex
	stopLoop chan struct{}
	wg       sync.WaitGroup
}

func (s *session) validate(req *camera.Request) error {
	if s.closed.Load() || s.dev.closed.Load() {
		return camera.ErrClosed
	}
	if req == nil || len(req.Targets) == 0 {
		return errors.New("sim: request without targets")
	}
	for _, t := range req.Targets {
		found := false
		for _, o := range s.outputs {
			if o == t {
				found = true
				break
			}
		}
		if !found {
			return camera.ErrInvalidSurface
		}
	}
	return nil
}

func (s *session) Capture(req *camera.Request, cb *camera.CaptureCallback, ex camera.Executor) error {
	if err := s.validate(req); err != nil {
		return err
	}
	mgr := s.dev.mgr
	mgr.record(false, req)
	req = req.Clone()

	go func() {
		frame := mgr.frame.Add(1)
		time.Sleep(mgr.opts.CaptureDelay)
		if s.closed.Load() {
			return
		}
		if mgr.failCaptures.Load() {
			if cb != nil && cb.OnFailed != nil {
				ex.Post(func() { cb.OnFailed(req, camera.Failure{Frame: frame, Reason: "simulated failure"}) })
			}
			return
		}
		ts := time.Now().UnixNano()
		if cb != nil && cb.OnStarted != nil {
			ex.Post(func() { cb.OnStarted(req, ts, frame) })
		}
		if req.Settings.FlashMode == camera.FlashSingle && mgr.opts.Flash != nil {
			mgr.flashes.Add(1)
			if err := mgr.opts.Flash.Fire(); err != nil {
				debug.Error(fmt.Errorf("sim: flash: %w", err))
			}
		}
		s.produce(req, frame, ts)
		if mgr.dropResults.Load() {
			return
		}
		if mgr.opts.ResultDelay > 0 {
			time.Sleep(mgr.opts.ResultDelay)
		}
		res := s.result(req, frame, ts)
		if cb != nil && cb.OnCompleted != nil {
			ex.Post(func() { cb.OnCompleted(req, res) })
		}
	}()
	return nil
}

func (s *session) SetRepeating(req *camera.Request, cb *camera.CaptureCallback, ex camera.Executor) error {
	if err := s.validate(req); err != nil {
		return err
	}
	mgr := s.dev.mgr
	mgr.record(true, req)
	req = req.Clone()

	s.stopRepeating()
	stop := make(chan struct{})
	s.mu.Lock()
	s.stopLoop = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(mgr.opts.FrameInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				frame := mgr.frame.Add(1)
				ts := time.Now().UnixNano()
				s.produce(req, frame, ts)
				if cb != nil && cb.OnCompleted != nil {
					res := s.result(req, frame, ts)
					ex.Post(func() { cb.OnCompleted(req, res) })
				}
			}
		}
	}()
	return nil
}

func (s *session) StopRepeating() error {
	if s.closed.Load() {
		return camera.ErrClosed
	}
	s.stopRepeating()
	return nil
}

func (s *session) stopRepeating() {
	s.mu.Lock()
	stop := s.stopLoop
	s.stopLoop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (s *session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.stopRepeating()
	s.wg.Wait()
	return nil
}

func (s *session) produce(req *camera.Request, frame, ts int64) {
	chars := &s.dev.chars
	for _, t := range req.Targets {
		switch out := t.(type) {
		case *camera.PreviewSurface:
			out.Render()
		case *camera.ImageReader:
			planes, err := renderPlanes(out.Format(), out.Size(), frame, chars, req.Settings)
			if err != nil {
				debug.Error(fmt.Errorf("sim: render %s: %w", out.Format(), err))
				continue
			}
			out.Deliver(ts, planes)
		}
	}
}

func (s *session) result(req *camera.Request, frame, ts int64) *camera.Result {
	st := req.Settings
	res := &camera.Result{
		Frame:          frame,
		Tag:            req.Tag,
		TimestampNs:    ts,
		ISO:            st.Sensitivity,
		ExposureTimeNs: st.ExposureTimeNs,
		AEMode:         st.AEMode,
		AEState:        camera.AEStateConverged,
		AWBMode:        st.AWBMode,
		AFMode:         st.AFMode,
		Tonemap:        st.Tonemap,
		NoiseReduction: st.NoiseReduction,
		Edge:           st.Edge,
		ColorCorrect:   st.ColorCorrection,
	}
	if st.AEMode != camera.AEModeOff {
		// Auto exposure picks its own values.
		res.ISO = 100
		res.ExposureTimeNs = 10_000_000
	}
	if st.AEPrecapture == camera.TriggerStart && st.AEMode == camera.AEModeOnAlwaysFlash {
		res.AEState = camera.AEStateFlashRequired
	}
	return res
}
