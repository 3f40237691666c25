package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/ZeroCam/internal/config"
	"github.com/cjeanneret/ZeroCam/internal/debug"
	"github.com/cjeanneret/ZeroCam/internal/hw/camera/sim"
	"github.com/cjeanneret/ZeroCam/internal/hw/flash"
	"github.com/cjeanneret/ZeroCam/internal/hw/gpio"
	"github.com/cjeanneret/ZeroCam/internal/logic/capture"
	"github.com/cjeanneret/ZeroCam/internal/metrics"
	"github.com/cjeanneret/ZeroCam/internal/storage"
)

// software is stamped into DNG files.
const software = "ZeroCam"

// app is the wired capture stack.
type app struct {
	cfg     *config.Config
	gpio    gpio.Driver
	strobe  *flash.GPIOStrobe // nil without an external flash
	manager *sim.Manager
	store   *storage.MediaStore
	metrics *metrics.Metrics
	ctrl    *capture.Controller
}

// loadConfig validates the path before reading it.
func loadConfig(path string) (*config.Config, error) {
	if err := config.ValidateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// settingsFromConfig builds the startup capture settings. Exposure
// compensation needs the device step and is applied after Bind.
func settingsFromConfig(cfg *config.Config) (capture.Settings, error) {
	st := capture.DefaultSettings()
	f, err := capture.ParseFormat(cfg.Pipeline.Format)
	if err != nil {
		return st, err
	}
	st.Format = f
	st.Flash = cfg.Pipeline.Flash && !st.FastMode()
	st.BW = cfg.Pipeline.BW || cfg.Device.Mono
	st.Stabilization = cfg.Stabilization()
	return st, nil
}

func newApp(cfg *config.Config) (_ *app, err error) {
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	debug.Step(1, "Initializing GPIO driver")
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	if a.gpio, err = gpio.NewDriver(cfg.Defaults.MockGPIO); err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}

	simOpts := sim.Options{
		FrameInterval: cfg.FrameInterval(),
		CaptureDelay:  cfg.CaptureDelay(),
		OpenDelay:     cfg.OpenDelay(),
		ResultDelay:   cfg.ResultDelay(),
	}
	if cfg.Sim.Sensor == "small" {
		simOpts.Devices = []sim.Spec{{ID: "0", Chars: sim.SmallCharacteristics()}}
	}
	if cfg.Flash.Enabled {
		debug.Step(2, "Arming external flash")
		a.strobe, err = flash.NewGPIOStrobe(a.gpio, cfg.Flash.ArmPin, cfg.Flash.FirePin, cfg.ArmDelay(), cfg.FireHold())
		if err != nil {
			return nil, err
		}
		simOpts.Flash = a.strobe
		debug.PrintStruct("Flash config", cfg.Flash)
	}

	debug.Step(3, "Opening media store")
	if a.store, err = storage.Open(cfg.Storage.Root, cfg.Storage.DBPath, cfg.Storage.Prefix); err != nil {
		return nil, err
	}
	debug.Value("Photo directory", a.store.Dir())

	debug.Step(4, "Creating capture controller")
	defaults, err := settingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.manager = sim.NewManager(simOpts)
	a.metrics = metrics.New()
	a.ctrl, err = capture.New(capture.Options{
		Manager:         a.manager,
		DeviceID:        cfg.Device.ID,
		Store:           a.store,
		Metrics:         a.metrics,
		OpenTimeout:     cfg.OpenTimeout(),
		PreviewMaxWidth: cfg.Device.PreviewMaxWidth,
		ResultAttempts:  cfg.Pipeline.ResultAttempts,
		ResultInterval:  cfg.ResultInterval(),
		ZSLRetry:        cfg.ZSLRetry(),
		TeardownTimeout: cfg.TeardownTimeout(),
		CaptureTimeout:  cfg.CaptureTimeout(),
		Software:        software,
		Mono:            cfg.Device.Mono,
		Defaults:        &defaults,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// bind opens the camera and applies the configured exposure bias.
func (a *app) bind(ctx context.Context) (*capture.Capabilities, error) {
	caps, err := a.ctrl.Bind(ctx)
	if err != nil {
		return nil, err
	}
	if a.cfg.Pipeline.EV != 0 {
		a.ctrl.SetAutoExposure(a.cfg.Pipeline.EV)
	}
	debug.Summary(fmt.Sprintf("Camera %s ready: %v", caps.DeviceID, caps.Formats()))
	return caps, nil
}

// reload applies the live-reloadable part of a new configuration and
// returns the sections that only take effect after a restart.
func (a *app) reload(next *config.Config) []string {
	prev := a.cfg
	if next.Defaults.DebugLevel != debug.Level() {
		debug.Init(next.Defaults.DebugLevel)
		debug.Info("Debug level now %d", next.Defaults.DebugLevel)
	}
	var restart []string
	if next.Device != prev.Device || next.Sim != prev.Sim {
		restart = append(restart, "device")
	}
	if next.Storage != prev.Storage {
		restart = append(restart, "storage")
	}
	if next.Flash != prev.Flash || next.Defaults.MockGPIO != prev.Defaults.MockGPIO {
		restart = append(restart, "flash")
	}
	if next.Web != prev.Web {
		restart = append(restart, "web")
	}
	for _, s := range restart {
		debug.Warn("Config section %q changed; restart to apply", s)
	}
	a.cfg = next
	return restart
}

// shootOnce takes one photo and waits until it is stored.
func (a *app) shootOnce(ctx context.Context) (*storage.Location, error) {
	done := make(chan *storage.Location, 1)
	err := a.ctrl.Capture(capture.CaptureCallbacks{
		OnBenchmark: func(shutter, save time.Duration) {
			debug.Live("shutter %s, save %s", shutter, save)
		},
		OnComplete: func(loc *storage.Location) { done <- loc },
	})
	if err != nil {
		return nil, err
	}

	// The controller has its own watchdog; this only guards against a
	// stalled dispatcher.
	timeout := time.NewTimer(a.cfg.CaptureTimeout() + time.Second)
	defer timeout.Stop()
	select {
	case loc := <-done:
		if loc == nil {
			return nil, capture.ErrCaptureFailed
		}
		return loc, nil
	case <-timeout.C:
		return nil, fmt.Errorf("%w: no completion after %s", capture.ErrCaptureFailed, a.cfg.CaptureTimeout())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shutdown releases the camera, waiting for a pending capture.
func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TeardownTimeout()+time.Second)
	defer cancel()
	return a.ctrl.Shutdown(ctx)
}

// Close releases everything newApp acquired.
func (a *app) Close() error {
	var errs []error
	if a.ctrl != nil {
		errs = append(errs, a.ctrl.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.gpio != nil {
		errs = append(errs, a.gpio.Close())
	}
	return errors.Join(errs...)
}
