package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 1 << 20

// DeviceConfig selects and tunes the camera device.
type DeviceConfig struct {
	Backend         string `yaml:"backend"`           // "sim" (only backend shipped)
	ID              string `yaml:"id"`                // camera id; empty = first back-facing
	OpenTimeoutMs   int    `yaml:"open_timeout_ms"`   // give up opening after this long
	PreviewMaxWidth int    `yaml:"preview_max_width"` // widest preview size accepted
	Mono            bool   `yaml:"mono"`              // monochrome build: no RAW, always BW
}

// SimConfig tunes the simulated device.
type SimConfig struct {
	Sensor          string `yaml:"sensor"`            // "default" | "small" (320x240, for tests and slow boards)
	FrameIntervalMs int    `yaml:"frame_interval_ms"` // preview cadence
	CaptureDelayMs  int    `yaml:"capture_delay_ms"`  // exposure + readout of a still
	OpenDelayMs     int    `yaml:"open_delay_ms"`
	ResultDelayMs   int    `yaml:"result_delay_ms"`
}

// PipelineConfig holds the startup capture settings and pipeline timings.
type PipelineConfig struct {
	Format            string  `yaml:"format"` // jpeg | raw | fast
	EV                float64 `yaml:"ev"`     // auto exposure compensation
	Flash             bool    `yaml:"flash"`
	BW                bool    `yaml:"bw"`
	OIS               *bool   `yaml:"ois,omitempty"` // optical stabilization, default on
	ResultAttempts    int     `yaml:"result_attempts"`
	ResultIntervalMs  int     `yaml:"result_interval_ms"`
	ZSLRetryMs        int     `yaml:"zsl_retry_ms"`
	TeardownTimeoutMs int     `yaml:"teardown_timeout_ms"`
	CaptureTimeoutMs  int     `yaml:"capture_timeout_ms"`
}

// StorageConfig says where photos and the media index live.
type StorageConfig struct {
	Root   string `yaml:"root"`    // photos go to <root>/Pictures/Zero
	DBPath string `yaml:"db_path"` // empty = <root>/media.db
	Prefix string `yaml:"prefix"`  // file name prefix, e.g. "ZERO"
}

// FlashConfig wires an external strobe to two GPIO lines.
type FlashConfig struct {
	Enabled    bool `yaml:"enabled"`
	ArmPin     int  `yaml:"arm_pin"`      // BCM pin, active LOW
	FirePin    int  `yaml:"fire_pin"`     // BCM pin, active LOW
	ArmDelayMs int  `yaml:"arm_delay_ms"` // strobe ready time
	FireHoldMs int  `yaml:"fire_hold_ms"` // trigger pulse width
}

// WebConfig configures the HTTP control surface.
type WebConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Sim      SimConfig      `yaml:"sim"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Storage  StorageConfig  `yaml:"storage"`
	Flash    FlashConfig    `yaml:"flash"`
	Web      WebConfig      `yaml:"web"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

var formats = map[string]bool{
	"jpeg": true, "jpg": true,
	"raw": true, "dng": true,
	"fast": true, "zsl": true, "hf": true,
}

// ValidateConfigPath accepts only .yaml files directly inside a configs/
// directory, without any ".." element.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must end in .yaml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("config file is empty")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	// Device
	if c.Device.Backend == "" {
		c.Device.Backend = "sim"
	}
	if c.Device.Backend != "sim" {
		return fmt.Errorf("device.backend %q is not supported (want \"sim\")", c.Device.Backend)
	}
	if c.Device.OpenTimeoutMs <= 0 {
		c.Device.OpenTimeoutMs = 2500
	}
	if c.Device.PreviewMaxWidth <= 0 {
		c.Device.PreviewMaxWidth = 1440
	}

	// Simulated device
	switch c.Sim.Sensor {
	case "":
		c.Sim.Sensor = "default"
	case "default", "small":
	default:
		return fmt.Errorf("sim.sensor %q must be default or small", c.Sim.Sensor)
	}
	if c.Sim.FrameIntervalMs <= 0 {
		c.Sim.FrameIntervalMs = 33 // ~30 fps
	}
	if c.Sim.CaptureDelayMs <= 0 {
		c.Sim.CaptureDelayMs = 30
	}
	if c.Sim.OpenDelayMs < 0 || c.Sim.ResultDelayMs < 0 {
		return errors.New("sim delays must be >= 0")
	}

	// Pipeline
	c.Pipeline.Format = strings.ToLower(strings.TrimSpace(c.Pipeline.Format))
	if c.Pipeline.Format == "" {
		c.Pipeline.Format = "jpeg"
	}
	if !formats[c.Pipeline.Format] {
		return fmt.Errorf("pipeline.format %q must be jpeg, raw or fast", c.Pipeline.Format)
	}
	if c.Device.Mono && (c.Pipeline.Format == "raw" || c.Pipeline.Format == "dng") {
		return errors.New("pipeline.format raw is not available on mono devices")
	}
	if c.Pipeline.EV < -10 || c.Pipeline.EV > 10 {
		return fmt.Errorf("pipeline.ev must be between -10 and 10, got %.2f", c.Pipeline.EV)
	}
	if c.Pipeline.OIS == nil {
		on := true
		c.Pipeline.OIS = &on
	}
	if c.Pipeline.ResultAttempts <= 0 {
		c.Pipeline.ResultAttempts = 50
	}
	if c.Pipeline.ResultIntervalMs <= 0 {
		c.Pipeline.ResultIntervalMs = 10
	}
	if c.Pipeline.ZSLRetryMs <= 0 {
		c.Pipeline.ZSLRetryMs = 100
	}
	if c.Pipeline.TeardownTimeoutMs <= 0 {
		c.Pipeline.TeardownTimeoutMs = 5000
	}
	if c.Pipeline.CaptureTimeoutMs <= 0 {
		c.Pipeline.CaptureTimeoutMs = 10000
	}

	// Storage
	if c.Storage.Root == "" {
		c.Storage.Root = "data"
	}
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = "ZERO"
	}
	if strings.ContainsAny(c.Storage.Prefix, `/\`) {
		return fmt.Errorf("storage.prefix %q must not contain path separators", c.Storage.Prefix)
	}

	// Flash
	if c.Flash.Enabled {
		if c.Flash.ArmPin <= 0 || c.Flash.FirePin <= 0 {
			return errors.New("flash.arm_pin and flash.fire_pin are required when the flash is enabled")
		}
		if c.Flash.ArmPin == c.Flash.FirePin {
			return fmt.Errorf("flash.arm_pin and flash.fire_pin must differ, both are %d", c.Flash.ArmPin)
		}
	}
	if c.Flash.ArmDelayMs <= 0 {
		c.Flash.ArmDelayMs = 50
	}
	if c.Flash.FireHoldMs <= 0 {
		c.Flash.FireHoldMs = 20
	}

	// Web
	if c.Web.Addr == "" {
		c.Web.Addr = ":8080"
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// OpenTimeout returns how long to wait for the device to open.
func (c *Config) OpenTimeout() time.Duration { return ms(c.Device.OpenTimeoutMs) }

// FrameInterval returns the simulated preview cadence.
func (c *Config) FrameInterval() time.Duration { return ms(c.Sim.FrameIntervalMs) }

// CaptureDelay returns the simulated still exposure + readout time.
func (c *Config) CaptureDelay() time.Duration { return ms(c.Sim.CaptureDelayMs) }

func (c *Config) OpenDelay() time.Duration   { return ms(c.Sim.OpenDelayMs) }
func (c *Config) ResultDelay() time.Duration { return ms(c.Sim.ResultDelayMs) }

// ResultInterval returns the pause between two RAW metadata polls.
func (c *Config) ResultInterval() time.Duration { return ms(c.Pipeline.ResultIntervalMs) }

// ZSLRetry returns the wait before retrying an empty ZSL buffer.
func (c *Config) ZSLRetry() time.Duration { return ms(c.Pipeline.ZSLRetryMs) }

// TeardownTimeout returns how long shutdown waits for a pending capture.
func (c *Config) TeardownTimeout() time.Duration { return ms(c.Pipeline.TeardownTimeoutMs) }

// CaptureTimeout returns the longest a capture may stay pending.
func (c *Config) CaptureTimeout() time.Duration { return ms(c.Pipeline.CaptureTimeoutMs) }

// Stabilization reports whether optical stabilization starts enabled.
func (c *Config) Stabilization() bool { return c.Pipeline.OIS == nil || *c.Pipeline.OIS }

// ArmDelay returns the strobe ready time.
func (c *Config) ArmDelay() time.Duration { return ms(c.Flash.ArmDelayMs) }

// FireHold returns the strobe trigger pulse width.
func (c *Config) FireHold() time.Duration { return ms(c.Flash.FireHoldMs) }
