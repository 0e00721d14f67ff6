// Package config provides configuration loading and management for mprengine.
// It handles loading configuration from YAML files, applies MPR_* environment
// overrides and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. MPR_DISPLAY_COLORMAP.
const EnvPrefix = "MPR_"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Volume parameters
	Volume struct {
		// Background is the value of samples that fall outside the volume
		Background float64 `yaml:"background" env:"BACKGROUND"`

		// MaxVoxels rejects volumes larger than this many voxels (0 = unlimited)
		MaxVoxels int `yaml:"maxVoxels" env:"MAX_VOXELS"`
	} `yaml:"volume" envPrefix:"VOLUME_"`

	// Display parameters
	Display struct {
		// OutputSize is the edge length in pixels of oblique slice images
		OutputSize int `yaml:"outputSize" env:"OUTPUT_SIZE"`

		// Colormap is the initial colormap name
		Colormap string `yaml:"colormap" env:"COLORMAP"`

		// WindowCenter and WindowWidth set a fixed window; a zero width selects auto windowing
		WindowCenter float64 `yaml:"windowCenter" env:"WINDOW_CENTER"`
		WindowWidth  float64 `yaml:"windowWidth" env:"WINDOW_WIDTH"`

		// AutoWindowLow and AutoWindowHigh are the auto window quantiles in [0, 1]
		AutoWindowLow  float64 `yaml:"autoWindowLow" env:"AUTO_WINDOW_LOW"`
		AutoWindowHigh float64 `yaml:"autoWindowHigh" env:"AUTO_WINDOW_HIGH"`

		// OverlayMode is "filled" or "outline"
		OverlayMode string `yaml:"overlayMode" env:"OVERLAY_MODE"`

		// OverlayAlpha is the opacity of filled overlays
		OverlayAlpha float64 `yaml:"overlayAlpha" env:"OVERLAY_ALPHA"`
	} `yaml:"display" envPrefix:"DISPLAY_"`

	// Playback parameters
	Playback struct {
		// FPS is the cine frame rate
		FPS float64 `yaml:"fps" env:"FPS"`

		// Orientation is the axis playback steps through
		Orientation string `yaml:"orientation" env:"ORIENTATION"`

		// Wrap restarts from the first slice instead of stopping at the end
		Wrap bool `yaml:"wrap" env:"WRAP"`
	} `yaml:"playback" envPrefix:"PLAYBACK_"`

	// Engine parameters
	Engine struct {
		// NumWorkers specifies how many goroutines extract slice rows in parallel
		NumWorkers int `yaml:"numWorkers" env:"NUM_WORKERS"`

		// EventBuffer is the channel capacity of each event subscriber
		EventBuffer int `yaml:"eventBuffer" env:"EVENT_BUFFER"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose" env:"VERBOSE"`
	} `yaml:"engine" envPrefix:"ENGINE_"`

	// Storage parameters
	Storage struct {
		// AnnotationsDB is the SQLite file ROIs are archived in (empty disables it)
		AnnotationsDB string `yaml:"annotationsDB" env:"ANNOTATIONS_DB"`
	} `yaml:"storage" envPrefix:"STORAGE_"`

	// Telemetry parameters
	Telemetry struct {
		// ServiceName is reported on every span
		ServiceName string `yaml:"serviceName" env:"SERVICE_NAME"`

		// OTLPEndpoint enables trace export when set: a collector URL such as
		// "http://localhost:4318", or a bare host:port sent over plain HTTP
		OTLPEndpoint string `yaml:"otlpEndpoint" env:"OTLP_ENDPOINT"`

		// MetricsAddr serves Prometheus metrics when set (e.g. ":9090")
		MetricsAddr string `yaml:"metricsAddr" env:"METRICS_ADDR"`
	} `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default volume parameters
	cfg.Volume.Background = 0
	cfg.Volume.MaxVoxels = 512 * 512 * 1024

	// Set default display parameters
	cfg.Display.OutputSize = 512
	cfg.Display.Colormap = "gray"
	cfg.Display.AutoWindowLow = 0.01
	cfg.Display.AutoWindowHigh = 0.99
	cfg.Display.OverlayMode = "filled"
	cfg.Display.OverlayAlpha = 0.4

	// Set default playback parameters
	cfg.Playback.FPS = 10
	cfg.Playback.Orientation = "axial"
	cfg.Playback.Wrap = true

	// Set default engine parameters
	cfg.Engine.NumWorkers = runtime.NumCPU() // Use all available cores by default
	cfg.Engine.EventBuffer = 64
	cfg.Engine.Verbose = true

	cfg.Telemetry.ServiceName = "mprengine"

	return cfg
}

// Validate checks value ranges that would otherwise fail deep inside the engine.
func (c *Config) Validate() error {
	if c.Volume.MaxVoxels < 0 {
		return fmt.Errorf("volume.maxVoxels must not be negative, got %d", c.Volume.MaxVoxels)
	}
	if c.Display.OutputSize <= 0 {
		return fmt.Errorf("display.outputSize must be positive, got %d", c.Display.OutputSize)
	}
	if c.Display.AutoWindowLow < 0 || c.Display.AutoWindowHigh > 1 || c.Display.AutoWindowLow >= c.Display.AutoWindowHigh {
		return fmt.Errorf("display auto window quantiles must satisfy 0 <= low < high <= 1, got %v and %v",
			c.Display.AutoWindowLow, c.Display.AutoWindowHigh)
	}
	if c.Display.OverlayAlpha < 0 || c.Display.OverlayAlpha > 1 {
		return fmt.Errorf("display.overlayAlpha must be in [0, 1], got %v", c.Display.OverlayAlpha)
	}
	if c.Playback.FPS <= 0 {
		return fmt.Errorf("playback.fps must be positive, got %v", c.Playback.FPS)
	}
	if c.Engine.EventBuffer < 0 {
		return fmt.Errorf("engine.eventBuffer must not be negative, got %d", c.Engine.EventBuffer)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file and applies environment overrides.
// If the file doesn't exist, the defaults are used as the base.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any MPR_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("error parsing environment: %w", err)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
