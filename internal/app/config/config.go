package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/markuskreitzer/picodaq/internal/adapters/observability"
	"github.com/markuskreitzer/picodaq/internal/adapters/opcuadrv"
)

// Config is the process configuration loaded from YAML.
type Config struct {
	Driver  string                  `yaml:"driver"`
	OPCUA   opcuadrv.Config         `yaml:"opcua"`
	Capture CaptureConfig           `yaml:"capture"`
	Metrics MetricsConfig           `yaml:"metrics"`
	Log     observability.LogConfig `yaml:"log"`
	Export  ExportConfig            `yaml:"export"`
	Cache   CacheConfig             `yaml:"cache"`
}

// CaptureConfig tunes block-capture timeout derivation.
type CaptureConfig struct {
	TimeoutMultiplier float64       `yaml:"timeout_multiplier"`
	TimeoutFloor      time.Duration `yaml:"timeout_floor"`
}

// MetricsConfig configures the metrics HTTP server.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// ExportConfig selects export destinations.
type ExportConfig struct {
	Dir           string `yaml:"dir"`
	PostgresConn  string `yaml:"postgres_conn"`
	PostgresTable string `yaml:"postgres_table"`
}

// CacheConfig locates the capability-descriptor cache.
type CacheConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = "sim"
	}
	if c.Capture.TimeoutMultiplier == 0 {
		c.Capture.TimeoutMultiplier = 3
	}
	if c.Capture.TimeoutFloor == 0 {
		c.Capture.TimeoutFloor = 2 * time.Second
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9120"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Export.Dir == "" {
		c.Export.Dir = "./data/exports"
	}
	if c.Export.PostgresTable == "" {
		c.Export.PostgresTable = "waveform_samples"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "./data/capabilities"
	}
}

func (c *Config) Validate() error {
	switch c.Driver {
	case "sim":
	case "opcua":
		if c.OPCUA.Endpoint == "" {
			return fmt.Errorf("opcua.endpoint is required for the opcua driver")
		}
		if len(c.OPCUA.Nodes) == 0 {
			return fmt.Errorf("opcua.nodes must name at least one channel node")
		}
	default:
		return fmt.Errorf("unknown driver %q (want sim or opcua)", c.Driver)
	}
	if c.Capture.TimeoutMultiplier < 1 {
		return fmt.Errorf("capture.timeout_multiplier must be >= 1")
	}
	return nil
}
