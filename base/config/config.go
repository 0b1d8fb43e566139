// Package config loads the service configuration from a YAML file and
// ROUTEMON_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Discard policies of the dispatch queue.
const (
	DiscardNewest    = "discard-newest"
	DiscardOldest    = "discard-oldest"
	GrowWithoutBound = "grow"
)

// Defaults.
const (
	DefaultLogLevel        = "info"
	DefaultAPIListen       = "127.0.0.1:8117"
	DefaultWorkers         = 4
	DefaultMaxQueueSize    = 2000
	DefaultAlarmThreshold  = 80
	DefaultMonitorInterval = time.Second
	DefaultRotationPeriod  = time.Second
	DefaultPushInterval    = time.Minute
	DefaultRedisPrefix     = "routemon"
	DefaultRedisTimeout    = 2 * time.Second
	DefaultLocatorTimeout  = 2 * time.Second
	DefaultLocatorCache    = 1024
)

// ErrInvalidConfig is returned when the configuration does not validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete service configuration.
type Config struct {
	Log      Log      `yaml:"log"`
	API      API      `yaml:"api"`
	Dispatch Dispatch `yaml:"dispatch"`
	Rotation Rotation `yaml:"rotation"`
	Metrics  Metrics  `yaml:"metrics"`
	Redis    Redis    `yaml:"redis"`
	Locator  Locator  `yaml:"locator"`
}

// Log configures logging.
type Log struct {
	Level  string `yaml:"level"`
	Dir    string `yaml:"dir"`    // Log to timestamped files in this directory.
	Stdout bool   `yaml:"stdout"` // Force logging to stdout, even if Dir is set.
}

// API configures the HTTP API.
type API struct {
	Listen   string `yaml:"listen"`
	Disabled bool   `yaml:"disabled"`
}

// Dispatch configures the dispatcher.
type Dispatch struct {
	Workers         int           `yaml:"workers"`
	MaxQueueSize    int           `yaml:"max_queue_size"`
	DiscardPolicy   string        `yaml:"discard_policy"`
	AlarmThreshold  int           `yaml:"alarm_threshold"` // In percent of MaxQueueSize, negative disables.
	RateLimit       float64       `yaml:"rate_limit"`      // Units per second, 0 is unlimited.
	RateBurst       int           `yaml:"rate_burst"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// Rotation configures the rate window rotation.
type Rotation struct {
	Period time.Duration `yaml:"period"`
}

// Metrics configures the metrics registry.
type Metrics struct {
	Namespace    string        `yaml:"namespace"`
	Instance     string        `yaml:"instance"`
	Comment      string        `yaml:"comment"`
	PushURL      string        `yaml:"push_url"`
	PushInterval time.Duration `yaml:"push_interval"`
	PersistPath  string        `yaml:"persist_path"`
	DiskPath     string        `yaml:"disk_path"` // Path to report disk usage of.
}

// Redis configures the telemetry publisher. An empty address disables it.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Locator configures DNS based destination lookups.
type Locator struct {
	Nameserver string        `yaml:"nameserver"` // host:port, defaults to the system resolver.
	Timeout    time.Duration `yaml:"timeout"`
	CacheSize  int           `yaml:"cache_size"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load loads the configuration.
// Priority: config file, then environment variables.
// The result is validated before defaults are applied.
func Load(configPath string) (*Config, error) {
	var cfg Config

	if configPath != "" {
		if err := loadFromFile(configPath, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadFromEnv(&cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.setDefaults()
	return &cfg, nil
}

// Parse parses the configuration from YAML data, without environment
// overrides, and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}

	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = DefaultWorkers
	}
	if c.Dispatch.MaxQueueSize == 0 {
		c.Dispatch.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.Dispatch.DiscardPolicy == "" {
		c.Dispatch.DiscardPolicy = DiscardNewest
	}
	if c.Dispatch.AlarmThreshold == 0 {
		c.Dispatch.AlarmThreshold = DefaultAlarmThreshold
	}
	if c.Dispatch.MonitorInterval == 0 {
		c.Dispatch.MonitorInterval = DefaultMonitorInterval
	}

	if c.Rotation.Period == 0 {
		c.Rotation.Period = DefaultRotationPeriod
	}

	if c.Metrics.PushInterval == 0 {
		c.Metrics.PushInterval = DefaultPushInterval
	}

	if c.Redis.Prefix == "" {
		c.Redis.Prefix = DefaultRedisPrefix
	}
	if c.Redis.Timeout == 0 {
		c.Redis.Timeout = DefaultRedisTimeout
	}

	if c.Locator.Timeout == 0 {
		c.Locator.Timeout = DefaultLocatorTimeout
	}
	if c.Locator.CacheSize == 0 {
		c.Locator.CacheSize = DefaultLocatorCache
	}
}
