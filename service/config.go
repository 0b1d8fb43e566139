package service

import (
	"fmt"
	"os"

	"github.com/safing/routemon/base/config"
	"github.com/safing/routemon/base/log"
)

// ServiceConfig holds the startup options given on the command line.
// They take precedence over the configuration file.
type ServiceConfig struct {
	ConfigPath string

	LogToStdout bool
	LogDir      string
	LogLevel    string

	// APIListen overrides the API listen address, if set.
	APIListen string
}

// Init loads the configuration file and applies the overrides.
func (sc *ServiceConfig) Init() (*config.Config, error) {
	// Expand path variables.
	sc.ConfigPath = os.ExpandEnv(sc.ConfigPath)
	sc.LogDir = os.ExpandEnv(sc.LogDir)

	// Check log level.
	if sc.LogLevel != "" && log.ParseLevel(sc.LogLevel) == 0 {
		return nil, fmt.Errorf("invalid log level %q", sc.LogLevel)
	}

	cfg, err := config.Load(sc.ConfigPath)
	if err != nil {
		return nil, err
	}

	if sc.LogLevel != "" {
		cfg.Log.Level = sc.LogLevel
	}
	if sc.LogDir != "" {
		cfg.Log.Dir = sc.LogDir
	}
	if sc.LogToStdout {
		cfg.Log.Stdout = true
	}
	if sc.APIListen != "" {
		cfg.API.Listen = sc.APIListen
	}

	return cfg, nil
}

// StartLogging starts logging as configured.
func StartLogging(cfg *config.Config) error {
	logToStdout := cfg.Log.Stdout || cfg.Log.Dir == ""
	if err := log.Start(cfg.Log.Level, logToStdout, cfg.Log.Dir); err != nil {
		return fmt.Errorf("start logging: %w", err)
	}
	return nil
}
