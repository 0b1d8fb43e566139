package metrics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/safing/routemon/base/api"
	"github.com/safing/routemon/base/config"
	"github.com/safing/routemon/service/mgr"
)

// persistenceKey is the storage key used when no instance name is configured.
const persistenceKey = "routemon"

// Metrics is the metrics module. It owns the registry all other modules
// register their metrics with, exports it via the API and optionally pushes
// it to a remote endpoint.
type Metrics struct {
	mgr      *mgr.Manager
	registry *Registry
	cfg      config.Metrics

	metricTicker *mgr.SleepyTicker
	tickerLock   sync.Mutex
}

// New returns a new metrics module working on the given registry.
// The built-in runtime, host, log and info metrics are registered directly,
// service labels are added to the info metric.
// If a is not nil, the registry is exported on the API.
func New(registry *Registry, cfg config.Metrics, a *api.API, service map[string]string) (*Metrics, error) {
	if registry == nil {
		return nil, errors.New("metrics: missing registry")
	}

	met := &Metrics{
		mgr:      mgr.New("Metrics"),
		registry: registry,
		cfg:      cfg,
	}

	// Namespace and global labels must be set before the first metric.
	if cfg.Namespace != "" {
		if err := registry.SetNamespace(cfg.Namespace); err != nil {
			return nil, err
		}
	}
	if cfg.Instance != "" {
		if err := registry.AddGlobalLabel("instance", cfg.Instance); err != nil {
			return nil, err
		}
	}

	if err := registry.registerInfoMetric(cfg.Comment, service); err != nil {
		return nil, fmt.Errorf("register info metric: %w", err)
	}
	if err := registry.registerRuntimeMetric(); err != nil {
		return nil, fmt.Errorf("register runtime metric: %w", err)
	}
	if err := registry.registerHostMetrics(NewHostStats(cfg.DiskPath)); err != nil {
		return nil, fmt.Errorf("register host metrics: %w", err)
	}
	if err := registry.registerLogMetrics(); err != nil {
		return nil, fmt.Errorf("register log metrics: %w", err)
	}

	if a != nil {
		if err := registerAPI(a, registry); err != nil {
			return nil, err
		}
	}

	return met, nil
}

// Manager returns the module manager.
func (met *Metrics) Manager() *mgr.Manager {
	return met.mgr
}

// Registry returns the metric registry of the module.
func (met *Metrics) Registry() *Registry {
	return met.registry
}

// Start starts the module.
func (met *Metrics) Start() error {
	if met.cfg.PersistPath != "" {
		key := persistenceKey
		if met.cfg.Instance != "" {
			key = met.cfg.Instance
		}
		err := met.registry.EnablePersistence(met.cfg.PersistPath, key)
		switch {
		case errors.Is(err, ErrAlreadyInitialized):
			// Enabled by a previous start.
		case err != nil:
			// Counters start from zero, but are stored on stop.
			met.mgr.Warn("failed to load persisted metrics", "path", met.cfg.PersistPath, "err", err)
		default:
			met.mgr.Info("metric persistence enabled", "path", met.cfg.PersistPath, "since", met.registry.PersistedSince())
		}
	}

	if met.cfg.PushURL != "" {
		met.mgr.Go("metric pusher", met.metricsWriter)
	}

	return nil
}

// Stop stops the module.
func (met *Metrics) Stop() error {
	// Wait until the metrics pusher is done, as it may have started reporting
	// and may report a higher number than we store to disk.
	met.mgr.Cancel()
	met.mgr.WaitForWorkersFromStop(5 * time.Second)

	err := met.registry.StorePersistentMetrics()
	switch {
	case errors.Is(err, ErrPersistenceDisabled):
		return nil
	case err != nil:
		return err
	}

	return met.registry.ClosePersistence()
}

// SetSleep sets the push ticker into sleep mode.
func (met *Metrics) SetSleep(enabled bool) {
	met.tickerLock.Lock()
	defer met.tickerLock.Unlock()

	if met.metricTicker != nil {
		met.metricTicker.SetSleep(enabled)
	}
}
