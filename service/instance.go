package service

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/safing/routemon/base/api"
	"github.com/safing/routemon/base/config"
	"github.com/safing/routemon/base/metrics"
	"github.com/safing/routemon/service/dispatch"
	"github.com/safing/routemon/service/locator"
	"github.com/safing/routemon/service/mgr"
	"github.com/safing/routemon/service/publish"
	"github.com/safing/routemon/service/ratemon"
	"github.com/safing/routemon/service/telemetry"
)

// DispatcherName is the name of the call routing dispatcher.
const DispatcherName = "Call Dispatcher"

// Instance is an instance of the routing monitor.
type Instance struct {
	*mgr.Group

	cfg *config.Config

	api        *api.API
	metrics    *metrics.Metrics
	telemetry  *telemetry.Telemetry
	locator    *locator.Locator
	publisher  *publish.Publisher
	dispatcher *dispatch.Dispatcher
}

// New returns a new instance with all modules built and wired.
func New(cfg *config.Config) (*Instance, error) {
	if cfg == nil {
		return nil, errors.New("missing config")
	}

	// Create instance to pass it to modules.
	instance := &Instance{
		cfg: cfg,
	}
	registry := metrics.NewRegistry()

	var err error
	instance.api, err = api.New(instance, cfg.API)
	if err != nil {
		return nil, fmt.Errorf("create api module: %w", err)
	}
	instance.metrics, err = metrics.New(registry, cfg.Metrics, instance.api, serviceLabels(cfg))
	if err != nil {
		return nil, fmt.Errorf("create metrics module: %w", err)
	}

	instance.telemetry, err = telemetry.New(registry, instance.api, ratemon.WithPeriod(cfg.Rotation.Period))
	if err != nil {
		return nil, fmt.Errorf("create telemetry module: %w", err)
	}
	instance.locator, err = locator.New(cfg.Locator, registry)
	if err != nil {
		return nil, fmt.Errorf("create locator module: %w", err)
	}
	if cfg.Redis.Addr != "" {
		instance.publisher, err = publish.New(cfg.Redis, instance.telemetry, registry)
		if err != nil {
			return nil, fmt.Errorf("create publisher module: %w", err)
		}
	}

	instance.dispatcher, err = dispatch.New(DispatcherName, instance.telemetry, cfg.Dispatch, registry, instance.api)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher module: %w", err)
	}
	// The dispatcher owns the rotation schedule.
	if err := instance.dispatcher.AddScheduledTask(instance.telemetry.Rotator()); err != nil {
		return nil, fmt.Errorf("schedule rotation: %w", err)
	}

	// Add all modules to instance group.
	// Modules are stopped in reverse order: the dispatcher drains first and
	// metrics are stored last.
	instance.Group = mgr.NewGroup(
		instance.metrics,
		instance.api,
		instance.telemetry,
		instance.locator,
		instance.publisher,
		instance.dispatcher,
	)

	return instance, nil
}

// Config returns the configuration.
func (i *Instance) Config() *config.Config {
	return i.cfg
}

// API returns the api module.
func (i *Instance) API() *api.API {
	return i.api
}

// Metrics returns the metrics module.
func (i *Instance) Metrics() *metrics.Metrics {
	return i.metrics
}

// Telemetry returns the telemetry module.
func (i *Instance) Telemetry() *telemetry.Telemetry {
	return i.telemetry
}

// Locator returns the locator module.
func (i *Instance) Locator() *locator.Locator {
	return i.locator
}

// Publisher returns the publisher module, if enabled.
func (i *Instance) Publisher() *publish.Publisher {
	return i.publisher
}

// Dispatcher returns the dispatcher module.
func (i *Instance) Dispatcher() *dispatch.Dispatcher {
	return i.dispatcher
}

// Route submits a lookup of the destination to the dispatcher.
// The callback receives the targets, or the abort or lookup error.
func (i *Instance) Route(destination string, callback locator.ResultFunc) (*dispatch.Ticket, error) {
	return i.dispatcher.Submit(locator.NewLookupUnit(i.locator, destination, callback))
}

// serviceLabels describes the monitor setup on the info metric.
func serviceLabels(cfg *config.Config) map[string]string {
	period := cfg.Rotation.Period
	if period <= 0 {
		period = ratemon.DefaultPeriod
	}
	policy := cfg.Dispatch.DiscardPolicy
	if policy == "" {
		policy = config.DiscardNewest
	}
	return map[string]string{
		"dispatcher":      DispatcherName,
		"rotation_period": period.String(),
		"window_size":     strconv.Itoa(ratemon.WindowSize),
		"discard_policy":  policy,
	}
}
