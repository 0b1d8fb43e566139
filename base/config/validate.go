package config

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/safing/routemon/base/log"
)

// Validate checks the configuration and reports all problems at once.
// Zero values are valid and are replaced by defaults.
func (c *Config) Validate() error {
	errs := new(multierror.Error)
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	// Logging.
	if c.Log.Level != "" && log.ParseLevel(c.Log.Level) == 0 {
		add("log: invalid level %q", c.Log.Level)
	}

	// API.
	if c.API.Listen != "" && !c.API.Disabled {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			add("api: invalid listen address %q: %w", c.API.Listen, err)
		}
	}

	// Dispatch.
	if c.Dispatch.Workers < 0 {
		add("dispatch: workers must not be negative, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.MaxQueueSize < 0 {
		add("dispatch: max queue size must not be negative, got %d", c.Dispatch.MaxQueueSize)
	}
	switch c.Dispatch.DiscardPolicy {
	case "", DiscardNewest, DiscardOldest, GrowWithoutBound:
	default:
		add("dispatch: discard policy must be one of %s, %s or %s, got %q",
			DiscardNewest, DiscardOldest, GrowWithoutBound, c.Dispatch.DiscardPolicy)
	}
	if c.Dispatch.AlarmThreshold > 100 {
		add("dispatch: alarm threshold is a percentage, got %d", c.Dispatch.AlarmThreshold)
	}
	if c.Dispatch.RateLimit < 0 {
		add("dispatch: rate limit must not be negative, got %f", c.Dispatch.RateLimit)
	}
	if c.Dispatch.RateBurst < 0 {
		add("dispatch: rate burst must not be negative, got %d", c.Dispatch.RateBurst)
	}
	if c.Dispatch.MonitorInterval < 0 {
		add("dispatch: monitor interval must not be negative, got %s", c.Dispatch.MonitorInterval)
	}

	// Rotation.
	switch {
	case c.Rotation.Period < 0:
		add("rotation: period must not be negative, got %s", c.Rotation.Period)
	case c.Rotation.Period > 0 && c.Rotation.Period < time.Millisecond:
		add("rotation: period must be at least 1ms, got %s", c.Rotation.Period)
	}

	// Metrics.
	if c.Metrics.PushURL != "" {
		if u, err := url.Parse(c.Metrics.PushURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("metrics: invalid push url %q", c.Metrics.PushURL)
		}
	}
	if c.Metrics.PushInterval < 0 {
		add("metrics: push interval must not be negative, got %s", c.Metrics.PushInterval)
	}

	// Redis.
	if c.Redis.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Redis.Addr); err != nil {
			add("redis: invalid address %q: %w", c.Redis.Addr, err)
		}
	}
	if c.Redis.DB < 0 {
		add("redis: db must not be negative, got %d", c.Redis.DB)
	}
	if c.Redis.Timeout < 0 {
		add("redis: timeout must not be negative, got %s", c.Redis.Timeout)
	}

	// Locator.
	if c.Locator.Nameserver != "" {
		if _, _, err := net.SplitHostPort(c.Locator.Nameserver); err != nil {
			add("locator: invalid nameserver %q: %w", c.Locator.Nameserver, err)
		}
	}
	if c.Locator.Timeout < 0 {
		add("locator: timeout must not be negative, got %s", c.Locator.Timeout)
	}
	if c.Locator.CacheSize < 0 {
		add("locator: cache size must not be negative, got %d", c.Locator.CacheSize)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
