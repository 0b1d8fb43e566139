package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
)

// EnvPrefix is the prefix of all environment variables read by Load.
const EnvPrefix = "ROUTEMON_"

type lookupEnvFunc func(key string) (string, bool)

// envLoader applies environment variables to config fields and collects all
// parsing errors.
type envLoader struct {
	lookup lookupEnvFunc
	errs   *multierror.Error
}

func loadFromEnv(cfg *Config, lookup lookupEnvFunc) error {
	l := &envLoader{lookup: lookup}

	l.str("LOG_LEVEL", &cfg.Log.Level)
	l.str("LOG_DIR", &cfg.Log.Dir)
	l.boolean("LOG_STDOUT", &cfg.Log.Stdout)

	l.str("API_LISTEN", &cfg.API.Listen)
	l.boolean("API_DISABLED", &cfg.API.Disabled)

	l.integer("DISPATCH_WORKERS", &cfg.Dispatch.Workers)
	l.integer("DISPATCH_MAX_QUEUE_SIZE", &cfg.Dispatch.MaxQueueSize)
	l.str("DISPATCH_DISCARD_POLICY", &cfg.Dispatch.DiscardPolicy)
	l.integer("DISPATCH_ALARM_THRESHOLD", &cfg.Dispatch.AlarmThreshold)
	l.float("DISPATCH_RATE_LIMIT", &cfg.Dispatch.RateLimit)
	l.integer("DISPATCH_RATE_BURST", &cfg.Dispatch.RateBurst)
	l.duration("DISPATCH_MONITOR_INTERVAL", &cfg.Dispatch.MonitorInterval)

	l.duration("ROTATION_PERIOD", &cfg.Rotation.Period)

	l.str("METRICS_NAMESPACE", &cfg.Metrics.Namespace)
	l.str("METRICS_INSTANCE", &cfg.Metrics.Instance)
	l.str("METRICS_COMMENT", &cfg.Metrics.Comment)
	l.str("METRICS_PUSH_URL", &cfg.Metrics.PushURL)
	l.duration("METRICS_PUSH_INTERVAL", &cfg.Metrics.PushInterval)
	l.str("METRICS_PERSIST_PATH", &cfg.Metrics.PersistPath)
	l.str("METRICS_DISK_PATH", &cfg.Metrics.DiskPath)

	l.str("REDIS_ADDR", &cfg.Redis.Addr)
	l.str("REDIS_PASSWORD", &cfg.Redis.Password)
	l.integer("REDIS_DB", &cfg.Redis.DB)
	l.str("REDIS_PREFIX", &cfg.Redis.Prefix)
	l.duration("REDIS_TIMEOUT", &cfg.Redis.Timeout)

	l.str("LOCATOR_NAMESERVER", &cfg.Locator.Nameserver)
	l.duration("LOCATOR_TIMEOUT", &cfg.Locator.Timeout)
	l.integer("LOCATOR_CACHE_SIZE", &cfg.Locator.CacheSize)

	return l.errs.ErrorOrNil()
}

func (l *envLoader) get(key string) (string, bool) {
	v, ok := l.lookup(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (l *envLoader) fail(key string, err error) {
	l.errs = multierror.Append(l.errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err))
}

func (l *envLoader) str(key string, field *string) {
	if v, ok := l.get(key); ok {
		*field = v
	}
}

func (l *envLoader) boolean(key string, field *bool) {
	if v, ok := l.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			l.fail(key, err)
			return
		}
		*field = b
	}
}

func (l *envLoader) integer(key string, field *int) {
	if v, ok := l.get(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			l.fail(key, err)
			return
		}
		*field = i
	}
}

func (l *envLoader) float(key string, field *float64) {
	if v, ok := l.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			l.fail(key, err)
			return
		}
		*field = f
	}
}

func (l *envLoader) duration(key string, field *time.Duration) {
	if v, ok := l.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			l.fail(key, err)
			return
		}
		*field = d
	}
}
