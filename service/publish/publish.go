// Package publish writes telemetry snapshots to Redis.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/safing/routemon/base/config"
	"github.com/safing/routemon/base/metrics"
	"github.com/safing/routemon/service/mgr"
	"github.com/safing/routemon/service/ratemon"
	"github.com/safing/routemon/service/telemetry"
)

const (
	// minuteBucketTTL is how long per minute totals are kept.
	minuteBucketTTL = 24 * time.Hour

	// errorLogInterval limits how often publish errors are logged.
	errorLogInterval = time.Minute
)

// Publisher pushes a telemetry snapshot to Redis after every rotation.
// Publish errors are logged and counted, but never stop routing.
type Publisher struct {
	mgr *mgr.Manager

	rdb     *redis.Client
	prefix  string
	timeout time.Duration

	snapshots *mgr.EventMgr[telemetry.Snapshot]
	sub       *mgr.EventSubscription[telemetry.Snapshot]

	published atomic.Uint64
	failed    atomic.Uint64

	errLogLock sync.Mutex
	lastErrLog time.Time
}

// New returns a new publisher for the snapshots of tel.
func New(cfg config.Redis, tel *telemetry.Telemetry, registry *metrics.Registry) (*Publisher, error) {
	if cfg.Addr == "" {
		return nil, errors.New("publish: missing redis address")
	}
	if tel == nil {
		return nil, errors.New("publish: missing telemetry")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = config.DefaultRedisPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultRedisTimeout
	}

	p := &Publisher{
		mgr: mgr.New("Publisher"),
		rdb: redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		}),
		prefix:    strings.Trim(cfg.Prefix, ":"),
		timeout:   cfg.Timeout,
		snapshots: tel.Snapshots,
	}

	if registry != nil {
		if err := p.registerMetrics(registry); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Manager returns the module manager.
func (p *Publisher) Manager() *mgr.Manager {
	return p.mgr
}

// Start starts the module.
// An unreachable Redis server is reported, but does not fail the start.
func (p *Publisher) Start() error {
	ctx, cancel := context.WithTimeout(p.mgr.Ctx(), p.timeout)
	defer cancel()
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		p.mgr.Warn("redis not reachable, will keep trying", "err", err)
	}

	// Buffer one window worth of snapshots.
	p.sub = p.snapshots.Subscribe("redis publisher", ratemon.WindowSize)
	p.mgr.Go("publish snapshots", p.publishWorker)
	return nil
}

// Stop stops the module.
func (p *Publisher) Stop() error {
	p.mgr.Cancel()
	if !p.mgr.WaitForWorkersFromStop(10 * time.Second) {
		p.mgr.Warn("publish worker did not finish in time")
	}
	if p.sub != nil {
		p.sub.Cancel()
	}
	return p.rdb.Close()
}

func (p *Publisher) publishWorker(w *mgr.WorkerCtx) error {
	for {
		select {
		case <-w.Done():
			return nil
		case snap, ok := <-p.sub.Events():
			if !ok {
				return nil
			}
			p.publish(w.Ctx(), snap)
		}
	}
}

// publish writes the snapshot and reports, but does not return, errors.
func (p *Publisher) publish(ctx context.Context, snap telemetry.Snapshot) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	pipe := p.rdb.Pipeline()
	p.queue(ctx, pipe, snap)
	if _, err := pipe.Exec(ctx); err != nil {
		p.failed.Add(1)
		if p.shouldLogError(time.Now()) {
			p.mgr.Warn("failed to publish telemetry", "err", err, "failed", p.failed.Load())
		}
		return
	}
	p.published.Add(1)
}

// queue adds the commands for one snapshot to the pipeline.
func (p *Publisher) queue(ctx context.Context, pipe redis.Pipeliner, snap telemetry.Snapshot) []redis.Cmder {
	minuteKey := p.minuteKey(snap.Time)
	windowKey := p.key("window")

	return []redis.Cmder{
		pipe.HSet(ctx, p.key("current"),
			"current", snap.Current,
			"average", snap.Average,
			"max", snap.Max,
			"total", snap.Total,
			"time", snap.Time.Unix(),
		),
		pipe.HIncrBy(ctx, minuteKey, "routed", snap.Current),
		pipe.Expire(ctx, minuteKey, minuteBucketTTL),
		pipe.LPush(ctx, windowKey, snap.Current),
		pipe.LTrim(ctx, windowKey, 0, ratemon.WindowSize-1),
	}
}

func (p *Publisher) key(name string) string {
	return p.prefix + ":" + name
}

func (p *Publisher) minuteKey(t time.Time) string {
	return fmt.Sprintf("%s:minute:%s", p.prefix, t.UTC().Format("200601021504"))
}

// shouldLogError reports whether an error occurring at now should be logged.
func (p *Publisher) shouldLogError(now time.Time) bool {
	p.errLogLock.Lock()
	defer p.errLogLock.Unlock()

	if !p.lastErrLog.IsZero() && now.Sub(p.lastErrLog) < errorLogInterval {
		return false
	}
	p.lastErrLog = now
	return true
}

func (p *Publisher) registerMetrics(registry *metrics.Registry) error {
	if _, err := registry.NewFetchingCounter("publish/snapshots/total", nil, p.published.Load, &metrics.Options{
		Name: "Published Snapshots",
	}); err != nil {
		return fmt.Errorf("register published metric: %w", err)
	}
	if _, err := registry.NewFetchingCounter("publish/snapshots/failed/total", nil, p.failed.Load, &metrics.Options{
		Name: "Failed Snapshot Publishes",
	}); err != nil {
		return fmt.Errorf("register failed metric: %w", err)
	}
	return nil
}
