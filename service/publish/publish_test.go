package publish

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/routemon/base/config"
	"github.com/safing/routemon/base/metrics"
	"github.com/safing/routemon/service/telemetry"
)

func newTestPublisher(t *testing.T) (*Publisher, *metrics.Registry) {
	t.Helper()

	registry := metrics.NewRegistry()
	tel, err := telemetry.New(registry, nil)
	require.NoError(t, err)

	// Nothing listens on port 1.
	p, err := New(config.Redis{
		Addr:    "127.0.0.1:1",
		Prefix:  "routemon:test:",
		Timeout: 500 * time.Millisecond,
	}, tel, registry)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.rdb.Close()
	})
	return p, registry
}

func TestNew(t *testing.T) {
	t.Parallel()

	registry := metrics.NewRegistry()
	tel, err := telemetry.New(registry, nil)
	require.NoError(t, err)

	_, err = New(config.Redis{}, tel, nil)
	assert.Error(t, err)
	_, err = New(config.Redis{Addr: "127.0.0.1:6379"}, nil, nil)
	assert.Error(t, err)

	p, err := New(config.Redis{Addr: "127.0.0.1:6379"}, tel, nil)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultRedisPrefix, p.prefix)
	assert.Equal(t, config.DefaultRedisTimeout, p.timeout)
	require.NoError(t, p.rdb.Close())
}

func TestKeys(t *testing.T) {
	t.Parallel()

	p, _ := newTestPublisher(t)
	assert.Equal(t, "routemon:test:current", p.key("current"))

	at := time.Date(2026, 10, 19, 15, 4, 59, 0, time.FixedZone("CEST", 2*60*60))
	assert.Equal(t, "routemon:test:minute:202610191304", p.minuteKey(at))
}

func TestQueue(t *testing.T) {
	t.Parallel()

	p, _ := newTestPublisher(t)
	snap := telemetry.Snapshot{
		Time:    time.Date(2026, 10, 19, 13, 4, 0, 0, time.UTC),
		Current: 42,
		Average: 12.5,
		Max:     50,
		Total:   1000,
	}

	pipe := p.rdb.Pipeline()
	cmds := p.queue(t.Context(), pipe, snap)
	require.Len(t, cmds, 5)
	assert.Equal(t, 5, pipe.Len())

	names := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		names = append(names, cmd.Name())
	}
	assert.Equal(t, []string{"hset", "hincrby", "expire", "lpush", "ltrim"}, names)

	assert.Equal(t, []any{
		"hset", "routemon:test:current",
		"current", int64(42),
		"average", 12.5,
		"max", int64(50),
		"total", uint64(1000),
		"time", snap.Time.Unix(),
	}, cmds[0].Args())
	assert.Equal(t, []any{"hincrby", "routemon:test:minute:202610191304", "routed", int64(42)}, cmds[1].Args())
	assert.Equal(t, "routemon:test:minute:202610191304", cmds[2].Args()[1])
	assert.Equal(t, []any{"lpush", "routemon:test:window", int64(42)}, cmds[3].Args())
	assert.Equal(t, []any{"ltrim", "routemon:test:window", int64(0), int64(59)}, cmds[4].Args())
}

func TestPublishFailure(t *testing.T) {
	t.Parallel()

	p, registry := newTestPublisher(t)

	p.publish(t.Context(), telemetry.Snapshot{Time: time.Now(), Current: 1})
	p.publish(t.Context(), telemetry.Snapshot{Time: time.Now(), Current: 2})
	assert.Equal(t, uint64(2), p.failed.Load())
	assert.Equal(t, uint64(0), p.published.Load())

	values := registry.ExportValues(false)
	assert.Equal(t, uint64(2), values["publish_snapshots_failed_total"])
}

func TestShouldLogError(t *testing.T) {
	t.Parallel()

	p, _ := newTestPublisher(t)
	now := time.Now()

	assert.True(t, p.shouldLogError(now))
	assert.False(t, p.shouldLogError(now.Add(time.Second)))
	assert.False(t, p.shouldLogError(now.Add(59*time.Second)))
	assert.True(t, p.shouldLogError(now.Add(61*time.Second)))
	assert.False(t, p.shouldLogError(now.Add(90*time.Second)))
}
