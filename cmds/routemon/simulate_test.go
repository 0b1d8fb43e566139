package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/routemon/base/config"
	"github.com/safing/routemon/service"
)

func TestSimulation(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.API.Disabled = true
	cfg.Locator.Nameserver = "127.0.0.1:53"
	cfg.Rotation.Period = 20 * time.Millisecond
	cfg.Dispatch.MaxQueueSize = 100000

	instance, err := service.New(cfg)
	require.NoError(t, err)
	require.NoError(t, instance.Start())
	defer func() { _ = instance.Stop() }()

	result, err := runSimulation(t.Context(), instance, simulateOptions{
		Units:       1001,
		Producers:   4,
		FailRatio:   0.1,
		CancelRatio: 0.1,
	})
	require.NoError(t, err)

	assert.Equal(t, 1001, result.Submitted)
	assert.Equal(t, 0, result.Rejected)
	stats := result.Dispatch
	assert.Equal(t, uint64(1001), stats.Submitted)
	assert.Equal(t, stats.Submitted, stats.Processed+stats.Failed+stats.Aborted)
	assert.Equal(t, uint64(result.Canceled), stats.Aborted)
	assert.Equal(t, stats.Processed, result.Telemetry.Total)

	_, err = runSimulation(t.Context(), instance, simulateOptions{})
	assert.Error(t, err)
}
