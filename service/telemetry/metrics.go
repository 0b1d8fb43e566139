package telemetry

import (
	"fmt"

	"github.com/safing/routemon/base/metrics"
)

func (t *Telemetry) registerMetrics(registry *metrics.Registry) error {
	var err error
	t.total, err = registry.NewCounter(
		"calls/routed/total",
		nil,
		&metrics.Options{
			Name:       "Calls Routed Total",
			InternalID: "calls_routed_total",
			Persist:    true,
		},
	)
	if err != nil {
		return fmt.Errorf("register calls routed counter: %w", err)
	}

	for _, g := range []struct {
		id         string
		internalID string
		name       string
		fn         func() float64
	}{
		{"calls/routed/current", "calls_routed", "Calls Routed Last Second", func() float64 { return float64(t.CallsRouted()) }},
		{"calls/routed/avg", "calls_routed_avg", "Calls Routed Average", t.CallsRoutedAvg},
		{"calls/routed/max", "calls_routed_max", "Calls Routed Peak", func() float64 { return float64(t.CallsRoutedMax()) }},
	} {
		_, err := registry.NewGauge(g.id, nil, g.fn, &metrics.Options{
			Name:       g.name,
			InternalID: g.internalID,
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", g.id, err)
		}
	}

	_, err = registry.NewFetchingCounter(
		"calls/routed/rotation/late/total",
		nil,
		t.rotator.LateTicks,
		&metrics.Options{Name: "Late Rate Window Rotations"},
	)
	return err
}
