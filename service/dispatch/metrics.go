package dispatch

import (
	"fmt"

	"github.com/safing/routemon/base/metrics"
)

func (d *Dispatcher) registerMetrics(registry *metrics.Registry) error {
	labels := map[string]string{"dispatcher": d.name}

	if _, err := registry.NewGauge("dispatch/queue/length", labels, func() float64 {
		return float64(d.QueueLength())
	}, &metrics.Options{Name: "Dispatch Queue Length"}); err != nil {
		return fmt.Errorf("register queue length metric: %w", err)
	}

	for _, c := range []struct {
		id   string
		name string
		fn   func() uint64
	}{
		{"dispatch/units/processed/total", "Processed Units", d.stats.processed.Load},
		{"dispatch/units/failed/total", "Failed Units", d.stats.failed.Load},
		{"dispatch/units/aborted/total", "Aborted Units", d.stats.aborted.Load},
		{"dispatch/units/dropped/total", "Dropped Units", d.stats.dropped.Load},
	} {
		if _, err := registry.NewFetchingCounter(c.id, labels, c.fn, &metrics.Options{Name: c.name}); err != nil {
			return fmt.Errorf("register %s: %w", c.id, err)
		}
	}

	var err error
	d.duration, err = registry.NewHistogram("dispatch/unit/duration/seconds", labels, &metrics.Options{
		Name: "Unit Processing Duration",
	})
	if err != nil {
		return fmt.Errorf("register unit duration metric: %w", err)
	}

	return nil
}
