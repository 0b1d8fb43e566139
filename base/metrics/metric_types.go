package metrics

import (
	"fmt"
	"io"

	vm "github.com/VictoriaMetrics/metrics"
)

// UIntMetric is an interface for special functions of uint metrics.
type UIntMetric interface {
	CurrentValue() uint64
}

// FloatMetric is an interface for special functions of float metrics.
type FloatMetric interface {
	CurrentValue() float64
}

// newMetric creates the metric base, builds the metric on it and registers it.
func newMetric[M Metric](r *Registry, id string, labels map[string]string, opts *Options, build func(*metricBase) M) (M, error) {
	if opts == nil {
		opts = &Options{}
	}

	base, err := r.newMetricBase(id, labels, *opts)
	if err != nil {
		var zero M
		return zero, err
	}

	m := build(base)
	if err := r.register(m); err != nil {
		var zero M
		return zero, err
	}
	return m, nil
}

// Counter is a counter metric.
type Counter struct {
	*metricBase
	*vm.Counter
}

// NewCounter registers a new counter metric.
// If persistence is enabled and the counter opts in, the last stored value is
// loaded.
func (r *Registry) NewCounter(id string, labels map[string]string, opts *Options) (*Counter, error) {
	c, err := newMetric(r, id, labels, opts, func(base *metricBase) *Counter {
		return &Counter{
			metricBase: base,
			Counter:    base.set.NewCounter(base.LabeledID()),
		}
	})
	if err != nil {
		return nil, err
	}

	r.loadCounterState(c)
	return c, nil
}

// CurrentValue returns the current counter value.
func (c *Counter) CurrentValue() uint64 {
	return c.Get()
}

// FetchingCounter is a counter metric that fetches the values via a function call.
type FetchingCounter struct {
	*metricBase
	counter  *vm.Counter
	fetchCnt func() uint64
}

// NewFetchingCounter registers a new fetching counter metric.
func (r *Registry) NewFetchingCounter(id string, labels map[string]string, fn func() uint64, opts *Options) (*FetchingCounter, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: no fetch function provided", ErrInvalidOptions)
	}

	return newMetric(r, id, labels, opts, func(base *metricBase) *FetchingCounter {
		return &FetchingCounter{
			metricBase: base,
			counter:    base.set.NewCounter(base.LabeledID()),
			fetchCnt:   fn,
		}
	})
}

// CurrentValue returns the current counter value.
func (fc *FetchingCounter) CurrentValue() uint64 {
	return fc.fetchCnt()
}

// WritePrometheus writes the metric in the prometheus format to the given writer.
func (fc *FetchingCounter) WritePrometheus(w io.Writer) {
	fc.counter.Set(fc.fetchCnt())
	fc.metricBase.set.WritePrometheus(w)
}

// Gauge is a gauge metric that reads its value from a function.
type Gauge struct {
	*metricBase
	*vm.Gauge
}

// NewGauge registers a new gauge metric.
func (r *Registry) NewGauge(id string, labels map[string]string, fn func() float64, opts *Options) (*Gauge, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: no value function provided", ErrInvalidOptions)
	}

	return newMetric(r, id, labels, opts, func(base *metricBase) *Gauge {
		return &Gauge{
			metricBase: base,
			Gauge:      base.set.NewGauge(base.LabeledID(), fn),
		}
	})
}

// CurrentValue returns the current gauge value.
func (g *Gauge) CurrentValue() float64 {
	return g.Get()
}

// Histogram is a histogram metric.
type Histogram struct {
	*metricBase
	*vm.Histogram
}

// NewHistogram registers a new histogram metric.
func (r *Registry) NewHistogram(id string, labels map[string]string, opts *Options) (*Histogram, error) {
	return newMetric(r, id, labels, opts, func(base *metricBase) *Histogram {
		return &Histogram{
			metricBase: base,
			Histogram:  base.set.NewHistogram(base.LabeledID()),
		}
	})
}
