package metrics

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

var (
	// ErrAlreadyStarted is returned when an operation is only valid before the
	// first metric is registered, and is called after.
	ErrAlreadyStarted = errors.New("can only be changed before first metric is registered")

	// ErrAlreadyRegistered is returned when a metric with the same ID is
	// registered again.
	ErrAlreadyRegistered = errors.New("metric already registered")

	// ErrAlreadySet is returned when a value is already set and cannot be changed.
	ErrAlreadySet = errors.New("already set")

	// ErrInvalidOptions is returned when invalid options where provided.
	ErrInvalidOptions = errors.New("invalid options")
)

// Registry holds a set of metrics that are exported together.
type Registry struct {
	lock    sync.RWMutex
	metrics []Metric

	firstMetricRegistered bool
	namespace             string
	globalLabels          map[string]string

	storage *storage
}

// NewRegistry returns a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{
		globalLabels: make(map[string]string),
	}
}

func (r *Registry) register(m Metric) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	// Check if metric ID is already registered.
	for _, registeredMetric := range r.metrics {
		if m.LabeledID() == registeredMetric.LabeledID() {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, m.LabeledID())
		}
		if m.Opts().InternalID != "" &&
			m.Opts().InternalID == registeredMetric.Opts().InternalID {
			return fmt.Errorf("%w with this internal ID", ErrAlreadyRegistered)
		}
	}

	// Add new metric to registry and sort it.
	r.metrics = append(r.metrics, m)
	sort.Sort(byLabeledID(r.metrics))

	r.firstMetricRegistered = true
	return nil
}

// SetNamespace sets the namespace for all metrics. It is prefixed to all
// metric IDs.
// It must be set before any metric is registered.
// Does not affect golang runtime metrics.
func (r *Registry) SetNamespace(namespace string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.firstMetricRegistered {
		return ErrAlreadyStarted
	}
	if r.namespace != "" {
		return ErrAlreadySet
	}
	if !prometheusFormat.MatchString(namespace) {
		return fmt.Errorf("metric namespace %q must match %s", namespace, PrometheusFormatRequirement)
	}

	r.namespace = namespace
	return nil
}

// AddGlobalLabel adds a global label to all metrics.
// Global labels must be added before any metric is registered.
func (r *Registry) AddGlobalLabel(name, value string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.firstMetricRegistered {
		return ErrAlreadyStarted
	}
	if !prometheusFormat.MatchString(name) {
		return fmt.Errorf("metric label name %q must match %s", name, PrometheusFormatRequirement)
	}

	r.globalLabels[name] = value
	return nil
}

// Metrics returns a copy of all registered metrics, sorted by labeled ID.
func (r *Registry) Metrics() []Metric {
	r.lock.RLock()
	defer r.lock.RUnlock()

	copied := make([]Metric, len(r.metrics))
	copy(copied, r.metrics)
	return copied
}

// WriteMetrics writes all metrics in the prometheus format to the given writer.
func (r *Registry) WriteMetrics(w io.Writer) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	for _, metric := range r.metrics {
		metric.WritePrometheus(w)
	}
}

type byLabeledID []Metric

func (r byLabeledID) Len() int           { return len(r) }
func (r byLabeledID) Less(i, j int) bool { return r[i].LabeledID() < r[j].LabeledID() }
func (r byLabeledID) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }
