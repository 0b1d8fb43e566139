package metrics

import "maps"

// MetricExport is used to export a metric and its current value.
type MetricExport struct {
	ID           string            `json:"id"`
	LabeledID    string            `json:"labeledId"`
	Name         string            `json:"name,omitempty"`
	InternalID   string            `json:"internalId,omitempty"`
	Persist      bool              `json:"persist,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	CurrentValue any               `json:"currentValue"`
}

// ExportMetrics exports all registered metrics.
func (r *Registry) ExportMetrics() []*MetricExport {
	r.lock.RLock()
	defer r.lock.RUnlock()

	export := make([]*MetricExport, 0, len(r.metrics))
	for _, metric := range r.metrics {
		me := &MetricExport{
			ID:           metric.ID(),
			LabeledID:    metric.LabeledID(),
			Name:         metric.Opts().Name,
			InternalID:   metric.Opts().InternalID,
			Persist:      metric.Opts().Persist,
			CurrentValue: getCurrentValue(metric),
		}
		if base, ok := metric.(interface{ labels() map[string]string }); ok && len(base.labels()) > 0 {
			me.Labels = maps.Clone(base.labels())
		}
		export = append(export, me)
	}

	return export
}

// ExportValues exports the values of all supported metrics.
// If internalOnly is set, only metrics with an internal ID are exported and
// keyed by it.
func (r *Registry) ExportValues(internalOnly bool) map[string]any {
	r.lock.RLock()
	defer r.lock.RUnlock()

	export := make(map[string]any, len(r.metrics))
	for _, metric := range r.metrics {
		// Get Value.
		v := getCurrentValue(metric)
		if v == nil {
			continue
		}

		// Get ID.
		var id string
		switch {
		case metric.Opts().InternalID != "":
			id = metric.Opts().InternalID
		case internalOnly:
			continue
		default:
			id = metric.LabeledID()
		}

		export[id] = v
	}

	return export
}

func (m *metricBase) labels() map[string]string {
	return m.labelSet
}

func getCurrentValue(metric Metric) any {
	if m, ok := metric.(UIntMetric); ok {
		return m.CurrentValue()
	}
	if m, ok := metric.(FloatMetric); ok {
		return m.CurrentValue()
	}
	return nil
}
