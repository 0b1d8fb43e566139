package metrics

import (
	"fmt"
	"io"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	vm "github.com/VictoriaMetrics/metrics"
)

// PrometheusFormatRequirement is the format prometheus requires for metric
// and label names.
const PrometheusFormatRequirement = "^[a-zA-Z_][a-zA-Z0-9_]*$"

var prometheusFormat = regexp.MustCompile(PrometheusFormatRequirement)

// Metric is a registered metric.
type Metric interface {
	ID() string
	LabeledID() string
	Opts() *Options
	WritePrometheus(w io.Writer)
}

// Options holds optional metric settings.
type Options struct {
	// Name is a human readable name.
	Name string

	// InternalID is used as the key when exporting values via the API.
	InternalID string

	// AlertLimit is an upper limit that should raise an alert, optionally
	// within AlertTimeframe seconds.
	AlertLimit     float64
	AlertTimeframe float64

	// Persist stores the value on shutdown and restores it at start.
	// Only counters support this.
	Persist bool
}

// metricBase holds what all metric types share. Each metric has its own
// vm.Set, so that it can be written on its own.
type metricBase struct {
	id        string
	labelSet  map[string]string
	labeledID string
	opts      *Options
	set       *vm.Set
}

func (r *Registry) newMetricBase(id string, labels map[string]string, opts Options) (*metricBase, error) {
	name := strings.TrimSpace(strings.ReplaceAll(id, "/", "_"))
	if !prometheusFormat.MatchString(name) {
		return nil, fmt.Errorf("metric name %q must match %s", id, PrometheusFormatRequirement)
	}
	for label := range labels {
		if !prometheusFormat.MatchString(label) {
			return nil, fmt.Errorf("metric label name %q must match %s", label, PrometheusFormatRequirement)
		}
	}

	m := &metricBase{
		id:       id,
		labelSet: maps.Clone(labels),
		opts:     &opts,
		set:      vm.NewSet(),
	}
	if m.labelSet == nil {
		m.labelSet = make(map[string]string)
	}
	m.labeledID = r.labeledID(name, m.labelSet)
	return m, nil
}

// labeledID renders the prometheus ID of a metric. Global labels are added to
// labels. After the first call, the namespace and global labels are fixed.
func (r *Registry) labeledID(name string, labels map[string]string) string {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.firstMetricRegistered = true

	if r.namespace != "" {
		name = r.namespace + "_" + name
	}
	for k, v := range r.globalLabels {
		if _, ok := labels[k]; !ok {
			labels[k] = v
		}
	}
	if len(labels) == 0 {
		return name
	}

	rendered := make([]string, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		rendered = append(rendered, k+"="+strconv.Quote(labels[k]))
	}
	return name + "{" + strings.Join(rendered, ",") + "}"
}

// ID returns the ID the metric was registered with.
func (m *metricBase) ID() string { return m.id }

// LabeledID returns the prometheus ID including namespace and labels.
func (m *metricBase) LabeledID() string { return m.labeledID }

// Opts returns the metric options. They must not be modified.
func (m *metricBase) Opts() *Options { return m.opts }

// WritePrometheus writes the metric in the prometheus text format.
func (m *metricBase) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
