package metrics

import (
	"bufio"
	"bytes"
	"io"
	"sort"
	"strconv"
	"strings"

	vm "github.com/VictoriaMetrics/metrics"

	"github.com/safing/routemon/base/log"
)

func (r *Registry) registerRuntimeMetric() error {
	runtimeBase, err := r.newMetricBase("_runtime", nil, Options{
		Name: "Golang Runtime",
	})
	if err != nil {
		return err
	}

	return r.register(&runtimeMetrics{
		metricBase: runtimeBase,
		registry:   r,
	})
}

type runtimeMetrics struct {
	*metricBase
	registry *Registry
}

func (rm *runtimeMetrics) WritePrometheus(w io.Writer) {
	// Namespace and global labels are immutable after the first registration.
	namespace := rm.registry.namespace
	labels := rm.registry.globalLabels

	// If there nothing to change, just write directly to w.
	if namespace == "" && len(labels) == 0 {
		vm.WriteProcessMetrics(w)
		return
	}

	// Render global labels once, in a stable order.
	rendered := make([]string, 0, len(labels))
	for labelKey, labelValue := range labels {
		rendered = append(rendered, labelKey+"="+strconv.Quote(labelValue))
	}
	sort.Strings(rendered)
	labelString := strings.Join(rendered, ",")

	// Write metrics to buffer.
	buf := new(bytes.Buffer)
	vm.WriteProcessMetrics(buf)

	// Add namespace and labels per line.
	scanner := bufio.NewScanner(buf)
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		if namespace != "" {
			line = namespace + "_" + line
		}
		if labelString != "" {
			line = insertLabels(line, labelString)
		}
		_, _ = io.WriteString(w, line+"\n")
	}

	// Check if there was an error in the scanner.
	if scanner.Err() != nil {
		log.Warningf("metrics: failed to scan go process metrics: %s", scanner.Err())
	}
}

// insertLabels adds the rendered labels to a single prometheus line.
func insertLabels(line, labels string) string {
	if i := strings.Index(line, "{"); i >= 0 {
		return line[:i+1] + labels + "," + line[i+1:]
	}
	if i := strings.Index(line, " "); i >= 0 {
		return line[:i] + "{" + labels + "}" + line[i:]
	}
	return line
}
