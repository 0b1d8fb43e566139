package metrics

import (
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/safing/routemon/base/info"
)

// infoLabels returns the labels of the info metric.
// Service labels describe the monitor setup, eg. the rotation period, so that
// dashboards can tell rates of differently configured instances apart. They
// are prefixed with "service_" and must not collide with the build labels.
func infoLabels(comment string, service map[string]string) (map[string]string, error) {
	meta := info.GetInfo()
	labels := map[string]string{
		"name":       meta.Name,
		"version":    meta.Version,
		"commit":     meta.Commit,
		"dirty":      strconv.FormatBool(meta.Dirty),
		"build_time": meta.BuildTime,
		"go_version": meta.GoVersion,
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"cgo":        strconv.FormatBool(meta.CGO),
	}
	if comment != "" {
		labels["comment"] = comment
	}

	for k, v := range service {
		key := "service_" + k
		if _, ok := labels[key]; ok {
			return nil, fmt.Errorf("duplicate info label %q", key)
		}
		labels[key] = v
	}
	return labels, nil
}

// registerInfoMetric registers a gauge that reports 0 on its first scrape and
// 1 afterwards, so that restarts show up as a dip.
func (r *Registry) registerInfoMetric(comment string, service map[string]string) error {
	labels, err := infoLabels(comment, service)
	if err != nil {
		return err
	}

	var scraped atomic.Bool
	_, err = r.NewGauge("info", labels, func() float64 {
		if scraped.Swap(true) {
			return 1
		}
		return 0
	}, nil)
	return err
}
