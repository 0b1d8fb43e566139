package metrics

import (
	"github.com/safing/routemon/base/log"
)

func (r *Registry) registerLogMetrics() error {
	for _, c := range []struct {
		level string
		name  string
		fetch func() uint64
	}{
		{"warning", "Total Warning Log Lines", log.TotalWarningLogLines},
		{"error", "Total Error Log Lines", log.TotalErrorLogLines},
		{"critical", "Total Critical Log Lines", log.TotalCriticalLogLines},
	} {
		if _, err := r.NewFetchingCounter("logs/"+c.level+"/total", nil, c.fetch, &Options{Name: c.name}); err != nil {
			return err
		}
	}
	return nil
}
