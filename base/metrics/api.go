package metrics

import (
	"net/http"

	"github.com/safing/routemon/base/api"
)

func registerAPI(a *api.API, r *Registry) error {
	a.RegisterHandler("/metrics", &metricsAPI{registry: r})

	if err := a.RegisterEndpoint(api.Endpoint{
		Name:        "Export Registered Metrics",
		Description: "List all registered metrics with their metadata.",
		Path:        "metrics/list",
		StructFunc: func(_ *api.Request) (any, error) {
			return r.ExportMetrics(), nil
		},
	}); err != nil {
		return err
	}

	if err := a.RegisterEndpoint(api.Endpoint{
		Name:        "Export Metric Values",
		Description: "List all exportable metric values.",
		Path:        "metrics/values",
		Parameters: []api.Parameter{{
			Method:      http.MethodGet,
			Field:       "internal-only",
			Description: "Specify to only return metrics with an alternative internal ID.",
		}},
		StructFunc: func(ar *api.Request) (any, error) {
			return r.ExportValues(ar.URL.Query().Has("internal-only")), nil
		},
	}); err != nil {
		return err
	}

	return nil
}

type metricsAPI struct {
	registry *Registry
}

func (m *metricsAPI) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	m.registry.WriteMetrics(w)
}
