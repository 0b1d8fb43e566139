package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/routemon/base/api"
	"github.com/safing/routemon/base/config"
	"github.com/safing/routemon/service/mgr"
)

type testInstance struct{}

func (testInstance) Ready() bool                          { return true }
func (testInstance) GetStates() []mgr.StateUpdate         { return nil }
func (testInstance) WorkerInfo() (*mgr.WorkerInfo, error) { return &mgr.WorkerInfo{}, nil }

func TestModuleExportsViaAPI(t *testing.T) {
	t.Parallel()

	a, err := api.New(testInstance{}, config.API{Disabled: true})
	require.NoError(t, err)

	met, err := New(NewRegistry(), config.Metrics{
		Namespace: "routemon",
		Instance:  "test",
	}, a, map[string]string{"rotation_period": "1s"})
	require.NoError(t, err)

	_, err = met.Registry().NewCounter("calls/routed/total", nil, &Options{InternalID: "calls_routed_total"})
	require.NoError(t, err)

	h := a.Handler().ServeHTTP
	assert.HTTPBodyContains(t, h, http.MethodGet, "/metrics", nil, `routemon_calls_routed_total{instance="test"} 0`)
	assert.HTTPBodyContains(t, h, http.MethodGet, "/metrics", nil, "routemon_logs_warning_total")
	assert.HTTPBodyContains(t, h, http.MethodGet, "/metrics", nil, `service_rotation_period="1s"`)
	assert.HTTPBodyContains(t, h, http.MethodGet, "/api/v1/metrics/list", nil, `"id":"calls/routed/total"`)
	assert.HTTPBodyContains(t, h, http.MethodGet, "/api/v1/metrics/values?internal-only", nil, `"calls_routed_total":0`)

	// Setting the namespace twice fails.
	_, err = New(met.Registry(), config.Metrics{Namespace: "again"}, nil, nil)
	assert.Error(t, err)
}

func TestModulePushAndPersist(t *testing.T) {
	t.Parallel()

	var pushes atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Method == http.MethodPost && len(body) > 0 {
			pushes.Add(1)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	met, err := New(NewRegistry(), config.Metrics{
		PushURL:      server.URL,
		PushInterval: 10 * time.Millisecond,
		PersistPath:  filepath.Join(t.TempDir(), "metrics.db"),
	}, nil, nil)
	require.NoError(t, err)
	c, err := met.Registry().NewCounter("persisted", nil, &Options{Persist: true})
	require.NoError(t, err)
	c.Add(9)

	require.NoError(t, met.Start())
	assert.Eventually(t, func() bool {
		return pushes.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
	met.SetSleep(true)
	require.NoError(t, met.Stop())

	// Stored values are loaded into a new registry.
	r := NewRegistry()
	restored, err := r.NewCounter("persisted", nil, &Options{Persist: true})
	require.NoError(t, err)
	require.NoError(t, r.EnablePersistence(met.cfg.PersistPath, persistenceKey))
	assert.Equal(t, uint64(9), restored.Get())
	require.NoError(t, r.ClosePersistence())
}

func TestPushError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	r := NewRegistry()
	_, err := r.NewCounter("c", nil, nil)
	require.NoError(t, err)

	err = r.PushTo(t.Context(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestInfoLabels(t *testing.T) {
	t.Parallel()

	labels, err := infoLabels("lab", map[string]string{"dispatcher": "Call Dispatcher"})
	require.NoError(t, err)
	assert.Equal(t, "lab", labels["comment"])
	assert.Equal(t, "Call Dispatcher", labels["service_dispatcher"])
	assert.NotEmpty(t, labels["version"])
	assert.Contains(t, labels["platform"], "/")

	labels, err = infoLabels("", nil)
	require.NoError(t, err)
	assert.NotContains(t, labels, "comment")

	// Invalid label names are rejected on registration.
	assert.Error(t, NewRegistry().registerInfoMetric("", map[string]string{"rotation-period": "1s"}))
}
