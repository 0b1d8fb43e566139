package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/routemon/base/config"
	"github.com/safing/routemon/service/mgr"
)

const (
	successMsg = "endpoint api success"
	failedMsg  = "endpoint api failed"
)

type testInstance struct {
	ready bool
}

func (ti *testInstance) Ready() bool { return ti.ready }

func (ti *testInstance) GetStates() []mgr.StateUpdate {
	return []mgr.StateUpdate{{
		Module: "Test",
		States: []mgr.State{{ID: "test:state", Name: "Test State"}},
	}}
}

func (ti *testInstance) WorkerInfo() (*mgr.WorkerInfo, error) {
	return &mgr.WorkerInfo{}, nil
}

type actionTestRecord struct {
	Msg string
}

func newTestAPI(t *testing.T, ready bool) *API {
	t.Helper()

	a, err := New(&testInstance{ready: ready}, config.API{Disabled: true})
	require.NoError(t, err)
	return a
}

func TestEndpoints(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, true)
	h := a.Handler().ServeHTTP

	// ActionFunc

	assert.NoError(t, a.RegisterEndpoint(Endpoint{
		Path: "test/action",
		ActionFunc: func(_ *Request) (msg string, err error) {
			return successMsg, nil
		},
	}))
	assert.HTTPBodyContains(t, h, http.MethodGet, apiV1Path+"test/action", nil, successMsg)

	assert.NoError(t, a.RegisterEndpoint(Endpoint{
		Path: "test/action-err",
		ActionFunc: func(_ *Request) (msg string, err error) {
			return "", errors.New(failedMsg)
		},
	}))
	assert.HTTPBodyContains(t, h, http.MethodGet, apiV1Path+"test/action-err", nil, failedMsg)
	assert.HTTPError(t, h, http.MethodGet, apiV1Path+"test/action-err", nil)

	// DataFunc

	assert.NoError(t, a.RegisterEndpoint(Endpoint{
		Path: "test/data",
		DataFunc: func(_ *Request) (data []byte, err error) {
			return []byte(successMsg), nil
		},
	}))
	assert.HTTPBodyContains(t, h, http.MethodGet, apiV1Path+"test/data", nil, successMsg)

	// StructFunc

	assert.NoError(t, a.RegisterEndpoint(Endpoint{
		Path: "test/struct",
		StructFunc: func(_ *Request) (i any, err error) {
			return &actionTestRecord{Msg: successMsg}, nil
		},
	}))
	assert.HTTPBodyContains(t, h, http.MethodGet, apiV1Path+"test/struct", nil, successMsg)

	// HandlerFunc

	assert.NoError(t, a.RegisterEndpoint(Endpoint{
		Path: "test/handler",
		HandlerFunc: func(w http.ResponseWriter, _ *http.Request) {
			_ = TextResponse(w, successMsg)
		},
	}))
	assert.HTTPBodyContains(t, h, http.MethodGet, apiV1Path+"test/handler", nil, successMsg)

	// Status errors

	assert.NoError(t, a.RegisterEndpoint(Endpoint{
		Path: "test/status",
		DataFunc: func(_ *Request) (data []byte, err error) {
			return nil, ErrorWithStatus(errors.New(failedMsg), http.StatusConflict)
		},
	}))
	assert.HTTPStatusCode(t, h, http.MethodGet, apiV1Path+"test/status", nil, http.StatusConflict)

	// Method mismatch and unknown paths.
	assert.HTTPStatusCode(t, h, http.MethodPost, apiV1Path+"test/data", nil, http.StatusMethodNotAllowed)
	assert.HTTPStatusCode(t, h, http.MethodGet, apiV1Path+"test/missing", nil, http.StatusNotFound)
	assert.HTTPStatusCode(t, h, http.MethodGet, "/nothing-here", nil, http.StatusNotFound)
}

func TestEndpointRegistration(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, true)

	err := a.RegisterEndpoint(Endpoint{Path: "test/none"})
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	err = a.RegisterEndpoint(Endpoint{
		Path:       "test/two",
		ActionFunc: func(_ *Request) (string, error) { return "", nil },
		DataFunc:   func(_ *Request) ([]byte, error) { return nil, nil },
	})
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	err = a.RegisterEndpoint(Endpoint{
		Path:       "test/method",
		Method:     "BREW",
		ActionFunc: func(_ *Request) (string, error) { return "", nil },
	})
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	// Built-in endpoints are already taken.
	err = a.RegisterEndpoint(Endpoint{
		Path:       "ping",
		ActionFunc: func(_ *Request) (string, error) { return "", nil },
	})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	ep, err := a.GetEndpointByPath("ping")
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, ep.Method)
	assert.Equal(t, MimeTypeText, ep.MimeType)

	_, err = a.GetEndpointByPath("does/not/exist")
	assert.Error(t, err)

	// Export is sorted by path.
	eps := a.ExportEndpoints()
	require.NotEmpty(t, eps)
	for i := 1; i < len(eps); i++ {
		assert.Less(t, eps[i-1].Path, eps[i].Path)
	}
}

func TestBuiltinEndpoints(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, true)
	h := a.Handler().ServeHTTP

	assert.HTTPBodyContains(t, h, http.MethodGet, apiV1Path+"ping", nil, "Pong.")
	assert.HTTPBodyContains(t, h, http.MethodGet, apiV1Path+"ready", nil, "ready")
	assert.HTTPBodyContains(t, h, http.MethodGet, apiV1Path+"status", nil, "test:state")
	assert.HTTPBodyContains(t, h, http.MethodGet, apiV1Path+"endpoints", nil, `"Path":"debug/stack"`)
	assert.HTTPBodyContains(t, h, http.MethodGet, apiV1Path+"debug/stack", nil, "goroutine")

	notReady := newTestAPI(t, false)
	assert.HTTPStatusCode(t, notReady.Handler().ServeHTTP, http.MethodGet, apiV1Path+"ready", nil, http.StatusTooEarly)
}

func TestCleanPathRedirect(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, true)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/test/../ping", nil))
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/api/v1/ping", rec.Header().Get("Location"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestHandlerPanic(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, true)
	require.NoError(t, a.RegisterEndpoint(Endpoint{
		Path: "test/panic",
		ActionFunc: func(_ *Request) (string, error) {
			panic("boom")
		},
	}))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, apiV1Path+"test/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "Internal Server Error"))
}

func TestCleanRequestPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/", cleanRequestPath(""))
	assert.Equal(t, "/", cleanRequestPath("/"))
	assert.Equal(t, "/a/b", cleanRequestPath("a/b"))
	assert.Equal(t, "/a/", cleanRequestPath("/a/b/../"))
	assert.Equal(t, "/api/v1/ping", cleanRequestPath("/api/v1//ping"))
}
