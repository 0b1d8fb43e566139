package api

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Endpoint is a structured API endpoint served below /api/v1/.
// Path and exactly one of the functions are required.
type Endpoint struct {
	Name        string
	Description string
	Parameters  []Parameter `json:",omitempty"`

	// Path is relative to /api/v1/ and may contain gorilla/mux variables.
	Path string
	// MimeType of the response. Defaults to JSON for StructFunc and to plain
	// text otherwise.
	MimeType string
	// Method defaults to GET.
	Method string `json:",omitempty"`

	ActionFunc  ActionFunc       `json:"-"`
	DataFunc    DataFunc         `json:"-"`
	StructFunc  StructFunc       `json:"-"`
	HandlerFunc http.HandlerFunc `json:"-"`
}

// Parameter documents a query or body parameter of an endpoint.
type Parameter struct {
	Method      string
	Field       string
	Value       string
	Description string
}

type (
	// ActionFunc returns a message for the user.
	ActionFunc func(ar *Request) (msg string, err error)

	// DataFunc returns raw response data.
	DataFunc func(ar *Request) (data []byte, err error)

	// StructFunc returns a value that is encoded as requested by the client.
	StructFunc func(ar *Request) (i any, err error)
)

// MIME types.
const (
	MimeTypeJSON = "application/json"
	MimeTypeText = "text/plain"
)

const apiV1Path = "/api/v1/"

var (
	// ErrInvalidEndpoint is returned when registering an invalid endpoint.
	ErrInvalidEndpoint = errors.New("endpoint is invalid")

	// ErrAlreadyRegistered is returned when registering an endpoint on a path
	// that is already taken.
	ErrAlreadyRegistered = errors.New("an endpoint for this path is already registered")
)

// HTTPStatusProvider is implemented by errors that carry an HTTP status code.
type HTTPStatusProvider interface {
	HTTPStatus() int
}

// HTTPStatusError is an error with an HTTP status code.
type HTTPStatusError struct {
	err  error
	code int
}

// ErrorWithStatus attaches an HTTP status code to err.
func ErrorWithStatus(err error, code int) error {
	return &HTTPStatusError{err: err, code: code}
}

func (e *HTTPStatusError) Error() string   { return e.err.Error() }
func (e *HTTPStatusError) Unwrap() error   { return e.err }
func (e *HTTPStatusError) HTTPStatus() int { return e.code }

// statusOf returns the status code carried by err, or 500.
func statusOf(err error) int {
	var sp HTTPStatusProvider
	if errors.As(err, &sp) {
		return sp.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// RegisterEndpoint validates and registers an endpoint.
func (api *API) RegisterEndpoint(e Endpoint) error {
	if err := e.normalize(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidEndpoint, e.Path, err)
	}

	api.endpointsLock.Lock()
	defer api.endpointsLock.Unlock()

	if _, taken := api.endpoints[e.Path]; taken {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, e.Path)
	}
	api.endpoints[e.Path] = &e
	api.endpointsMux.Handle(apiV1Path+e.Path, &e)
	return nil
}

// GetEndpointByPath returns the endpoint registered on path.
func (api *API) GetEndpointByPath(path string) (*Endpoint, error) {
	api.endpointsLock.RLock()
	defer api.endpointsLock.RUnlock()

	if e, ok := api.endpoints[path]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("no registered endpoint on path: %q", path)
}

// ExportEndpoints returns all endpoints sorted by path.
// The returned endpoints must not be modified.
func (api *API) ExportEndpoints() []*Endpoint {
	api.endpointsLock.RLock()
	defer api.endpointsLock.RUnlock()

	eps := make([]*Endpoint, 0, len(api.endpoints))
	for _, e := range api.endpoints {
		eps = append(eps, e)
	}
	slices.SortFunc(eps, func(a, b *Endpoint) int {
		return strings.Compare(a.Path, b.Path)
	})
	return eps
}

// normalize checks the endpoint and fills in defaults.
func (e *Endpoint) normalize() error {
	if strings.TrimSpace(e.Path) == "" {
		return errors.New("path is missing")
	}

	switch e.Method {
	case "":
		e.Method = http.MethodGet
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return fmt.Errorf("invalid method %q", e.Method)
	}

	set := 0
	for _, isSet := range []bool{
		e.ActionFunc != nil,
		e.DataFunc != nil,
		e.StructFunc != nil,
		e.HandlerFunc != nil,
	} {
		if isSet {
			set++
		}
	}
	if set != 1 {
		return errors.New("exactly one function must be set")
	}

	if e.MimeType == "" {
		e.MimeType = MimeTypeText
		if e.StructFunc != nil {
			e.MimeType = MimeTypeJSON
		}
	}
	return nil
}
