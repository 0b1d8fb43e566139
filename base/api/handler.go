package api

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/safing/structures/dsd"

	"github.com/safing/routemon/service/mgr"
)

// maxInputSize limits request bodies.
const maxInputSize = 1 << 20

// Request holds an http request together with the data extracted by the API.
type Request struct {
	*http.Request

	// InputData is the body of POST and PUT requests.
	InputData []byte
	Route     *mux.Route
	URLVars   map[string]string

	// ResponseHeader may be modified by endpoint functions.
	ResponseHeader http.Header

	// HandlerCache can be used by handlers to pass data along.
	HandlerCache any
}

type requestContextKey struct{}

// RequestContextKey is the context key of the *Request.
var RequestContextKey = requestContextKey{}

// GetAPIRequest returns the *Request of an http request served by the API.
func GetAPIRequest(r *http.Request) *Request {
	ar, _ := r.Context().Value(RequestContextKey).(*Request)
	return ar
}

// TextResponse writes text as a plain text response.
func TextResponse(w http.ResponseWriter, text string) error {
	w.Header().Set("Content-Type", MimeTypeText+"; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err := fmt.Fprintln(w, text)
	return err
}

// statusRecorder remembers the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// Hijack is needed for websocket upgrades.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("response writer cannot be hijacked")
}

// rootHandler serves all requests as workers of the API manager.
type rootHandler struct {
	api *API
}

func (rh *rootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = rh.api.mgr.Do("http request", func(wc *mgr.WorkerCtx) error {
		rh.serve(wc, w, r)
		return nil
	})
}

func (rh *rootHandler) serve(wc *mgr.WorkerCtx, w http.ResponseWriter, r *http.Request) {
	ar := &Request{}
	r = r.WithContext(wc.AddToCtx(context.WithValue(r.Context(), RequestContextKey, ar)))
	ar.Request = r

	rec := &statusRecorder{ResponseWriter: w}
	started := time.Now()
	defer func() {
		// Hijacked connections have no status.
		if rec.status != 0 {
			wc.Debug("api request",
				"remote", r.RemoteAddr,
				"method", r.Method,
				"uri", r.RequestURI,
				"status", rec.status,
				"time", time.Since(started),
			)
		}
	}()

	h := w.Header()
	h.Set("Referrer-Policy", "same-origin")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "deny")

	if cleaned := cleanRequestPath(r.URL.Path); cleaned != r.URL.Path {
		target := *r.URL
		target.Path = cleaned
		http.Redirect(rec, r, target.String(), http.StatusMovedPermanently)
		return
	}

	var match mux.RouteMatch
	rh.api.handlerLock.RLock()
	found := rh.api.mainMux.Match(r, &match)
	rh.api.handlerLock.RUnlock()
	switch {
	case found && match.MatchErr == nil && match.Handler != nil:
	case errors.Is(match.MatchErr, mux.ErrMethodMismatch):
		http.Error(rec, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	default:
		http.Error(rec, "Not found.", http.StatusNotFound)
		return
	}
	ar.Route = match.Route
	ar.URLVars = match.Vars
	if ar.URLVars == nil {
		ar.URLVars = make(map[string]string)
	}

	defer func() {
		if v := recover(); v != nil {
			wc.Error("handler panic", "panic", v, "uri", r.RequestURI)
			http.Error(rec, "Internal Server Error.", http.StatusInternalServerError)
		}
	}()
	match.Handler.ServeHTTP(rec, r)
}

// cleanRequestPath returns the cleaned absolute request path. A trailing slash
// is kept.
func cleanRequestPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// endpointHandler routes requests below /api/v1/ to the registered endpoints.
type endpointHandler struct {
	api *API
}

func (eh *endpointHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ar := GetAPIRequest(r)
	if ar == nil {
		http.NotFound(w, r)
		return
	}

	var match mux.RouteMatch
	eh.api.endpointsLock.RLock()
	found := eh.api.endpointsMux.Match(r, &match)
	eh.api.endpointsLock.RUnlock()

	e, ok := match.Handler.(*Endpoint)
	if !found || !ok {
		http.Error(w, "Not found.", http.StatusNotFound)
		return
	}
	ar.Route = match.Route
	maps.Copy(ar.URLVars, match.Vars)

	e.ServeHTTP(w, r)
}

// ServeHTTP serves the endpoint. The request must have been routed by the API.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ar := GetAPIRequest(r)
	if ar == nil {
		http.NotFound(w, r)
		return
	}

	method := r.Method
	switch method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodHead:
		method = http.MethodGet
	}
	if method != e.Method {
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	if method == http.MethodPost || method == http.MethodPut {
		body, status, err := readBody(r)
		if err != nil {
			http.Error(w, err.Error(), status)
			return
		}
		ar.InputData = body
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	ar.ResponseHeader = w.Header()

	if e.HandlerFunc != nil {
		e.HandlerFunc(w, r)
		return
	}

	data, err := e.respond(ar)
	switch {
	case err != nil:
		http.Error(w, err.Error(), statusOf(err))
		return
	case len(data) == 0 || r.Method == http.MethodHead:
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", e.MimeType+"; charset=utf-8")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// respond runs the endpoint function and returns the response body.
func (e *Endpoint) respond(ar *Request) ([]byte, error) {
	switch {
	case e.ActionFunc != nil:
		msg, err := e.ActionFunc(ar)
		if err != nil {
			return nil, err
		}
		if !strings.HasSuffix(msg, "\n") {
			msg += "\n"
		}
		return []byte(msg), nil

	case e.DataFunc != nil:
		return e.DataFunc(ar)

	case e.StructFunc != nil:
		v, err := e.StructFunc(ar)
		if err != nil || v == nil {
			return nil, err
		}
		data, mimeType, _, err := dsd.MimeDump(v, ar.Header.Get("Accept"))
		if err != nil {
			return nil, err
		}
		ar.ResponseHeader.Set("Content-Type", mimeType)
		return data, nil

	default:
		return nil, errors.New("missing handler")
	}
}

func readBody(r *http.Request) (body []byte, status int, err error) {
	if r.ContentLength > maxInputSize {
		return nil, http.StatusRequestEntityTooLarge, errors.New("too much input data")
	}
	body, err = io.ReadAll(io.LimitReader(r.Body, maxInputSize+1))
	switch {
	case err != nil:
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to read body: %w", err)
	case len(body) > maxInputSize:
		return nil, http.StatusRequestEntityTooLarge, errors.New("too much input data")
	}
	return body, http.StatusOK, nil
}
