package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/pprof"
	"time"

	"github.com/safing/routemon/base/info"
)

func (api *API) registerDebugEndpoints() error {
	for _, e := range []Endpoint{
		{
			Path:        "ping",
			ActionFunc:  ping,
			Name:        "Ping",
			Description: "Pong.",
		},
		{
			Path:        "ready",
			ActionFunc:  api.ready,
			Name:        "Ready",
			Description: "Reports whether all modules are started.",
		},
		{
			Path:        "status",
			StructFunc:  api.status,
			Name:        "Module States",
			Description: "Returns the current states of all modules.",
		},
		{
			Path:        "version",
			StructFunc:  version,
			Name:        "Version",
			Description: "Returns the version and build information.",
		},
		{
			Path:        "debug/stack",
			DataFunc:    getStack,
			Name:        "Get Goroutine Stack",
			Description: "Returns the current goroutine stack.",
		},
		{
			Path:        "debug/workers",
			DataFunc:    api.workerInfo,
			Name:        "Get Worker Info",
			Description: "Returns the running and waiting workers of all modules.",
		},
		{
			Path:        "debug/cpu",
			MimeType:    "application/octet-stream",
			DataFunc:    cpuProfile,
			Name:        "Get CPU Profile",
			Description: "Records and returns a CPU profile.",
			Parameters: []Parameter{{
				Method:      http.MethodGet,
				Field:       "duration",
				Value:       "10s",
				Description: "Duration of the profile.",
			}},
		},
		{
			Path:        "debug/heap",
			MimeType:    "application/octet-stream",
			DataFunc:    heapProfile,
			Name:        "Get Heap Profile",
			Description: "Returns the heap profile.",
		},
	} {
		if err := api.RegisterEndpoint(e); err != nil {
			return err
		}
	}
	return nil
}

func ping(_ *Request) (msg string, err error) {
	return "Pong.", nil
}

func (api *API) ready(_ *Request) (msg string, err error) {
	if !api.instance.Ready() {
		return "", ErrorWithStatus(errors.New("not all modules are started"), http.StatusTooEarly)
	}
	return "All modules are ready.", nil
}

func (api *API) status(_ *Request) (i any, err error) {
	return api.instance.GetStates(), nil
}

func version(_ *Request) (i any, err error) {
	return info.GetInfo(), nil
}

func (api *API) workerInfo(_ *Request) (data []byte, err error) {
	wi, err := api.instance.WorkerInfo()
	if err != nil {
		return nil, err
	}
	return []byte(wi.Format()), nil
}

func getStack(_ *Request) (data []byte, err error) {
	var buf bytes.Buffer
	if err := pprof.Lookup("goroutine").WriteTo(&buf, 1); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// profileAttachment names the profile download.
func profileAttachment(ar *Request, kind string) {
	ar.ResponseHeader.Set(
		"Content-Disposition",
		fmt.Sprintf(`attachment; filename="routemon-%s-profile_v%s.pprof"`, kind, info.Version()),
	)
}

func cpuProfile(ar *Request) (data []byte, err error) {
	duration := 10 * time.Second
	if d := ar.URL.Query().Get("duration"); d != "" {
		if duration, err = time.ParseDuration(d); err != nil {
			return nil, ErrorWithStatus(fmt.Errorf("invalid duration: %w", err), http.StatusBadRequest)
		}
	}

	var buf bytes.Buffer
	if err := pprof.StartCPUProfile(&buf); err != nil {
		return nil, fmt.Errorf("failed to start cpu profile: %w", err)
	}
	select {
	case <-time.After(duration):
		pprof.StopCPUProfile()
	case <-ar.Context().Done():
		pprof.StopCPUProfile()
		return nil, context.Canceled
	}

	profileAttachment(ar, "cpu")
	return buf.Bytes(), nil
}

func heapProfile(ar *Request) (data []byte, err error) {
	var buf bytes.Buffer
	if err := pprof.Lookup("heap").WriteTo(&buf, 0); err != nil {
		return nil, fmt.Errorf("failed to write heap profile: %w", err)
	}

	profileAttachment(ar, "heap")
	return buf.Bytes(), nil
}
