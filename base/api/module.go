package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/safing/routemon/base/config"
	"github.com/safing/routemon/service/mgr"
)

// API is the HTTP/Websockets API module.
type API struct {
	mgr      *mgr.Manager
	instance instance
	cfg      config.API

	// mainMux is the main mux router.
	mainMux     *mux.Router
	handlerLock sync.RWMutex

	endpoints     map[string]*Endpoint
	endpointsMux  *mux.Router
	endpointsLock sync.RWMutex

	server       *http.Server
	listener     net.Listener
	listenerLock sync.Mutex
}

// New returns a new API module.
func New(instance instance, cfg config.API) (*API, error) {
	m := mgr.New("API")
	api := &API{
		mgr:          m,
		instance:     instance,
		cfg:          cfg,
		mainMux:      mux.NewRouter(),
		endpoints:    make(map[string]*Endpoint),
		endpointsMux: mux.NewRouter(),
	}
	api.RegisterHandler(apiV1Path+"{endpointPath:.+}", &endpointHandler{api: api})

	if err := api.registerDebugEndpoints(); err != nil {
		return nil, err
	}
	if err := api.registerMetaEndpoints(); err != nil {
		return nil, err
	}

	return api, nil
}

// Manager returns the module manager.
func (api *API) Manager() *mgr.Manager {
	return api.mgr
}

// Start starts the module.
func (api *API) Start() error {
	if api.cfg.Disabled {
		api.mgr.Info("http server disabled")
		return nil
	}

	listener, err := net.Listen("tcp", api.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", api.cfg.Listen, err)
	}

	api.listenerLock.Lock()
	defer api.listenerLock.Unlock()

	api.listener = listener
	api.server = &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	api.mgr.Go("http server", api.serve)
	return nil
}

// Stop stops the module.
func (api *API) Stop() error {
	api.listenerLock.Lock()
	defer api.listenerLock.Unlock()

	if api.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := api.server.Shutdown(ctx)
	api.server = nil
	api.listener = nil
	return err
}

// Addr returns the address the server listens on, or nil if not listening.
func (api *API) Addr() net.Addr {
	api.listenerLock.Lock()
	defer api.listenerLock.Unlock()

	if api.listener == nil {
		return nil
	}
	return api.listener.Addr()
}

func (api *API) serve(w *mgr.WorkerCtx) error {
	api.listenerLock.Lock()
	server, listener := api.server, api.listener
	api.listenerLock.Unlock()
	if server == nil {
		return nil
	}

	w.Info("starting to listen", "address", listener.Addr())
	err := server.Serve(listener)
	// Return on shutdown error.
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the main http handler of the API.
func (api *API) Handler() http.Handler {
	return &rootHandler{api: api}
}

// RegisterHandler registers a handler with the API endpoint.
func (api *API) RegisterHandler(path string, handler http.Handler) *mux.Route {
	api.handlerLock.Lock()
	defer api.handlerLock.Unlock()
	return api.mainMux.Handle(path, handler)
}

// RegisterHandleFunc registers a handle function with the API endpoint.
func (api *API) RegisterHandleFunc(path string, handleFunc func(http.ResponseWriter, *http.Request)) *mux.Route {
	api.handlerLock.Lock()
	defer api.handlerLock.Unlock()
	return api.mainMux.HandleFunc(path, handleFunc)
}

type instance interface {
	Ready() bool
	GetStates() []mgr.StateUpdate
	WorkerInfo() (*mgr.WorkerInfo, error)
}
