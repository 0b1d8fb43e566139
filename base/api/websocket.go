package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/tevino/abool"

	"github.com/safing/routemon/base/log"
	"github.com/safing/routemon/service/mgr"
)

const streamQueueSize = 100

func allowAnyOrigin(_ *http.Request) bool {
	return true
}

// eventStream forwards events of one subscription to a websocket connection.
type eventStream[T any] struct {
	name string
	sub  *mgr.EventSubscription[T]
	conn *websocket.Conn

	shutdownSignal chan struct{}
	shuttingDown   *abool.AtomicBool
}

// StreamEvents returns a handler that upgrades the request to a websocket and
// sends every event submitted to em as a JSON text message, until either side
// closes the connection or the API is stopped.
// Messages sent by the client are read and discarded.
func StreamEvents[T any](api *API, name string, em *mgr.EventMgr[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{
			CheckOrigin:     allowAnyOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
		}
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// The upgrader already replied with an error.
			log.Warningf("api: could not upgrade %s stream for %s: %s", name, r.RemoteAddr, err)
			return
		}

		stream := &eventStream[T]{
			name:           name,
			sub:            em.Subscribe(fmt.Sprintf("%s stream to %s", name, r.RemoteAddr), streamQueueSize),
			conn:           wsConn,
			shutdownSignal: make(chan struct{}),
			shuttingDown:   abool.NewBool(false),
		}

		api.mgr.Go(name+" stream reader", stream.reader)
		api.mgr.Go(name+" stream writer", stream.writer)

		log.Infof("api: started %s stream for %s", name, r.RemoteAddr)
	}
}

func (s *eventStream[T]) reader(_ *mgr.WorkerCtx) error {
	defer func() {
		_ = s.shutdown(nil)
	}()

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return s.shutdown(err)
		}
	}
}

func (s *eventStream[T]) writer(wc *mgr.WorkerCtx) error {
	defer func() {
		_ = s.shutdown(nil)
	}()

	for {
		var event T
		select {
		case event = <-s.sub.Events():
		case <-wc.Done():
			return nil
		case <-s.shutdownSignal:
			return nil
		}

		data, err := json.Marshal(event)
		if err != nil {
			wc.Error("failed to marshal event", "stream", s.name, "err", err)
			continue
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return s.shutdown(err)
		}
	}
}

func (s *eventStream[T]) shutdown(err error) error {
	// Check if we are the first to shut down.
	if !s.shuttingDown.SetToIf(false, true) {
		return nil
	}

	if err != nil {
		if websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseAbnormalClosure,
		) {
			log.Infof("api: %s stream to %s closed", s.name, s.conn.RemoteAddr())
		} else {
			log.Warningf("api: %s stream error with %s: %s", s.name, s.conn.RemoteAddr(), err)
		}
	}

	s.sub.Cancel()
	close(s.shutdownSignal)
	_ = s.conn.Close()
	return nil
}
