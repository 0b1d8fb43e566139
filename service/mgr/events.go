package mgr

import (
	"slices"
	"sync"
	"sync/atomic"
)

// EventMgr distributes events of type T to subscriptions and callbacks.
// It is usually exposed as a public field of a module.
type EventMgr[T any] struct {
	name string
	mgr  *Manager

	lock      sync.Mutex
	receivers []eventReceiver[T]
}

// eventReceiver is either a subscription or a callback.
type eventReceiver[T any] interface {
	receive(em *EventMgr[T], event T)
	canceled() bool
}

// EventSubscription receives events on a buffered channel.
type EventSubscription[T any] struct {
	name    string
	events  chan T
	stopped atomic.Bool
}

// EventCallbackFunc is called for every event. Returning cancel=true removes
// the callback.
type EventCallbackFunc[T any] func(*WorkerCtx, T) (cancel bool, err error)

// EventCallback is a callback registered with AddCallback.
type EventCallback[T any] struct {
	name    string
	fn      EventCallbackFunc[T]
	stopped atomic.Bool
}

// NewEventMgr returns a new event manager. Callbacks run as workers of m, if
// m is not nil.
func NewEventMgr[T any](eventName string, m *Manager) *EventMgr[T] {
	return &EventMgr[T]{
		name: eventName,
		mgr:  m,
	}
}

// Subscribe returns a new subscription with the given channel size.
// Events are shared between all receivers and must not be modified.
func (em *EventMgr[T]) Subscribe(subscriberName string, chanSize int) *EventSubscription[T] {
	sub := &EventSubscription[T]{
		name:   subscriberName,
		events: make(chan T, chanSize),
	}
	em.add(sub)
	return sub
}

// AddCallback registers a callback for all future events.
// Events are shared between all receivers and must not be modified.
func (em *EventMgr[T]) AddCallback(callbackName string, callback EventCallbackFunc[T]) {
	em.add(&EventCallback[T]{
		name: callbackName,
		fn:   callback,
	})
}

func (em *EventMgr[T]) add(r eventReceiver[T]) {
	em.lock.Lock()
	defer em.lock.Unlock()

	em.receivers = append(em.receivers, r)
}

// Submit hands the event to all receivers. It never blocks: subscriptions
// with a full channel miss the event.
func (em *EventMgr[T]) Submit(event T) {
	em.lock.Lock()
	defer em.lock.Unlock()

	em.receivers = slices.DeleteFunc(em.receivers, func(r eventReceiver[T]) bool {
		return r.canceled()
	})
	for _, r := range em.receivers {
		r.receive(em, event)
	}
}

func (em *EventMgr[T]) warn(msg string, args ...any) {
	if em.mgr != nil {
		em.mgr.Warn(msg, append([]any{"event", em.name}, args...)...)
	}
}

func (es *EventSubscription[T]) receive(em *EventMgr[T], event T) {
	select {
	case es.events <- event:
	default:
		em.warn("event subscription channel overflow", "subscriber", es.name)
	}
}

func (es *EventSubscription[T]) canceled() bool {
	return es.stopped.Load()
}

// Events returns the channel on which events are received.
func (es *EventSubscription[T]) Events() <-chan T {
	return es.events
}

// Cancel ends the subscription. The channel stays open.
func (es *EventSubscription[T]) Cancel() {
	es.stopped.Store(true)
}

// Done reports whether the subscription was canceled.
func (es *EventSubscription[T]) Done() bool {
	return es.stopped.Load()
}

func (ec *EventCallback[T]) receive(em *EventMgr[T], event T) {
	if em.mgr == nil {
		ec.call(nil, em, event)
		return
	}
	em.mgr.Go("event "+em.name+" callback "+ec.name, func(w *WorkerCtx) error {
		ec.call(w, em, event)
		return nil
	})
}

func (ec *EventCallback[T]) call(w *WorkerCtx, em *EventMgr[T], event T) {
	cancel, err := ec.fn(w, event)
	if err != nil {
		em.warn("event callback failed", "callback", ec.name, "err", err)
	}
	if cancel {
		ec.stopped.Store(true)
	}
}

func (ec *EventCallback[T]) canceled() bool {
	return ec.stopped.Load()
}
