package dispatch

import (
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
)

// TicketState describes where a submitted unit is in its lifecycle.
type TicketState int32

// Ticket states.
const (
	StatePending TicketState = iota
	StateRunning
	StateProcessed
	StateFailed
	StateAborted
)

func (s TicketState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateProcessed:
		return "processed"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Ticket tracks a submitted unit.
type Ticket struct {
	id        uuid.UUID
	unit      Unit
	submitted time.Time
	d         *Dispatcher

	state atomic.Int32
	done  chan struct{}
	// err is written once before done is closed.
	err error
}

func newTicket(d *Dispatcher, u Unit) *Ticket {
	id, err := uuid.NewV4()
	if err != nil {
		// Only fails if the system random source fails.
		id = uuid.Nil
	}
	return &Ticket{
		id:        id,
		unit:      u,
		submitted: time.Now(),
		d:         d,
		done:      make(chan struct{}),
	}
}

// ID returns the ticket ID.
func (t *Ticket) ID() uuid.UUID {
	return t.id
}

// State returns the current state.
func (t *Ticket) State() TicketState {
	return TicketState(t.state.Load())
}

// Done returns a channel that is closed when the unit was processed or aborted.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Err returns the error returned by Process, or the abort reason.
// It returns nil until Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Cancel aborts the unit with ErrCanceled, if it has not started yet.
// Returns false if the unit already started or finished.
func (t *Ticket) Cancel() bool {
	if !t.abort(ErrCanceled) {
		return false
	}
	if t.d != nil {
		t.d.removeQueued(t)
	}
	return true
}

// start claims the unit for processing.
func (t *Ticket) start() bool {
	return t.state.CompareAndSwap(int32(StatePending), int32(StateRunning))
}

// abort claims the unit for aborting and calls Abort.
// Returns false if someone else already claimed the unit.
func (t *Ticket) abort(reason error) bool {
	if !t.state.CompareAndSwap(int32(StatePending), int32(StateAborted)) {
		return false
	}

	if t.d != nil {
		t.d.stats.aborted.Add(1)
	}
	t.callAbort(reason)
	t.finish(reason)
	return true
}

func (t *Ticket) callAbort(reason error) {
	// A panicking Abort must not take down the caller.
	defer func() {
		if panicVal := recover(); panicVal != nil && t.d != nil {
			t.d.mgr.Error("unit abort panicked", "ticket", t.id, "panic", panicVal)
		}
	}()

	t.unit.Abort(reason)
}

// finish records the result and releases waiters.
func (t *Ticket) finish(err error) {
	t.err = err
	close(t.done)
}
