package dispatch

import (
	"errors"

	"github.com/safing/routemon/base/delay"
	"github.com/safing/routemon/service/mgr"
)

// Abort reasons.
var (
	// ErrQueueFull is the abort reason of a unit that was rejected because the
	// queue was full.
	ErrQueueFull = errors.New("dispatch queue is full")

	// ErrDiscarded is the abort reason of a queued unit that was evicted to
	// make room for a newer one.
	ErrDiscarded = errors.New("discarded from dispatch queue")

	// ErrShutdown is the abort reason of units that are submitted to, or still
	// queued in, a dispatcher that is not running.
	ErrShutdown = errors.New("dispatcher is shutting down")

	// ErrCanceled is the abort reason of a unit that was canceled via its ticket.
	ErrCanceled = errors.New("canceled before execution")

	// ErrRateLimited is the abort reason of a unit that was submitted above the
	// admission rate limit.
	ErrRateLimited = errors.New("dispatch rate limit exceeded")
)

// Unit is a unit of work.
// Once submitted, exactly one of Process or Abort is called, and exactly once.
// Abort is never called after Process has started.
type Unit interface {
	// Process performs the work. A returned error is recorded on the ticket and
	// counted as failed, but not retried.
	Process(w *mgr.WorkerCtx) error

	// Abort releases any resources held by the unit without performing the
	// work. The reason is one of the abort errors of this package.
	Abort(reason error)
}

// Func is a Unit made from a pair of closures. Nil functions are no-ops.
type Func struct {
	ProcessFn func(w *mgr.WorkerCtx) error
	AbortFn   func(reason error)
}

// Process calls ProcessFn.
func (f Func) Process(w *mgr.WorkerCtx) error {
	if f.ProcessFn == nil {
		return nil
	}
	return f.ProcessFn(w)
}

// Abort calls AbortFn.
func (f Func) Abort(reason error) {
	if f.AbortFn != nil {
		f.AbortFn(reason)
	}
}

// CallsRoutedIncrementer is notified about every successfully processed unit.
type CallsRoutedIncrementer interface {
	IncrementCallsRouted()
}

// ScheduledTask is a periodic task that runs on the dispatcher's manager
// while the dispatcher is running.
type ScheduledTask interface {
	// TaskName names the worker running the task.
	TaskName() string
	// TaskDelay is the time between two runs.
	TaskDelay() delay.Value
	// Tick runs the task once.
	Tick(w *mgr.WorkerCtx) error
}
