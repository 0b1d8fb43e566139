package ratemon

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/safing/routemon/base/delay"
	"github.com/safing/routemon/service/mgr"
)

// DefaultPeriod is the default rotation period.
const DefaultPeriod = time.Second

// TaskName is the name of the scheduled rotation worker.
const TaskName = "rotate rate window"

// lateTickFactor defines when a tick is considered late, relative to the period.
const lateTickFactor = 1.5

// Rotator closes the window of a counter once per period.
//
// It does not own a goroutine. The owner schedules Tick as a repeating
// worker and cancels it on shutdown.
// A late tick is not compensated: every tick writes exactly one slot, even if
// more than one period passed since the previous tick.
type Rotator struct {
	counter *Counter
	period  delay.Value
	now     func() time.Time

	lock      sync.Mutex
	lastTick  time.Time
	lastSched *mgr.WorkerMgr
	observers []func(closed int64)

	lateTicks atomic.Uint64
}

// RotatorOption configures a rotator.
type RotatorOption func(*Rotator)

// WithPeriod sets the rotation period. Non-positive values are ignored.
func WithPeriod(period time.Duration) RotatorOption {
	if period%time.Millisecond == 0 {
		return WithDelay(delay.MustNew(int64(period/time.Millisecond), time.Millisecond))
	}
	return WithDelay(delay.MustNew(int64(period), time.Nanosecond))
}

// WithDelay sets the rotation period. Invalid and non-positive values are
// ignored.
func WithDelay(period delay.Value) RotatorOption {
	return func(r *Rotator) {
		if period.IsValid() && period.Duration() > 0 {
			r.period = period
		}
	}
}

// WithClock sets the time source used for late tick detection.
func WithClock(now func() time.Time) RotatorOption {
	return func(r *Rotator) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRotator returns a new rotator for the given counter.
func NewRotator(counter *Counter, opts ...RotatorOption) *Rotator {
	r := &Rotator{
		counter: counter,
		period:  delay.MustNew(int64(DefaultPeriod/time.Millisecond), time.Millisecond),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Period returns the rotation period.
func (r *Rotator) Period() time.Duration {
	return r.period.Duration()
}

// TaskName returns the name of the rotation worker.
func (r *Rotator) TaskName() string {
	return TaskName
}

// TaskDelay returns the rotation period in the unit it was configured in.
func (r *Rotator) TaskDelay() delay.Value {
	return r.period
}

// OnRotate registers a function that is called with the closed value after
// every rotation. Observers are called synchronously and must not block.
func (r *Rotator) OnRotate(fn func(closed int64)) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.observers = append(r.observers, fn)
}

// LateTicks returns how many ticks arrived later than expected.
func (r *Rotator) LateTicks() uint64 {
	return r.lateTicks.Load()
}

// Tick performs one rotation. It has the signature of a worker function, so
// that it can be scheduled directly with a manager.
func (r *Rotator) Tick(w *mgr.WorkerCtx) error {
	closed := r.counter.Rotate()

	r.lock.Lock()
	now := r.now()
	// A new schedule starts without a previous tick.
	if w != nil && w.WorkerMgr() != r.lastSched {
		r.lastSched = w.WorkerMgr()
		r.lastTick = time.Time{}
	}
	if !r.lastTick.IsZero() {
		if elapsed := now.Sub(r.lastTick); elapsed > time.Duration(float64(r.Period())*lateTickFactor) {
			r.lateTicks.Add(1)
			if w != nil {
				w.Debug("late rotation, sample covers more than one period", "elapsed", elapsed, "closed", closed)
			}
		}
	}
	r.lastTick = now
	observers := r.observers
	r.lock.Unlock()

	for _, fn := range observers {
		fn(closed)
	}
	return nil
}

// Schedule starts rotating on the given manager and returns the scheduled
// worker. Stop the returned worker to stop rotating.
func (r *Rotator) Schedule(m *mgr.Manager) *mgr.WorkerMgr {
	return m.Repeat(TaskName, r.Period(), r.Tick)
}
