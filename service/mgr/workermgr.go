package mgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerMgr runs a worker function on a schedule: once after a delay,
// periodically, on demand, or a combination of these.
//
// The schedule ends, and the WorkerMgr stops itself, when nothing is left to
// be scheduled, unless KeepAlive was set. Repeated runs use a ticker, so runs
// that are due while the worker is still busy are coalesced instead of being
// caught up.
type WorkerMgr struct {
	mgr  *Manager
	wctx *WorkerCtx

	name    string
	fn      func(w *WorkerCtx) error
	errorFn func(c *WorkerCtx, err error, panicInfo string)

	trigger  chan struct{}
	reselect chan struct{}

	lock      sync.Mutex
	delay     *time.Timer
	ticker    *time.Ticker
	interval  time.Duration
	keepAlive bool

	runs    atomic.Uint64
	lastRun atomic.Int64
}

// NewWorkerMgr returns a scheduler for fn. Nothing runs until one of Delay,
// Repeat or KeepAlive is called.
// Failures are logged and, if given, passed to errorFn, which may stop the
// scheduler.
func (m *Manager) NewWorkerMgr(name string, fn func(w *WorkerCtx) error, errorFn func(c *WorkerCtx, err error, panicInfo string)) *WorkerMgr {
	s := &WorkerMgr{
		mgr:      m,
		name:     name,
		fn:       fn,
		errorFn:  errorFn,
		trigger:  make(chan struct{}, 1),
		reselect: make(chan struct{}, 1),
	}
	s.wctx = m.newWorkerCtx(name, fn)
	s.wctx.ctx, s.wctx.cancel = context.WithCancel(m.Ctx())
	s.wctx.scheduler = s

	m.workerStarted(s.wctx)
	go s.loop()
	return s
}

// Repeat runs fn every period in a scheduled worker.
func (m *Manager) Repeat(name string, period time.Duration, fn func(w *WorkerCtx) error) *WorkerMgr {
	return m.NewWorkerMgr(name, fn, nil).Repeat(period)
}

// Delay runs fn once after the given duration in a scheduled worker.
func (m *Manager) Delay(name string, after time.Duration, fn func(w *WorkerCtx) error) *WorkerMgr {
	return m.NewWorkerMgr(name, fn, nil).Delay(after)
}

func (s *WorkerMgr) loop() {
	defer s.mgr.workerFinished(s.wctx)
	defer s.wctx.Cancel()
	defer s.stopTimers()

	select {
	case <-s.reselect:
	case <-s.wctx.Done():
		return
	}

	for {
		delayed, ticks, alive := s.waitChannels()
		if delayed == nil && ticks == nil && !alive {
			return
		}

		select {
		case <-delayed:
			s.delayFired()
		case <-ticks:
		case <-s.trigger:
		case <-s.reselect:
			continue
		case <-s.wctx.Done():
			return
		}

		s.runOnce()
	}
}

// waitChannels returns the timer channels to wait on. A pending delay takes
// precedence over the repeat ticker.
func (s *WorkerMgr) waitChannels() (delayed, ticks <-chan time.Time, alive bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch {
	case s.delay != nil:
		return s.delay.C, nil, true
	case s.ticker != nil:
		return nil, s.ticker.C, true
	default:
		return nil, nil, s.keepAlive
	}
}

func (s *WorkerMgr) delayFired() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.delay = nil
	if s.ticker != nil {
		s.ticker.Reset(s.interval)
	}
}

func (s *WorkerMgr) stopTimers() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.delay != nil {
		s.delay.Stop()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
}

func (s *WorkerMgr) runOnce() {
	w := &WorkerCtx{
		name:      s.name,
		fn:        s.fn,
		ctx:       s.wctx.ctx,
		scheduler: s,
		logger:    s.wctx.logger,
	}
	s.runs.Add(1)
	s.lastRun.Store(time.Now().UnixNano())

	location, err := s.mgr.execute(w)
	if finished(err) {
		return
	}
	s.wctx.Error("worker failed", "err", err, "file", location)
	if s.errorFn != nil {
		s.errorFn(s.wctx, err, location)
	}
}

func (s *WorkerMgr) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Go runs the worker now, or right after the current run.
// A pending delay is dropped and the repeat interval starts over.
func (s *WorkerMgr) Go() {
	s.lock.Lock()
	if s.delay != nil {
		s.delay.Stop()
		s.delay = nil
	}
	if s.ticker != nil {
		s.ticker.Reset(s.interval)
	}
	s.lock.Unlock()

	s.signal(s.trigger)
}

// Stop ends the schedule and cancels a running worker.
func (s *WorkerMgr) Stop() {
	s.wctx.Cancel()
}

// Stopped reports whether the schedule has ended.
func (s *WorkerMgr) Stopped() bool {
	return s.wctx.IsDone()
}

// Runs returns how often the worker was run.
func (s *WorkerMgr) Runs() uint64 {
	return s.runs.Load()
}

// Delay schedules a single run after the given duration, replacing a pending
// delay. A repeat schedule resumes after it. Zero removes the delay.
func (s *WorkerMgr) Delay(after time.Duration) *WorkerMgr {
	s.lock.Lock()
	if s.delay != nil {
		s.delay.Stop()
		s.delay = nil
	}
	if after > 0 {
		s.delay = time.NewTimer(after)
	}
	s.lock.Unlock()

	s.signal(s.reselect)
	return s
}

// Repeat runs the worker every interval. Zero removes the repeat schedule.
func (s *WorkerMgr) Repeat(interval time.Duration) *WorkerMgr {
	s.lock.Lock()
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.interval = interval
	if interval > 0 {
		s.ticker = time.NewTicker(interval)
	}
	s.lock.Unlock()

	s.signal(s.reselect)
	return s
}

// KeepAlive keeps the scheduler running without any schedule, so that it can
// be triggered with Go.
func (s *WorkerMgr) KeepAlive() *WorkerMgr {
	s.lock.Lock()
	s.keepAlive = true
	s.lock.Unlock()

	s.signal(s.reselect)
	return s
}

// Status returns a short description of the schedule.
func (s *WorkerMgr) Status() string {
	if s.Stopped() {
		return "stopped"
	}

	s.lock.Lock()
	var status string
	switch {
	case s.delay != nil:
		status = "delayed"
	case s.ticker != nil:
		status = "repeating every " + s.interval.String()
	case s.keepAlive:
		status = "on demand"
	default:
		status = "idle"
	}
	s.lock.Unlock()

	if last := s.lastRun.Load(); last > 0 {
		ago := time.Since(time.Unix(0, last)).Round(time.Millisecond)
		status += fmt.Sprintf(", %d runs, last %s ago", s.runs.Load(), ago)
	}
	return status
}
