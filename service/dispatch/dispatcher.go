package dispatch

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/safing/routemon/base/api"
	"github.com/safing/routemon/base/config"
	"github.com/safing/routemon/base/metrics"
	"github.com/safing/routemon/service/mgr"
)

// stopTimeout limits how long Stop waits for running units.
const stopTimeout = 30 * time.Second

// Dispatcher queues units of work and runs them on a pool of workers.
// It guarantees that exactly one of Process or Abort is called per unit.
type Dispatcher struct {
	mgr  *mgr.Manager
	name string
	cfg  config.Dispatch

	tel     CallsRoutedIncrementer
	limiter *rate.Limiter

	// Alarms receives queue overflow alarms.
	Alarms *mgr.EventMgr[Alarm]
	states *mgr.StateMgr

	lock     sync.Mutex
	queue    *queue
	running  bool
	stopping chan struct{}
	overflow overflowState

	// signal wakes up idle workers.
	signal  chan struct{}
	workers sync.WaitGroup

	tasksLock    sync.Mutex
	tasks        []ScheduledTask
	tasksStarted bool
	scheduled    []*mgr.WorkerMgr
	monitor      *mgr.WorkerMgr

	stats    counters
	duration *metrics.Histogram
}

type counters struct {
	submitted   atomic.Uint64
	processed   atomic.Uint64
	failed      atomic.Uint64
	aborted     atomic.Uint64
	dropped     atomic.Uint64
	rateLimited atomic.Uint64
}

// New returns a new dispatcher. Every successfully processed unit is reported
// to tel. Metrics are registered with registry and the stats endpoint with a,
// if they are not nil.
func New(name string, tel CallsRoutedIncrementer, cfg config.Dispatch, registry *metrics.Registry, a *api.API) (*Dispatcher, error) {
	if tel == nil {
		return nil, errors.New("dispatch: missing calls routed telemetry")
	}
	cfg = withDefaults(cfg)

	m := mgr.New(name)
	d := &Dispatcher{
		mgr:    m,
		name:   name,
		cfg:    cfg,
		tel:    tel,
		Alarms: mgr.NewEventMgr[Alarm]("dispatch alarm", m),
		states: mgr.NewStateMgr(m),
		queue:  newQueue(cfg.MaxQueueSize, cfg.DiscardPolicy, cfg.AlarmThreshold),
		signal: make(chan struct{}, cfg.Workers),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.RateLimit))
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if registry != nil {
		if err := d.registerMetrics(registry); err != nil {
			return nil, err
		}
	}
	if a != nil {
		if err := d.registerAPI(a); err != nil {
			return nil, err
		}
	}

	return d, nil
}

func withDefaults(cfg config.Dispatch) config.Dispatch {
	if cfg.Workers <= 0 {
		cfg.Workers = config.DefaultWorkers
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = config.DefaultMaxQueueSize
	}
	if cfg.DiscardPolicy == "" {
		cfg.DiscardPolicy = config.DiscardNewest
	}
	if cfg.AlarmThreshold == 0 {
		cfg.AlarmThreshold = config.DefaultAlarmThreshold
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = config.DefaultMonitorInterval
	}
	return cfg
}

// Manager returns the module manager.
func (d *Dispatcher) Manager() *mgr.Manager {
	return d.mgr
}

// States returns the state manager.
func (d *Dispatcher) States() *mgr.StateMgr {
	return d.states
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string {
	return d.name
}

// AddScheduledTask adds a task that is scheduled on the dispatcher's manager
// while it is running. Tasks added while running are scheduled immediately.
// The task delay must be at least one millisecond.
func (d *Dispatcher) AddScheduledTask(t ScheduledTask) error {
	if _, err := taskPeriod(t); err != nil {
		return err
	}

	d.tasksLock.Lock()
	defer d.tasksLock.Unlock()

	d.tasks = append(d.tasks, t)
	if d.tasksStarted {
		d.scheduled = append(d.scheduled, d.schedule(t))
	}
	return nil
}

// taskPeriod returns the delay of the task in whole milliseconds, the
// resolution of the scheduler.
func taskPeriod(t ScheduledTask) (time.Duration, error) {
	ms, err := t.TaskDelay().Get(time.Millisecond)
	switch {
	case err != nil:
		return 0, fmt.Errorf("scheduled task %q: %w", t.TaskName(), err)
	case ms <= 0:
		return 0, fmt.Errorf("scheduled task %q: delay %s is below one millisecond", t.TaskName(), t.TaskDelay())
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (d *Dispatcher) schedule(t ScheduledTask) *mgr.WorkerMgr {
	period, _ := taskPeriod(t) // Checked when added.
	return d.mgr.Repeat(t.TaskName(), period, t.Tick)
}

// Start starts the module.
func (d *Dispatcher) Start() error {
	d.lock.Lock()
	if d.running {
		d.lock.Unlock()
		return errors.New("dispatcher is already running")
	}
	d.running = true
	d.stopping = make(chan struct{})
	stopping := d.stopping
	d.lock.Unlock()

	d.workers.Add(d.cfg.Workers)
	for i := range d.cfg.Workers {
		// Panics are contained in run, so the worker is never restarted and
		// Done is called exactly once.
		d.mgr.Go(fmt.Sprintf("dispatch worker #%d", i+1), func(w *mgr.WorkerCtx) error {
			d.worker(w, stopping)
			d.workers.Done()
			return nil
		})
	}

	d.tasksLock.Lock()
	defer d.tasksLock.Unlock()

	d.tasksStarted = true
	for _, t := range d.tasks {
		d.scheduled = append(d.scheduled, d.schedule(t))
	}
	d.monitor = d.mgr.Repeat("monitor dispatch queue", d.cfg.MonitorInterval, d.monitorQueue)

	return nil
}

// Stop stops the module.
// Scheduled tasks are stopped first, then all queued units are aborted with
// ErrShutdown, then running units are waited for.
func (d *Dispatcher) Stop() error {
	d.tasksLock.Lock()
	d.tasksStarted = false
	for _, wm := range d.scheduled {
		wm.Stop()
	}
	d.scheduled = nil
	if d.monitor != nil {
		d.monitor.Stop()
		d.monitor = nil
	}
	d.tasksLock.Unlock()

	d.lock.Lock()
	if !d.running {
		d.lock.Unlock()
		return nil
	}
	d.running = false
	drained := d.queue.drain()
	d.checkOverflowLocked()
	close(d.stopping)
	d.lock.Unlock()

	for _, t := range drained {
		t.abort(ErrShutdown)
	}

	// Wait for running units.
	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		d.mgr.Warn("timed out waiting for running units", "timeout", stopTimeout)
	}

	return nil
}

// Submit submits a unit for processing.
// If the unit is not queued, it is aborted before Submit returns and the
// abort reason is returned as error. The returned ticket is never nil.
func (d *Dispatcher) Submit(u Unit) (*Ticket, error) {
	t := newTicket(d, u)
	d.stats.submitted.Add(1)

	if d.limiter != nil && !d.limiter.Allow() {
		d.stats.rateLimited.Add(1)
		t.abort(ErrRateLimited)
		return t, ErrRateLimited
	}

	d.lock.Lock()
	if !d.running {
		d.lock.Unlock()
		t.abort(ErrShutdown)
		return t, ErrShutdown
	}
	rejected, grown := d.queue.push(t)
	if rejected != nil {
		d.stats.dropped.Add(1)
		d.overflow.recordDrop()
	}
	capacity := d.queue.capacity
	d.checkOverflowLocked()
	d.lock.Unlock()

	if grown {
		d.mgr.Info("dispatch queue grown", "capacity", capacity)
	}

	switch rejected {
	case nil:
		d.wakeWorker()
		return t, nil
	case t:
		t.abort(ErrQueueFull)
		return t, ErrQueueFull
	default:
		// The oldest unit was evicted for this one.
		rejected.abort(ErrDiscarded)
		d.wakeWorker()
		return t, nil
	}
}

// removeQueued removes a canceled ticket from the queue.
func (d *Dispatcher) removeQueued(t *Ticket) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.queue.remove(t) {
		d.checkOverflowLocked()
	}
}

func (d *Dispatcher) wakeWorker() {
	select {
	case d.signal <- struct{}{}:
	default:
		// Enough wake ups pending.
	}
}

// next returns the next queued ticket, or nil.
func (d *Dispatcher) next() *Ticket {
	d.lock.Lock()
	defer d.lock.Unlock()

	t := d.queue.pop()
	if t != nil {
		d.checkOverflowLocked()
	}
	return t
}

func (d *Dispatcher) worker(w *mgr.WorkerCtx, stopping <-chan struct{}) {
	for {
		// Work until the queue is empty.
		for t := d.next(); t != nil; t = d.next() {
			d.run(t)
		}

		select {
		case <-d.signal:
		case <-stopping:
			return
		case <-w.Done():
			return
		}
	}
}

// run processes the ticket, unless it was aborted in the meantime.
func (d *Dispatcher) run(t *Ticket) {
	if !t.start() {
		return
	}
	defer func() {
		// Process panics are recovered by Do, this catches the collaborators.
		if v := recover(); v != nil {
			err := fmt.Errorf("%w: %v", mgr.ErrPanic, v)
			d.mgr.Error("unit panicked", "ticket", t.id, "err", err)
			d.stats.failed.Add(1)
			t.state.Store(int32(StateFailed))
			t.finish(err)
		}
	}()

	started := time.Now()
	err := d.mgr.Do("process unit", t.unit.Process)
	if d.duration != nil {
		d.duration.UpdateDuration(started)
	}

	if err != nil {
		d.stats.failed.Add(1)
		t.state.Store(int32(StateFailed))
		if errors.Is(err, mgr.ErrPanic) {
			d.mgr.Error("unit panicked", "ticket", t.id, "err", err)
		}
		t.finish(err)
		return
	}

	d.tel.IncrementCallsRouted()
	d.stats.processed.Add(1)
	t.state.Store(int32(StateProcessed))
	t.finish(nil)
}
