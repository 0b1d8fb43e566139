package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/routemon/base/config"
	"github.com/safing/routemon/base/delay"
	"github.com/safing/routemon/service/mgr"
	"github.com/safing/routemon/service/ratemon"
)

type testTelemetry struct {
	routed atomic.Int64
}

func (tt *testTelemetry) IncrementCallsRouted() {
	tt.routed.Add(1)
}

// trackedUnit counts the calls to Process and Abort.
type trackedUnit struct {
	processed atomic.Int32
	aborted   atomic.Int32

	lock   sync.Mutex
	reason error

	fn func(w *mgr.WorkerCtx) error
}

func (u *trackedUnit) Process(w *mgr.WorkerCtx) error {
	u.processed.Add(1)
	if u.fn != nil {
		return u.fn(w)
	}
	return nil
}

func (u *trackedUnit) Abort(reason error) {
	u.aborted.Add(1)
	u.lock.Lock()
	defer u.lock.Unlock()
	u.reason = reason
}

func (u *trackedUnit) abortReason() error {
	u.lock.Lock()
	defer u.lock.Unlock()
	return u.reason
}

func (u *trackedUnit) terminalCalls() int32 {
	return u.processed.Load() + u.aborted.Load()
}

func newTestDispatcher(t *testing.T, cfg config.Dispatch) (*Dispatcher, *testTelemetry) {
	t.Helper()

	tel := &testTelemetry{}
	d, err := New("Dispatch Test", tel, cfg, nil, nil)
	require.NoError(t, err)
	return d, tel
}

// blockWorker occupies a worker until the returned function is called.
func blockWorker(t *testing.T, d *Dispatcher) (release func()) {
	t.Helper()

	started := make(chan struct{})
	releaseCh := make(chan struct{})
	_, err := d.Submit(Func{ProcessFn: func(_ *mgr.WorkerCtx) error {
		close(started)
		<-releaseCh
		return nil
	}})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking unit did not start")
	}

	var once sync.Once
	return func() { once.Do(func() { close(releaseCh) }) }
}

func waitDone(t *testing.T, tickets ...*Ticket) {
	t.Helper()

	for _, ticket := range tickets {
		select {
		case <-ticket.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("ticket %s not done, state %s", ticket.ID(), ticket.State())
		}
	}
}

func TestProcess(t *testing.T) {
	t.Parallel()

	d, tel := newTestDispatcher(t, config.Dispatch{Workers: 4})
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop() }()

	units := make([]*trackedUnit, 100)
	tickets := make([]*Ticket, 100)
	for i := range units {
		units[i] = &trackedUnit{}
		ticket, err := d.Submit(units[i])
		require.NoError(t, err)
		tickets[i] = ticket
	}
	waitDone(t, tickets...)

	for i, u := range units {
		assert.Equal(t, int32(1), u.processed.Load())
		assert.Equal(t, int32(0), u.aborted.Load())
		assert.Equal(t, StateProcessed, tickets[i].State())
		assert.NoError(t, tickets[i].Err())
	}
	assert.Equal(t, int64(100), tel.routed.Load())

	stats := d.Stats()
	assert.Equal(t, uint64(100), stats.Submitted)
	assert.Equal(t, uint64(100), stats.Processed)
	assert.Equal(t, uint64(0), stats.Aborted)
	assert.True(t, stats.Running)
}

func TestCancelBeforeExecution(t *testing.T) {
	t.Parallel()

	d, tel := newTestDispatcher(t, config.Dispatch{Workers: 1})
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop() }()

	release := blockWorker(t, d)
	defer release()

	u := &trackedUnit{}
	ticket, err := d.Submit(u)
	require.NoError(t, err)
	assert.NotEqual(t, ticket.ID().String(), "")
	assert.Equal(t, StatePending, ticket.State())
	assert.Nil(t, ticket.Err())

	assert.True(t, ticket.Cancel())
	assert.False(t, ticket.Cancel())
	assert.Equal(t, 0, d.QueueLength())

	release()
	waitDone(t, ticket)

	// Give the worker a chance to pick up anything left over.
	follow, err := d.Submit(&trackedUnit{})
	require.NoError(t, err)
	waitDone(t, follow)

	assert.Equal(t, int32(1), u.aborted.Load())
	assert.Equal(t, int32(0), u.processed.Load())
	assert.ErrorIs(t, u.abortReason(), ErrCanceled)
	assert.ErrorIs(t, ticket.Err(), ErrCanceled)
	assert.Equal(t, StateAborted, ticket.State())
	// Only the blocking unit and the follow up were routed.
	assert.Equal(t, int64(2), tel.routed.Load())
}

func TestCancelAfterStart(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, config.Dispatch{Workers: 1})
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop() }()

	started := make(chan struct{})
	release := make(chan struct{})
	u := &trackedUnit{fn: func(_ *mgr.WorkerCtx) error {
		close(started)
		<-release
		return nil
	}}
	ticket, err := d.Submit(u)
	require.NoError(t, err)
	<-started

	assert.Equal(t, StateRunning, ticket.State())
	assert.False(t, ticket.Cancel())
	close(release)
	waitDone(t, ticket)

	assert.Equal(t, int32(1), u.processed.Load())
	assert.Equal(t, int32(0), u.aborted.Load())
}

func TestDiscardNewest(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, config.Dispatch{Workers: 1, MaxQueueSize: 3})
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop() }()
	release := blockWorker(t, d)
	defer release()

	queued := make([]*trackedUnit, 3)
	for i := range queued {
		queued[i] = &trackedUnit{}
		_, err := d.Submit(queued[i])
		require.NoError(t, err)
	}

	rejected := &trackedUnit{}
	ticket, err := d.Submit(rejected)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, StateAborted, ticket.State())
	assert.Equal(t, int32(1), rejected.aborted.Load())
	assert.ErrorIs(t, rejected.abortReason(), ErrQueueFull)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 3, stats.QueueLength)
	assert.Equal(t, 3, stats.QueueCapacity)

	release()
	assert.Eventually(t, func() bool {
		for _, u := range queued {
			if u.processed.Load() != 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), rejected.processed.Load())
}

func TestDiscardOldest(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, config.Dispatch{
		Workers:       1,
		MaxQueueSize:  2,
		DiscardPolicy: config.DiscardOldest,
	})
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop() }()
	release := blockWorker(t, d)
	defer release()

	oldest, second, newest := &trackedUnit{}, &trackedUnit{}, &trackedUnit{}
	oldestTicket, err := d.Submit(oldest)
	require.NoError(t, err)
	_, err = d.Submit(second)
	require.NoError(t, err)
	newestTicket, err := d.Submit(newest)
	require.NoError(t, err)

	waitDone(t, oldestTicket)
	assert.ErrorIs(t, oldestTicket.Err(), ErrDiscarded)
	assert.ErrorIs(t, oldest.abortReason(), ErrDiscarded)

	release()
	waitDone(t, newestTicket)
	assert.Eventually(t, func() bool {
		return second.processed.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), newest.processed.Load())
	assert.Equal(t, int32(0), oldest.processed.Load())
	assert.Equal(t, uint64(1), d.Stats().Dropped)
}

func TestGrowWithoutBound(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, config.Dispatch{
		Workers:       1,
		MaxQueueSize:  5,
		DiscardPolicy: config.GrowWithoutBound,
	})
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop() }()
	release := blockWorker(t, d)

	tickets := make([]*Ticket, 20)
	for i := range tickets {
		ticket, err := d.Submit(&trackedUnit{})
		require.NoError(t, err)
		tickets[i] = ticket
	}

	stats := d.Stats()
	assert.Equal(t, 20, stats.QueueLength)
	assert.GreaterOrEqual(t, stats.QueueCapacity, 20)
	assert.Equal(t, uint64(0), stats.Dropped)

	release()
	waitDone(t, tickets...)
}

func TestQueueGrowth(t *testing.T) {
	t.Parallel()

	q := newQueue(10, config.GrowWithoutBound, 80)
	for range 10 {
		_, grown := q.push(&Ticket{})
		assert.False(t, grown)
	}
	_, grown := q.push(&Ticket{})
	assert.True(t, grown)
	assert.Equal(t, 12, q.capacity)
	assert.Equal(t, 9, q.upperCount)

	small := newQueue(1, config.GrowWithoutBound, -1)
	small.push(&Ticket{})
	small.push(&Ticket{})
	assert.Equal(t, 2, small.capacity)
	assert.False(t, small.aboveThreshold())
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, config.Dispatch{Workers: 1})

	// Not started yet.
	early := &trackedUnit{}
	_, err := d.Submit(early)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, int32(1), early.aborted.Load())

	require.NoError(t, d.Start())
	release := blockWorker(t, d)

	queued := make([]*trackedUnit, 5)
	for i := range queued {
		queued[i] = &trackedUnit{}
		_, err := d.Submit(queued[i])
		require.NoError(t, err)
	}

	stopped := make(chan struct{})
	go func() {
		_ = d.Stop()
		close(stopped)
	}()

	// Queued units are aborted before the running one finishes.
	assert.Eventually(t, func() bool {
		for _, u := range queued {
			if u.aborted.Load() != 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	for _, u := range queued {
		assert.ErrorIs(t, u.abortReason(), ErrShutdown)
		assert.Equal(t, int32(0), u.processed.Load())
	}

	release()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	late := &trackedUnit{}
	_, err = d.Submit(late)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, int32(1), late.aborted.Load())
	assert.False(t, d.Stats().Running)
}

func TestProcessErrors(t *testing.T) {
	t.Parallel()

	d, tel := newTestDispatcher(t, config.Dispatch{Workers: 1})
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop() }()

	errRouting := errors.New("no route")
	failing, err := d.Submit(Func{ProcessFn: func(_ *mgr.WorkerCtx) error {
		return errRouting
	}})
	require.NoError(t, err)
	panicking, err := d.Submit(Func{ProcessFn: func(_ *mgr.WorkerCtx) error {
		panic("routing table corrupted")
	}})
	require.NoError(t, err)
	ok, err := d.Submit(Func{})
	require.NoError(t, err)

	waitDone(t, failing, panicking, ok)
	assert.ErrorIs(t, failing.Err(), errRouting)
	assert.Equal(t, StateFailed, failing.State())
	assert.ErrorIs(t, panicking.Err(), mgr.ErrPanic)
	assert.Equal(t, StateFailed, panicking.State())
	assert.NoError(t, ok.Err())
	assert.Equal(t, StateProcessed, ok.State())

	assert.Equal(t, int64(1), tel.routed.Load())
	stats := d.Stats()
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, uint64(1), stats.Processed)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, config.Dispatch{Workers: 1, RateLimit: 0.1, RateBurst: 1})
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop() }()

	first, err := d.Submit(&trackedUnit{})
	require.NoError(t, err)

	limited := &trackedUnit{}
	_, err = d.Submit(limited)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(1), limited.aborted.Load())

	waitDone(t, first)
	assert.Equal(t, uint64(1), d.Stats().RateLimited)
}

func TestOverflowAlarms(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, config.Dispatch{
		Workers:        1,
		MaxQueueSize:   10,
		AlarmThreshold: 80,
	})
	sub := d.Alarms.Subscribe("test", 100)
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop() }()
	release := blockWorker(t, d)
	defer release()

	// Fill the queue and drop two units.
	for range 10 {
		_, err := d.Submit(&trackedUnit{})
		require.NoError(t, err)
	}
	for range 2 {
		_, err := d.Submit(&trackedUnit{})
		require.ErrorIs(t, err, ErrQueueFull)
	}

	stats := d.Stats()
	assert.True(t, stats.Overflow)
	assert.True(t, stats.QueueFull)
	assert.Equal(t, uint64(2), stats.DroppedSinceLastOverflow)

	states := d.States().Export()
	require.Len(t, states.States, 2)

	release()

	var alarms []Alarm
	assert.Eventually(t, func() bool {
		for {
			select {
			case a := <-sub.Events():
				alarms = append(alarms, a)
			default:
				return len(alarms) >= 4
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, alarms, 4)

	assert.Equal(t, AlarmOverflow, alarms[0].Kind)
	assert.Equal(t, 8, alarms[0].QueueLength)
	assert.Equal(t, AlarmQueueFull, alarms[1].Kind)
	assert.Equal(t, uint64(1), alarms[1].Dropped)
	assert.Equal(t, AlarmQueueOK, alarms[2].Kind)
	assert.Equal(t, uint64(2), alarms[2].Dropped)
	assert.Equal(t, AlarmCleared, alarms[3].Kind)
	assert.Equal(t, 7, alarms[3].QueueLength)
	assert.Equal(t, uint64(2), alarms[3].Dropped)

	assert.Eventually(t, func() bool {
		return d.QueueLength() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, d.States().Export().States)
	assert.Equal(t, uint64(0), d.Stats().DroppedSinceLastOverflow)
}

func TestScheduledTasks(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, config.Dispatch{Workers: 1})
	counter := ratemon.NewCounter()
	require.NoError(t, d.AddScheduledTask(ratemon.NewRotator(counter, ratemon.WithPeriod(10*time.Millisecond))))

	// Nothing rotates before the dispatcher runs.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, uint64(0), counter.Rotations())

	require.NoError(t, d.Start())
	assert.Eventually(t, func() bool {
		return counter.Rotations() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Stop())
	// A tick may still be in flight.
	time.Sleep(50 * time.Millisecond)
	rotations := counter.Rotations()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, rotations, counter.Rotations())
}

func TestExactlyOnceUnderCancellation(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, config.Dispatch{
		Workers:       8,
		MaxQueueSize:  50,
		DiscardPolicy: config.DiscardOldest,
	})
	require.NoError(t, d.Start())

	const producers, perProducer = 8, 500
	units := make([]*trackedUnit, producers*perProducer)
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				u := &trackedUnit{}
				units[p*perProducer+i] = u
				ticket, _ := d.Submit(u)
				if i%3 == 0 {
					ticket.Cancel()
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, d.Stop())

	for i, u := range units {
		require.Equal(t, int32(1), u.terminalCalls(), "unit %d", i)
	}
	stats := d.Stats()
	assert.Equal(t, uint64(producers*perProducer), stats.Submitted)
	assert.Equal(t, stats.Submitted, stats.Processed+stats.Aborted)
}

// panickyTelemetry panics on the first increment only.
type panickyTelemetry struct {
	calls atomic.Int32
}

func (pt *panickyTelemetry) IncrementCallsRouted() {
	if pt.calls.Add(1) == 1 {
		panic("telemetry unavailable")
	}
}

func TestCollaboratorPanic(t *testing.T) {
	t.Parallel()

	tel := &panickyTelemetry{}
	d, err := New("Dispatch Panic Test", tel, config.Dispatch{Workers: 1}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start())

	first, err := d.Submit(&trackedUnit{})
	require.NoError(t, err)
	waitDone(t, first)
	assert.Equal(t, StateFailed, first.State())
	require.ErrorIs(t, first.Err(), mgr.ErrPanic)

	// The same worker keeps going.
	second, err := d.Submit(&trackedUnit{})
	require.NoError(t, err)
	waitDone(t, second)
	assert.Equal(t, StateProcessed, second.State())
	require.NoError(t, second.Err())

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Processed)

	started := time.Now()
	require.NoError(t, d.Stop())
	assert.Less(t, time.Since(started), 5*time.Second, "stop must not wait for lost workers")
}

func TestMonitorEvaluatesAlarms(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, config.Dispatch{
		Workers:        1,
		MaxQueueSize:   10,
		AlarmThreshold: 80,
	})
	sub := d.Alarms.Subscribe("test", 10)

	// Fill the queue behind the back of the alarm evaluation.
	d.lock.Lock()
	for range 9 {
		rejected, _ := d.queue.push(newTicket(d, &trackedUnit{}))
		require.Nil(t, rejected)
	}
	d.lock.Unlock()
	assert.Empty(t, d.States().Export().States)

	require.NoError(t, d.monitorQueue(nil))
	select {
	case a := <-sub.Events():
		assert.Equal(t, AlarmOverflow, a.Kind)
		assert.Equal(t, 9, a.QueueLength)
	case <-time.After(time.Second):
		t.Fatal("no alarm after monitor sample")
	}
	require.Len(t, d.States().Export().States, 1)
	assert.Equal(t, 9, d.Stats().QueueLength)
}

// tickTask records its runs.
type tickTask struct {
	delay delay.Value
	runs  atomic.Int32
}

func (tt *tickTask) TaskName() string       { return "test task" }
func (tt *tickTask) TaskDelay() delay.Value { return tt.delay }
func (tt *tickTask) Tick(_ *mgr.WorkerCtx) error {
	tt.runs.Add(1)
	return nil
}

func TestScheduledTaskDelay(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, config.Dispatch{Workers: 1})

	// Below the scheduler resolution.
	err := d.AddScheduledTask(&tickTask{delay: delay.MustNew(999, time.Microsecond)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below one millisecond")
	require.ErrorIs(t, d.AddScheduledTask(&tickTask{}), delay.ErrInvalidUnit)

	// 15000us is taken as 15ms.
	task := &tickTask{delay: delay.MustNew(15000, time.Microsecond)}
	period, err := taskPeriod(task)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Millisecond, period)
	require.NoError(t, d.AddScheduledTask(task))

	require.NoError(t, d.Start())
	defer func() { _ = d.Stop() }()
	assert.Eventually(t, func() bool {
		return task.runs.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// Tasks added while running are scheduled right away.
	late := &tickTask{delay: delay.MustNew(1, time.Hour)}
	require.NoError(t, d.AddScheduledTask(late))
	require.NoError(t, d.AddScheduledTask(ratemon.NewRotator(ratemon.NewCounter(), ratemon.WithDelay(delay.MustNew(2, time.Second)))))
	assert.Len(t, d.scheduled, 3)
}
