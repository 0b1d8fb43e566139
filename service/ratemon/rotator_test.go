package ratemon

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/routemon/base/delay"
	"github.com/safing/routemon/service/mgr"
)

func TestRotatorTick(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	r := NewRotator(c)
	assert.Equal(t, DefaultPeriod, r.Period())

	var (
		lock   sync.Mutex
		closed []int64
	)
	r.OnRotate(func(v int64) {
		lock.Lock()
		defer lock.Unlock()
		closed = append(closed, v)
	})

	c.Add(3)
	require.NoError(t, r.Tick(nil))
	require.NoError(t, r.Tick(nil))

	assert.Equal(t, []int64{3, 0}, closed)
	assert.Equal(t, int64(0), c.CurrentRate())
	assert.Equal(t, int64(3), c.MaxRate())
}

func TestRotatorLateTicks(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	c := NewCounter()
	r := NewRotator(c, WithPeriod(time.Second), WithClock(clock))

	require.NoError(t, r.Tick(nil))
	now = now.Add(time.Second)
	require.NoError(t, r.Tick(nil))
	assert.Equal(t, uint64(0), r.LateTicks())

	// A delayed tick is counted, but still writes only one slot.
	c.Add(10)
	now = now.Add(3 * time.Second)
	require.NoError(t, r.Tick(nil))
	assert.Equal(t, uint64(1), r.LateTicks())
	assert.Equal(t, uint64(3), c.Rotations())
	assert.Equal(t, int64(10), c.CurrentRate())
}

func TestRotatorSchedule(t *testing.T) {
	t.Parallel()

	m := mgr.New("RotatorTest")
	defer m.Cancel()

	c := NewCounter()
	r := NewRotator(c, WithPeriod(20*time.Millisecond))

	var rotations atomic.Int32
	r.OnRotate(func(int64) { rotations.Add(1) })

	c.Add(42)
	wm := r.Schedule(m)

	deadline := time.Now().Add(2 * time.Second)
	for rotations.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, rotations.Load(), int32(3))
	assert.Equal(t, int64(42), c.MaxRate())

	// Stopping the schedule stops the rotation.
	wm.Stop()
	deadline = time.Now().Add(time.Second)
	for !wm.Stopped() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, wm.Stopped())
	time.Sleep(50 * time.Millisecond) // Let a tick that was already running finish.
	stoppedAt := c.Rotations()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, stoppedAt, c.Rotations())
}

func TestRotatorTaskDelay(t *testing.T) {
	t.Parallel()

	r := NewRotator(NewCounter())
	assert.Equal(t, TaskName, r.TaskName())
	ms, err := r.TaskDelay().Get(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), ms)

	r = NewRotator(NewCounter(), WithDelay(delay.MustNew(2, time.Second)))
	assert.Equal(t, int64(2), r.TaskDelay().Magnitude())
	assert.Equal(t, time.Second, r.TaskDelay().Unit())
	assert.Equal(t, 2*time.Second, r.Period())

	r = NewRotator(NewCounter(), WithPeriod(1500*time.Microsecond))
	assert.Equal(t, time.Nanosecond, r.TaskDelay().Unit())
	assert.Equal(t, 1500*time.Microsecond, r.Period())

	// Invalid values keep the default.
	r = NewRotator(NewCounter(), WithDelay(delay.Value{}), WithPeriod(-time.Second))
	assert.Equal(t, DefaultPeriod, r.Period())
}

func TestRotatorRescheduleIsNotLate(t *testing.T) {
	t.Parallel()

	m := mgr.New("RotatorRescheduleTest")
	defer m.Cancel()

	now := time.Unix(1_700_000_000, 0)
	var lock sync.Mutex
	clock := func() time.Time {
		lock.Lock()
		defer lock.Unlock()
		return now
	}
	r := NewRotator(NewCounter(), WithPeriod(time.Hour), WithClock(clock))

	// Run single ticks on two different schedules with a long pause between.
	for range 2 {
		wm := m.Delay(TaskName, time.Millisecond, r.Tick)
		assert.Eventually(t, wm.Stopped, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, uint64(1), wm.Runs())

		lock.Lock()
		now = now.Add(10 * time.Hour)
		lock.Unlock()
	}
	assert.Equal(t, uint64(0), r.LateTicks())
}
