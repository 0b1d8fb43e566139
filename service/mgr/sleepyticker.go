package mgr

import (
	"sync"
	"time"
)

// SleepyTicker is a time.Ticker that ticks slower, or not at all, while in
// sleep mode.
type SleepyTicker struct {
	ticker *time.Ticker
	awake  time.Duration
	asleep time.Duration

	lock     sync.Mutex
	sleeping bool
	never    chan time.Time
}

// NewSleepyTicker returns a ticker that ticks every awake duration and every
// asleep duration while sleeping. An asleep duration of zero pauses the ticker
// during sleep.
func NewSleepyTicker(awake, asleep time.Duration) *SleepyTicker {
	return &SleepyTicker{
		ticker: time.NewTicker(awake),
		awake:  awake,
		asleep: asleep,
		never:  make(chan time.Time),
	}
}

// Wait returns the channel that delivers the next tick.
func (st *SleepyTicker) Wait() <-chan time.Time {
	st.lock.Lock()
	defer st.lock.Unlock()

	if st.sleeping && st.asleep <= 0 {
		return st.never
	}
	return st.ticker.C
}

// Stop stops the ticker. The tick channel is not closed.
func (st *SleepyTicker) Stop() {
	st.ticker.Stop()
}

// SetSleep switches sleep mode on or off.
func (st *SleepyTicker) SetSleep(enabled bool) {
	st.lock.Lock()
	defer st.lock.Unlock()

	if st.sleeping == enabled {
		return
	}
	st.sleeping = enabled

	switch {
	case !enabled:
		st.ticker.Reset(st.awake)
	case st.asleep > 0:
		st.ticker.Reset(st.asleep)
	}
}
