// Package ratemon measures how many events complete per second.
//
// Events are added to a live accumulator. Once per second the rotator closes
// the accumulator into a window of the last WindowSize per-second samples,
// from which the current, average and maximum rate are derived.
package ratemon

import (
	"sync"
	"sync/atomic"
)

// WindowSize is the number of per-second samples kept.
const WindowSize = 60

// Counter is a lock free event rate counter with a rotating window.
// Increments never block. Rotations are serialized among themselves.
type Counter struct {
	accumulator atomic.Int64

	window    [WindowSize]atomic.Int64
	index     atomic.Int64 // Next slot to write, in [0, WindowSize).
	rotations atomic.Uint64

	rotateLock sync.Mutex
}

// NewCounter returns a new counter with an empty window.
func NewCounter() *Counter {
	return &Counter{}
}

// Increment adds one event to the accumulator.
func (c *Counter) Increment() {
	c.accumulator.Add(1)
}

// Add adds n events to the accumulator. Non-positive values are ignored.
func (c *Counter) Add(n int64) {
	if n > 0 {
		c.accumulator.Add(n)
	}
}

// Pending returns the number of events in the still open accumulator.
func (c *Counter) Pending() int64 {
	return c.accumulator.Load()
}

// Rotate closes the accumulator into the current window slot and advances
// the window. The accumulator is read and reset in one atomic exchange, so
// every increment lands in exactly one slot.
// Returns the closed value.
func (c *Counter) Rotate() int64 {
	c.rotateLock.Lock()
	defer c.rotateLock.Unlock()

	closed := c.accumulator.Swap(0)
	idx := c.index.Load()
	c.window[idx].Store(closed)
	// Publish the slot before advancing, readers derive the last closed slot from the index.
	c.index.Store((idx + 1) % WindowSize)
	c.rotations.Add(1)

	return closed
}

// Rotations returns the number of rotations since creation.
func (c *Counter) Rotations() uint64 {
	return c.rotations.Load()
}

// CurrentRate returns the most recently closed sample.
// Returns 0 before the first rotation.
func (c *Counter) CurrentRate() int64 {
	idx := c.index.Load()
	return c.window[(idx-1+WindowSize)%WindowSize].Load()
}

// AverageRate returns the mean of all samples in the window.
// Slots that have not been written yet count as 0, so the average is biased
// low during the first WindowSize seconds.
func (c *Counter) AverageRate() float64 {
	var sum int64
	for i := range c.window {
		sum += c.window[i].Load()
	}
	return float64(sum) / WindowSize
}

// MaxRate returns the highest sample in the window.
func (c *Counter) MaxRate() int64 {
	var highest int64
	for i := range c.window {
		if v := c.window[i].Load(); v > highest {
			highest = v
		}
	}
	return highest
}

// Samples returns a copy of the window, ordered from oldest to newest sample.
func (c *Counter) Samples() []int64 {
	c.rotateLock.Lock()
	defer c.rotateLock.Unlock()

	samples := make([]int64, WindowSize)
	start := c.index.Load()
	for i := range samples {
		samples[i] = c.window[(start+int64(i))%WindowSize].Load()
	}
	return samples
}
