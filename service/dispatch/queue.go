package dispatch

import (
	"slices"

	"github.com/safing/routemon/base/config"
)

// growthFactor is applied to the queue capacity when a growing queue is full.
const growthFactor = 1.2

// lowerThresholdDelta is the distance in percent between the alarm threshold
// and the level at which the alarm is cleared.
const lowerThresholdDelta = 10

// queue is a FIFO of pending tickets with a capacity and a discard policy.
// It is not safe for concurrent use; the dispatcher guards it.
type queue struct {
	items    []*Ticket
	capacity int
	policy   string

	thresholdPercent int
	upperCount       int
	lowerCount       int
}

func newQueue(capacity int, policy string, thresholdPercent int) *queue {
	q := &queue{
		items:            make([]*Ticket, 0, min(capacity, 1024)),
		capacity:         capacity,
		policy:           policy,
		thresholdPercent: thresholdPercent,
	}
	q.setThresholds()
	return q
}

func (q *queue) setThresholds() {
	if q.thresholdPercent < 0 {
		q.upperCount = -1
		q.lowerCount = -1
		return
	}
	q.upperCount = max(q.thresholdPercent*q.capacity/100, 1)
	q.lowerCount = max(q.thresholdPercent-lowerThresholdDelta, 0) * q.capacity / 100
}

func (q *queue) len() int {
	return len(q.items)
}

// push adds the ticket to the end of the queue.
// If the queue is full, the discard policy decides:
// discard-newest returns the given ticket as rejected,
// discard-oldest removes and returns the oldest ticket,
// grow raises the capacity and reports grown.
func (q *queue) push(t *Ticket) (rejected *Ticket, grown bool) {
	if len(q.items) >= q.capacity {
		switch q.policy {
		case config.GrowWithoutBound:
			q.capacity = max(q.capacity+1, int(float64(q.capacity)*growthFactor))
			q.setThresholds()
			grown = true

		case config.DiscardOldest:
			rejected = q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]

		default:
			return t, false
		}
	}

	q.items = append(q.items, t)
	return rejected, grown
}

// pop removes and returns the oldest ticket, or nil if the queue is empty.
func (q *queue) pop() *Ticket {
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t
}

// remove removes the given ticket. Returns whether it was queued.
func (q *queue) remove(t *Ticket) bool {
	i := slices.Index(q.items, t)
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	return true
}

// drain removes and returns all queued tickets.
func (q *queue) drain() []*Ticket {
	drained := q.items
	q.items = nil
	return drained
}

// aboveThreshold reports whether the queue length reached the alarm threshold.
func (q *queue) aboveThreshold() bool {
	return q.upperCount >= 0 && len(q.items) >= q.upperCount
}

// belowThreshold reports whether the queue length fell to the clear level.
func (q *queue) belowThreshold() bool {
	return q.lowerCount < 0 || len(q.items) <= q.lowerCount
}
