package dispatch

import (
	"fmt"
	"math"
	"time"

	"github.com/safing/routemon/service/mgr"
)

// AlarmKind is the type of a dispatch queue alarm.
type AlarmKind string

// Alarm kinds.
const (
	// AlarmOverflow is raised when the queue length reaches the alarm threshold.
	AlarmOverflow AlarmKind = "overflow"
	// AlarmCleared is raised when the queue length falls to the clear level
	// after an overflow.
	AlarmCleared AlarmKind = "cleared"
	// AlarmQueueFull is raised when the first unit is dropped because the
	// queue is full.
	AlarmQueueFull AlarmKind = "queue-full"
	// AlarmQueueOK is raised when a full queue falls below the alarm
	// threshold again.
	AlarmQueueOK AlarmKind = "queue-ok"
)

// State IDs.
const (
	StateIDOverflow  = "dispatch:overflow"
	StateIDQueueFull = "dispatch:queue-full"
)

// Alarm describes a change in the queue overflow situation.
type Alarm struct {
	Kind       AlarmKind `json:"kind"`
	Dispatcher string    `json:"dispatcher"`
	Time       time.Time `json:"time"`

	QueueLength   int `json:"queueLength"`
	QueueCapacity int `json:"queueCapacity"`

	// Dropped holds the units dropped since the overflow began.
	Dropped uint64 `json:"dropped"`
}

// overflowState tracks the overflow situation of the queue.
// It is guarded by the dispatcher lock.
type overflowState struct {
	thresholdExceeded bool
	queueFull         bool
	// droppedSinceLastOverflow is reset when an overflow begins.
	droppedSinceLastOverflow uint64

	// Queue length sampling.
	sampledTotal int64
	samples      int64
	lastSample   int
}

// recordDrop counts a dropped unit and marks the queue as full.
func (o *overflowState) recordDrop() {
	if !o.queueFull && !o.thresholdExceeded {
		o.droppedSinceLastOverflow = 0
	}
	o.droppedSinceLastOverflow++
}

// checkOverflowLocked updates the overflow state after the queue changed and
// emits the resulting alarms. The dispatcher lock must be held, so that
// alarms and states are published in order.
func (d *Dispatcher) checkOverflowLocked() {
	d.emit(d.overflowAlarmsLocked())
}

func (d *Dispatcher) overflowAlarmsLocked() []Alarm {
	q := d.queue
	o := &d.overflow
	var alarms []Alarm

	newAlarm := func(kind AlarmKind) Alarm {
		return Alarm{
			Kind:          kind,
			Dispatcher:    d.name,
			Time:          time.Now(),
			QueueLength:   q.len(),
			QueueCapacity: q.capacity,
			Dropped:       o.droppedSinceLastOverflow,
		}
	}

	// Queue full is only reached through a drop.
	if !o.queueFull && o.droppedSinceLastOverflow > 0 && q.len() >= q.capacity {
		o.queueFull = true
		alarms = append(alarms, newAlarm(AlarmQueueFull))
	}

	if q.aboveThreshold() {
		if !o.thresholdExceeded {
			o.thresholdExceeded = true
			if !o.queueFull {
				o.droppedSinceLastOverflow = 0
			}
			alarms = append(alarms, newAlarm(AlarmOverflow))
		}
		return alarms
	}

	// Below the upper threshold.
	if o.queueFull && (q.upperCount >= 0 || q.len() < q.capacity) {
		o.queueFull = false
		alarms = append(alarms, newAlarm(AlarmQueueOK))
	}
	if o.thresholdExceeded && q.belowThreshold() {
		o.thresholdExceeded = false
		alarms = append(alarms, newAlarm(AlarmCleared))
	}
	if !o.queueFull && !o.thresholdExceeded {
		o.droppedSinceLastOverflow = 0
	}

	return alarms
}

// emit publishes alarms and updates the module states accordingly.
// Neither blocks on subscribers.
func (d *Dispatcher) emit(alarms []Alarm) {
	for _, a := range alarms {
		switch a.Kind {
		case AlarmOverflow:
			d.mgr.Warn("dispatch queue above threshold", "length", a.QueueLength, "capacity", a.QueueCapacity)
			d.states.Add(mgr.State{
				ID:      StateIDOverflow,
				Name:    "Dispatch Queue Overflow",
				Message: fmt.Sprintf("The dispatch queue is above %d%% of its capacity.", d.cfg.AlarmThreshold),
				Type:    mgr.StateTypeWarning,
				Time:    a.Time,
				Data:    a,
			})
		case AlarmCleared:
			d.mgr.Info("dispatch queue back to normal", "length", a.QueueLength, "dropped", a.Dropped)
			d.states.Remove(StateIDOverflow)
		case AlarmQueueFull:
			d.mgr.Warn("dispatch queue full, dropping units", "capacity", a.QueueCapacity, "policy", d.cfg.DiscardPolicy)
			d.states.Add(mgr.State{
				ID:      StateIDQueueFull,
				Name:    "Dispatch Queue Full",
				Message: "The dispatch queue is full and units are being dropped.",
				Type:    mgr.StateTypeError,
				Time:    a.Time,
				Data:    a,
			})
		case AlarmQueueOK:
			d.mgr.Info("dispatch queue accepting units again", "dropped", a.Dropped)
			d.states.Remove(StateIDQueueFull)
		}
		d.Alarms.Submit(a)
	}
}

// monitorQueue samples the queue length for the average queue size and
// re-evaluates the overflow alarms.
func (d *Dispatcher) monitorQueue(_ *mgr.WorkerCtx) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.sampleLocked()
	d.checkOverflowLocked()
	return nil
}

func (d *Dispatcher) sampleLocked() {
	o := &d.overflow
	size := d.queue.len()
	o.lastSample = size

	// Restart the average before it overflows.
	if o.samples == math.MaxInt32 || int64(size) > math.MaxInt64-o.sampledTotal {
		o.sampledTotal = int64(o.averageSize())
		o.samples = 1
		return
	}
	o.sampledTotal += int64(size)
	o.samples++
}

func (o *overflowState) averageSize() float64 {
	if o.samples == 0 {
		return 0
	}
	return float64(o.sampledTotal) / float64(o.samples)
}
