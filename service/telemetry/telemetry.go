package telemetry

import (
	"errors"
	"time"

	"github.com/safing/routemon/base/api"
	"github.com/safing/routemon/base/metrics"
	"github.com/safing/routemon/service/mgr"
	"github.com/safing/routemon/service/ratemon"
)

// Telemetry is the calls routed telemetry of one dispatcher.
// It is created once and handed to everything that reports or reads routed
// calls.
type Telemetry struct {
	mgr *mgr.Manager

	counter *ratemon.Counter
	rotator *ratemon.Rotator
	total   *metrics.Counter

	// Snapshots receives a snapshot after every rotation.
	Snapshots *mgr.EventMgr[Snapshot]
}

// Snapshot is a point in time view of the routed calls.
type Snapshot struct {
	Time      time.Time `json:"time"`
	Current   int64     `json:"current"`
	Average   float64   `json:"average"`
	Max       int64     `json:"max"`
	Total     uint64    `json:"total"`
	Rotations uint64    `json:"rotations"`
	LateTicks uint64    `json:"lateTicks"`
	// Window holds the closed samples, oldest first.
	Window []int64 `json:"window"`
}

// New returns a new telemetry instance. Its metrics are registered with
// registry. If a is not nil, the API endpoints are registered too.
func New(registry *metrics.Registry, a *api.API, opts ...ratemon.RotatorOption) (*Telemetry, error) {
	if registry == nil {
		return nil, errors.New("telemetry: missing metrics registry")
	}

	m := mgr.New("Telemetry")
	counter := ratemon.NewCounter()
	t := &Telemetry{
		mgr:       m,
		counter:   counter,
		rotator:   ratemon.NewRotator(counter, opts...),
		Snapshots: mgr.NewEventMgr[Snapshot]("calls routed", m),
	}
	t.rotator.OnRotate(t.publishSnapshot)

	if err := t.registerMetrics(registry); err != nil {
		return nil, err
	}
	if a != nil {
		if err := t.registerAPI(a); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Manager returns the module manager.
func (t *Telemetry) Manager() *mgr.Manager {
	return t.mgr
}

// Start starts the module.
// Rotation is driven by whoever schedules the Rotator.
func (t *Telemetry) Start() error {
	return nil
}

// Stop stops the module.
func (t *Telemetry) Stop() error {
	return nil
}

// Rotator returns the rotator that closes the rate window.
func (t *Telemetry) Rotator() *ratemon.Rotator {
	return t.rotator
}

// IncrementCallsRouted records one successfully routed call.
func (t *Telemetry) IncrementCallsRouted() {
	t.counter.Increment()
	t.total.Inc()
}

// CallsRouted returns the calls routed in the last closed second.
func (t *Telemetry) CallsRouted() int64 {
	return t.counter.CurrentRate()
}

// CallsRoutedAvg returns the mean of the last 60 closed seconds.
func (t *Telemetry) CallsRoutedAvg() float64 {
	return t.counter.AverageRate()
}

// CallsRoutedMax returns the peak of the last 60 closed seconds.
func (t *Telemetry) CallsRoutedMax() int64 {
	return t.counter.MaxRate()
}

// CallsRoutedTotal returns all calls routed, including the ones counted
// before a restart if metric persistence is enabled.
func (t *Telemetry) CallsRoutedTotal() uint64 {
	return t.total.Get()
}

// Snapshot returns the current state.
func (t *Telemetry) Snapshot() Snapshot {
	return Snapshot{
		Time:      time.Now(),
		Current:   t.counter.CurrentRate(),
		Average:   t.counter.AverageRate(),
		Max:       t.counter.MaxRate(),
		Total:     t.total.Get(),
		Rotations: t.counter.Rotations(),
		LateTicks: t.rotator.LateTicks(),
		Window:    t.counter.Samples(),
	}
}

func (t *Telemetry) publishSnapshot(_ int64) {
	t.Snapshots.Submit(t.Snapshot())
}
