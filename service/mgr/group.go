package mgr

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrUnsuitableGroupState is returned when the group cannot be started or
	// stopped from its current state.
	ErrUnsuitableGroupState = errors.New("unsuitable group state")

	// ErrInvalidGroupState is returned when a previous start or stop failed
	// halfway and the group cannot be used anymore.
	ErrInvalidGroupState = errors.New("invalid group state")
)

// Module is a component with a manager that can be started and stopped.
type Module interface {
	Manager() *Manager
	Start() error
	Stop() error
}

type groupState int32

const (
	groupOff groupState = iota
	groupStarting
	groupRunning
	groupStopping
	groupInvalid
)

func (s groupState) String() string {
	switch s {
	case groupOff:
		return "off"
	case groupStarting:
		return "starting"
	case groupRunning:
		return "running"
	case groupStopping:
		return "stopping"
	case groupInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Group starts modules in order and stops them in reverse order.
type Group struct {
	modules []Module
	state   atomic.Int32
}

// NewGroup returns a group of the given modules. Nil modules are skipped.
func NewGroup(modules ...Module) *Group {
	g := &Group{}
	for _, m := range modules {
		g.Add(m)
	}
	return g
}

// Add adds a module to the group. Nil modules, including typed nil pointers,
// and modules without a manager are ignored.
// All modules must be added before the group is used.
func (g *Group) Add(m Module) {
	if m == nil {
		return
	}
	if v := reflect.ValueOf(m); v.Kind() == reflect.Pointer && v.IsNil() {
		return
	}

	mgr := m.Manager()
	if mgr == nil {
		return
	}
	if mgr.Name() == "" {
		mgr.rename(strings.TrimPrefix(fmt.Sprintf("%T", m), "*"))
	}
	g.modules = append(g.modules, m)
}

func (g *Group) getState() groupState {
	return groupState(g.state.Load())
}

func (g *Group) setState(s groupState) {
	g.state.Store(int32(s))
}

// transition moves the group from one state to another, if it is in the
// expected state. Reports whether there is anything to do.
func (g *Group) transition(from, via, done groupState) (proceed bool, err error) {
	switch current := g.getState(); current {
	case done:
		return false, nil
	case groupInvalid:
		return false, fmt.Errorf("%w: cannot recover", ErrInvalidGroupState)
	default:
		if !g.state.CompareAndSwap(int32(from), int32(via)) {
			return false, fmt.Errorf("%w: group is %s", ErrUnsuitableGroupState, current)
		}
		return true, nil
	}
}

// Start starts all modules in order. If a module fails to start, it and all
// modules before it are stopped again.
func (g *Group) Start() error {
	if proceed, err := g.transition(groupOff, groupStarting, groupRunning); !proceed {
		return err
	}

	for i, m := range g.modules {
		mgr := m.Manager()
		started := time.Now()
		if err := mgr.Do("start module "+mgr.name, func(_ *WorkerCtx) error {
			return m.Start()
		}); err != nil {
			mgr.Error("failed to start", "err", err, "time", time.Since(started))
			if g.stopFrom(i) {
				g.setState(groupOff)
			} else {
				g.setState(groupInvalid)
			}
			return fmt.Errorf("failed to start %s: %w", mgr.name, err)
		}
		mgr.Info("started", "time", time.Since(started))
	}

	g.setState(groupRunning)
	return nil
}

// Stop stops all modules in reverse order.
func (g *Group) Stop() error {
	if proceed, err := g.transition(groupRunning, groupStopping, groupOff); !proceed {
		return err
	}

	if !g.stopFrom(len(g.modules) - 1) {
		g.setState(groupInvalid)
		return errors.New("failed to stop")
	}
	g.setState(groupOff)
	return nil
}

// stopFrom stops the modules from the given index down to the first one and
// resets all managers for a later start.
func (g *Group) stopFrom(index int) (ok bool) {
	ok = true
	for i := index; i >= 0; i-- {
		if !stopModule(g.modules[i]) {
			ok = false
		}
	}

	for _, m := range g.modules {
		m.Manager().Reset()
	}
	return ok
}

func stopModule(m Module) bool {
	mgr := m.Manager()
	started := time.Now()

	err := mgr.Do("stop module "+mgr.name, func(_ *WorkerCtx) error {
		return m.Stop()
	})
	if err != nil {
		mgr.Error("failed to stop", "err", err, "time", time.Since(started))
	}

	mgr.Cancel()
	if !mgr.WaitForWorkers(0) {
		mgr.Error("workers did not finish", "workerCnt", mgr.running.Load(), "time", time.Since(started))
		return false
	}
	mgr.Info("stopped", "time", time.Since(started))
	return err == nil
}

// Ready reports whether all modules are started and running.
func (g *Group) Ready() bool {
	return g.getState() == groupRunning
}

// GetStates returns the states of all modules that report states.
func (g *Group) GetStates() []StateUpdate {
	updates := make([]StateUpdate, 0, len(g.modules))
	for _, m := range g.modules {
		if sm, ok := m.(StatefulModule); ok {
			updates = append(updates, sm.States().Export())
		}
	}
	return updates
}

// WorkerInfo returns the combined worker info of all modules.
func (g *Group) WorkerInfo() (*WorkerInfo, error) {
	snapshot, err := TakeStackSnapshot()
	if err != nil {
		return nil, err
	}

	infos := make([]*WorkerInfo, 0, len(g.modules))
	for _, m := range g.modules {
		var info *WorkerInfo
		if wim, ok := m.(WorkerInfoModule); ok {
			info, err = wim.WorkerInfo(snapshot)
		} else {
			info, err = m.Manager().WorkerInfo(snapshot)
		}
		if err != nil {
			return nil, fmt.Errorf("get worker info of %s: %w", m.Manager().name, err)
		}
		infos = append(infos, info)
	}
	return MergeWorkerInfo(infos...), nil
}

// Modules returns a copy of the module list.
func (g *Group) Modules() []Module {
	return append([]Module(nil), g.modules...)
}
