package mgr

import (
	"slices"
	"sync"
	"time"
)

// StatefulModule is implemented by modules that report states.
type StatefulModule interface {
	States() *StateMgr
}

// State is a condition of a module that is worth reporting, such as an
// overload.
type State struct {
	ID      string
	Name    string
	Message string    `json:",omitempty"`
	Type    StateType `json:",omitempty"`
	// Time is set when the state is added, if empty.
	Time time.Time
	Data any `json:",omitempty"`
}

// StateType is the severity of a state.
type StateType string

// State types.
const (
	StateTypeUndefined = ""
	StateTypeHint      = "hint"
	StateTypeWarning   = "warning"
	StateTypeError     = "error"
)

// StateUpdate holds all current states of a module.
type StateUpdate struct {
	Module string
	States []State
}

// StateMgr holds the states of a module and publishes every change.
type StateMgr struct {
	mgr *Manager

	lock   sync.Mutex
	states []State

	updates *EventMgr[StateUpdate]
}

// NewStateMgr returns a new state manager for the module of m.
func NewStateMgr(m *Manager) *StateMgr {
	return &StateMgr{
		mgr:     m,
		updates: NewEventMgr[StateUpdate]("state update", m),
	}
}

// change applies fn to the states and publishes the result, if fn reports a
// change.
func (sm *StateMgr) change(fn func(states []State) ([]State, bool)) bool {
	sm.lock.Lock()
	var changed bool
	sm.states, changed = fn(sm.states)
	update := sm.export()
	sm.lock.Unlock()

	if changed {
		sm.updates.Submit(update)
	}
	return changed
}

// Add adds a state, replacing a state with the same ID.
func (sm *StateMgr) Add(s State) {
	if s.Time.IsZero() {
		s.Time = time.Now()
	}

	sm.change(func(states []State) ([]State, bool) {
		if i := slices.IndexFunc(states, func(existing State) bool { return existing.ID == s.ID }); i >= 0 {
			states[i] = s
			return states, true
		}
		return append(states, s), true
	})
}

// Remove removes the state with the given ID and reports whether it existed.
func (sm *StateMgr) Remove(id string) bool {
	return sm.change(func(states []State) ([]State, bool) {
		before := len(states)
		states = slices.DeleteFunc(states, func(s State) bool { return s.ID == id })
		return states, len(states) != before
	})
}

// Clear removes all states.
func (sm *StateMgr) Clear() {
	sm.change(func([]State) ([]State, bool) {
		return nil, true
	})
}

// Export returns a copy of the current states.
func (sm *StateMgr) Export() StateUpdate {
	sm.lock.Lock()
	defer sm.lock.Unlock()

	return sm.export()
}

func (sm *StateMgr) export() StateUpdate {
	var module string
	if sm.mgr != nil {
		module = sm.mgr.name
	}
	return StateUpdate{
		Module: module,
		States: slices.Clone(sm.states),
	}
}

// Subscribe subscribes to state updates.
func (sm *StateMgr) Subscribe(subscriberName string, chanSize int) *EventSubscription[StateUpdate] {
	return sm.updates.Subscribe(subscriberName, chanSize)
}

// AddCallback adds a callback for state updates.
func (sm *StateMgr) AddCallback(callbackName string, callback EventCallbackFunc[StateUpdate]) {
	sm.updates.AddCallback(callbackName, callback)
}
