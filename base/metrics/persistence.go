package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tevino/abool"
	"go.etcd.io/bbolt"
)

var (
	// ErrAlreadyInitialized is returned when trying to initialize an option
	// more than once or if the time window for initializing is over.
	ErrAlreadyInitialized = errors.New("already initialized")

	// ErrPersistenceDisabled is returned when storing without persistence.
	ErrPersistenceDisabled = errors.New("metric persistence is not enabled")

	metricsBucket = []byte("metrics")
)

type storage struct {
	db     *bbolt.DB
	key    []byte
	loaded *abool.AtomicBool

	state *storedMetrics
}

type storedMetrics struct {
	Start    time.Time         `json:"start"`
	Counters map[string]uint64 `json:"counters"`
}

// EnablePersistence enables metric persistence for metrics that opted for it.
// The metrics are stored in a bbolt database at path, under the given key.
// This call also directly loads the stored data and applies it to all
// already registered counters.
// The returned error is only about loading the metrics, not about enabling
// persistence.
// May only be called once.
func (r *Registry) EnablePersistence(path, key string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.storage != nil {
		return ErrAlreadyInitialized
	}

	db, err := bbolt.Open(path, 0o0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open metrics storage: %w", err)
	}
	s := &storage{
		db:     db,
		key:    []byte(key),
		loaded: abool.New(),
	}
	r.storage = s

	// Load metrics from storage.
	state, err := s.load()
	switch {
	case err != nil:
		return err
	case state == nil:
		// Nothing stored yet.
		return nil
	}
	s.state = state
	s.loaded.Set()

	// Load saved state for all counter metrics.
	for _, m := range r.metrics {
		if counter, ok := m.(*Counter); ok {
			s.apply(counter)
		}
	}

	return nil
}

func (r *Registry) loadCounterState(c *Counter) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if r.storage != nil {
		r.storage.apply(c)
	}
}

func (s *storage) apply(c *Counter) {
	// Check if we can and should load the state.
	if !s.loaded.IsSet() || !c.Opts().Persist {
		return
	}

	if v, ok := s.state.Counters[c.LabeledID()]; ok {
		c.Set(v)
	}
}

func (s *storage) load() (*storedMetrics, error) {
	var state *storedMetrics
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metricsBucket)
		if b == nil {
			return nil
		}
		data := b.Get(s.key)
		if data == nil {
			return nil
		}

		state = &storedMetrics{}
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics storage: %w", err)
	}
	return state, nil
}

// StorePersistentMetrics saves the value of all persisted counters.
func (r *Registry) StorePersistentMetrics() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	s := r.storage
	if s == nil {
		return ErrPersistenceDisabled
	}

	newState := &storedMetrics{
		Start:    time.Now(),
		Counters: make(map[string]uint64),
	}
	// Keep the start time of the previous version.
	if s.loaded.IsSet() {
		newState.Start = s.state.Start
	}

	// Export all counter metrics.
	for _, m := range r.metrics {
		if !m.Opts().Persist {
			continue
		}
		if counter, ok := m.(*Counter); ok {
			newState.Counters[m.LabeledID()] = counter.Get()
		}
	}

	data, err := json.Marshal(newState)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metricsBucket)
		if err != nil {
			return err
		}
		return b.Put(s.key, data)
	})
	if err != nil {
		return fmt.Errorf("failed to save metrics storage: %w", err)
	}

	s.state = newState
	s.loaded.Set()
	return nil
}

// PersistedSince returns when the persisted counters started counting.
// Returns the zero time if nothing was loaded or stored yet.
func (r *Registry) PersistedSince() time.Time {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if r.storage == nil || !r.storage.loaded.IsSet() {
		return time.Time{}
	}
	return r.storage.state.Start
}

// ClosePersistence closes the metrics storage.
func (r *Registry) ClosePersistence() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.storage == nil {
		return nil
	}
	err := r.storage.db.Close()
	r.storage = nil
	return err
}
