package mgr

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"
)

// NameLogKey is the logging attribute holding the manager name.
var NameLogKey = "manager"

// defaultWaitTime is used when waiting for workers without a limit.
const defaultWaitTime = time.Minute

// Manager runs and tracks the workers of a module.
type Manager struct {
	name   string
	logger *slog.Logger

	parent  context.Context
	current atomic.Pointer[managerCtx]

	running  atomic.Int32
	finished chan struct{}

	registry workerRegistry
}

// managerCtx is swapped as a whole on Reset, as exiting workers may still
// read it.
type managerCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newManagerCtx(parent context.Context) *managerCtx {
	ctx, cancel := context.WithCancel(parent)
	return &managerCtx{ctx: ctx, cancel: cancel}
}

// New returns a new manager.
func New(name string) *Manager {
	return NewWithContext(context.Background(), name)
}

// NewWithContext returns a new manager whose context is derived from ctx.
func NewWithContext(ctx context.Context, name string) *Manager {
	m := &Manager{
		parent:   ctx,
		finished: make(chan struct{}, 1),
	}
	m.rename(name)
	m.current.Store(newManagerCtx(ctx))
	return m
}

// rename must not be called while the manager is in use.
func (m *Manager) rename(name string) {
	m.name = name
	m.logger = slog.Default().With(NameLogKey, name)
}

// Name returns the manager name.
func (m *Manager) Name() string {
	return m.name
}

// Ctx returns the manager context, which is the parent of all worker contexts.
func (m *Manager) Ctx() context.Context {
	return m.current.Load().ctx
}

// Cancel cancels the manager context and with it all workers.
func (m *Manager) Cancel() {
	m.current.Load().cancel()
}

// Done returns the Done channel of the manager context.
func (m *Manager) Done() <-chan struct{} {
	return m.Ctx().Done()
}

// IsDone reports whether the manager context is canceled.
func (m *Manager) IsDone() bool {
	return m.Ctx().Err() != nil
}

// Logger returns the manager logger.
func (m *Manager) Logger() *slog.Logger {
	return m.logger
}

// Debug logs at LevelDebug with the manager context.
func (m *Manager) Debug(msg string, args ...any) {
	emit(m.Ctx(), m.logger, slog.LevelDebug, msg, args)
}

// Info logs at LevelInfo with the manager context.
func (m *Manager) Info(msg string, args ...any) {
	emit(m.Ctx(), m.logger, slog.LevelInfo, msg, args)
}

// Warn logs at LevelWarn with the manager context.
func (m *Manager) Warn(msg string, args ...any) {
	emit(m.Ctx(), m.logger, slog.LevelWarn, msg, args)
}

// Error logs at LevelError with the manager context.
func (m *Manager) Error(msg string, args ...any) {
	emit(m.Ctx(), m.logger, slog.LevelError, msg, args)
}

// emit logs a record with the source set to the caller of the exported log
// method.
func emit(ctx context.Context, logger *slog.Logger, level slog.Level, msg string, args []any) {
	if !logger.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // runtime.Callers, emit, log method.
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = logger.Handler().Handle(ctx, r)
}

// WaitForWorkers waits until all workers of the manager have finished, for at
// most maxWait. A maxWait of zero waits up to one minute.
func (m *Manager) WaitForWorkers(maxWait time.Duration) (done bool) {
	return m.waitUntil(0, maxWait)
}

// WaitForWorkersFromStop is WaitForWorkers for use within a module Stop
// function, which runs as a worker itself and is not waited for.
func (m *Manager) WaitForWorkersFromStop(maxWait time.Duration) (done bool) {
	return m.waitUntil(1, maxWait)
}

func (m *Manager) waitUntil(remaining int32, maxWait time.Duration) bool {
	if m.running.Load() <= remaining {
		return true
	}
	if maxWait <= 0 {
		maxWait = defaultWaitTime
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	// Finish notifications may be consumed by other waiters, so poll too.
	poll := 5 * time.Millisecond
	for m.running.Load() > remaining {
		select {
		case <-m.finished:
		case <-time.After(poll):
			poll = min(2*poll, time.Second)
		case <-deadline.C:
			return m.running.Load() <= remaining
		}
	}
	return true
}

func (m *Manager) workerStarted(w *WorkerCtx) {
	m.registry.add(w)
	m.running.Add(1)
}

func (m *Manager) workerFinished(w *WorkerCtx) {
	m.registry.remove(w)
	m.running.Add(-1)

	select {
	case m.finished <- struct{}{}:
	default:
	}
}

// Reset cancels the current context and prepares the manager to be started
// again. Workers that are still exiting keep the old, canceled context.
func (m *Manager) Reset() {
	m.current.Swap(newManagerCtx(m.parent)).cancel()

	select {
	case <-m.finished:
	default:
	}
}
