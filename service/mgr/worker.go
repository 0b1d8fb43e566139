package mgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/maruel/panicparse/v2/stack"
)

// Restart backoff of failed workers started with Go.
const (
	minRestartBackoff = 2 * time.Second
	maxRestartBackoff = time.Minute
)

// ErrPanic is wrapped by errors returned by workers that panicked.
var ErrPanic = errors.New("panic")

type workerCtxKey struct{}

// WorkerCtxContextKey is the context key under which AddToCtx stores the
// WorkerCtx.
var WorkerCtxContextKey = workerCtxKey{}

// WorkerCtx is handed to every worker function. It carries the worker context,
// which is canceled when the function returns, and a logger.
type WorkerCtx struct {
	name string
	fn   func(w *WorkerCtx) error

	ctx    context.Context
	cancel context.CancelFunc

	scheduler *WorkerMgr
	logger    *slog.Logger
}

func (m *Manager) newWorkerCtx(name string, fn func(w *WorkerCtx) error) *WorkerCtx {
	return &WorkerCtx{
		name:   name,
		fn:     fn,
		ctx:    m.Ctx(),
		logger: m.logger.With("worker", name),
	}
}

// AddToCtx returns a copy of ctx that carries the WorkerCtx.
func (w *WorkerCtx) AddToCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, WorkerCtxContextKey, w)
}

// WorkerFromCtx returns the WorkerCtx carried by ctx, if any.
func WorkerFromCtx(ctx context.Context) *WorkerCtx {
	w, _ := ctx.Value(WorkerCtxContextKey).(*WorkerCtx)
	return w
}

// Name returns the worker name.
func (w *WorkerCtx) Name() string {
	return w.name
}

// Ctx returns the worker context.
func (w *WorkerCtx) Ctx() context.Context {
	return w.ctx
}

// Cancel cancels the worker context.
func (w *WorkerCtx) Cancel() {
	if w.cancel != nil {
		w.cancel()
	}
}

// WorkerMgr returns the scheduler that runs the worker, or nil.
func (w *WorkerCtx) WorkerMgr() *WorkerMgr {
	return w.scheduler
}

// Done returns the Done channel of the worker context.
func (w *WorkerCtx) Done() <-chan struct{} {
	return w.ctx.Done()
}

// IsDone reports whether the worker context is canceled.
func (w *WorkerCtx) IsDone() bool {
	return w.ctx.Err() != nil
}

// Logger returns the worker logger.
func (w *WorkerCtx) Logger() *slog.Logger {
	return w.logger
}

// Debug logs at LevelDebug with the worker context.
func (w *WorkerCtx) Debug(msg string, args ...any) {
	emit(w.ctx, w.logger, slog.LevelDebug, msg, args)
}

// Info logs at LevelInfo with the worker context.
func (w *WorkerCtx) Info(msg string, args ...any) {
	emit(w.ctx, w.logger, slog.LevelInfo, msg, args)
}

// Warn logs at LevelWarn with the worker context.
func (w *WorkerCtx) Warn(msg string, args ...any) {
	emit(w.ctx, w.logger, slog.LevelWarn, msg, args)
}

// Error logs at LevelError with the worker context.
func (w *WorkerCtx) Error(msg string, args ...any) {
	emit(w.ctx, w.logger, slog.LevelError, msg, args)
}

// Go runs fn in a new goroutine as a worker.
// Panics are recovered. If fn fails, it is restarted with an increasing
// backoff until it returns nil or the manager is canceled.
func (m *Manager) Go(name string, fn func(w *WorkerCtx) error) {
	w := m.newWorkerCtx(name, fn)
	m.workerStarted(w)
	go m.supervise(w)
}

func (m *Manager) supervise(w *WorkerCtx) {
	defer m.workerFinished(w)

	var (
		backoff  = minRestartBackoff / 2
		failures int
	)
	for {
		w.ctx = m.Ctx()
		location, err := m.execute(w)
		if finished(err) {
			return
		}
		if m.IsDone() {
			w.Error("worker failed", "err", err, "file", location)
			return
		}

		failures++
		backoff = min(2*backoff, maxRestartBackoff)
		w.Error(
			"worker failed, restarting",
			"failCnt", failures,
			"backoff", backoff,
			"err", err,
			"file", location,
		)

		select {
		case <-time.After(backoff):
		case <-m.Done():
			return
		}
	}
}

// Do runs fn in the current goroutine as a worker and returns its error.
// Panics are recovered and returned as an error wrapping ErrPanic.
func (m *Manager) Do(name string, fn func(w *WorkerCtx) error) error {
	w := m.newWorkerCtx(name, fn)
	m.workerStarted(w)
	defer m.workerFinished(w)

	location, err := m.execute(w)
	if !finished(err) {
		w.Error("worker failed", "err", err, "file", location)
	}
	return err
}

// finished reports whether a worker returning err ended regularly.
func finished(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// execute runs the worker function within its own cancelable context.
// If the function panics, the source location of the panic is returned.
func (m *Manager) execute(w *WorkerCtx) (location string, err error) {
	w.ctx, w.cancel = context.WithCancel(w.ctx)
	defer w.Cancel()

	defer func() {
		if v := recover(); v != nil {
			trace := debug.Stack()
			err = fmt.Errorf("%w: %v", ErrPanic, v)
			location = PanicLocation(trace)
			fmt.Fprintf(os.Stderr, "===== PANIC in %s/%s =====\n%v\n\n%s===== END =====\n", m.name, w.name, v, trace)
		}
	}()

	return "", w.fn(w)
}

// PanicLocation returns file and line of the frame that panicked, as found in
// the given stack trace, or an empty string.
func PanicLocation(trace []byte) string {
	snapshot, _, err := stack.ScanSnapshot(bytes.NewReader(trace), io.Discard, stack.DefaultOpts())
	if snapshot == nil || (err != nil && !errors.Is(err, io.EOF)) {
		return ""
	}

	for _, gr := range snapshot.Goroutines {
		calls := gr.Stack.Calls
		for i, call := range calls {
			if call.Func.Name != "panic" && call.Func.Complete != "panic" {
				continue
			}
			// The first non-runtime frame below panic is the culprit.
			for _, c := range calls[i+1:] {
				if c.Func.ImportPath != "runtime" {
					return c.SrcName + ":" + strconv.Itoa(c.Line)
				}
			}
		}
	}
	return ""
}
