package mgr

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"reflect"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/maruel/panicparse/v2/stack"
)

// WorkerInfoModule is implemented by modules that report their workers
// themselves.
type WorkerInfoModule interface {
	WorkerInfo(s *stack.Snapshot) (*WorkerInfo, error)
}

// workerRegistry tracks the running workers of a manager.
type workerRegistry struct {
	lock    sync.Mutex
	workers map[*WorkerCtx]struct{}
}

func (r *workerRegistry) add(w *WorkerCtx) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.workers == nil {
		r.workers = make(map[*WorkerCtx]struct{})
	}
	r.workers[w] = struct{}{}
}

func (r *workerRegistry) remove(w *WorkerCtx) {
	r.lock.Lock()
	defer r.lock.Unlock()

	delete(r.workers, w)
}

func (r *workerRegistry) list() []*WorkerCtx {
	r.lock.Lock()
	defer r.lock.Unlock()

	list := make([]*WorkerCtx, 0, len(r.workers))
	for w := range r.workers {
		list = append(list, w)
	}
	return list
}

// WorkerInfo summarizes the workers of one or more managers.
type WorkerInfo struct {
	Running int
	Waiting int

	Other   int
	Missing int

	Workers []*WorkerInfoDetail
}

// WorkerInfoDetail describes a worker, or Count identical workers.
type WorkerInfoDetail struct {
	Count       int
	State       string
	Mgr         string
	Name        string
	Func        string
	CurrentLine string
	ExtraInfo   string
}

// stateClass groups goroutine states for summaries and ordering.
type stateClass int

const (
	classActive stateClass = iota
	classBusy
	classBlocked
	classChan
	classIO
	classScheduled
	classMissing
	classOther stateClass = 9
)

var goroutineStateClasses = map[string]stateClass{
	"runnable":        classActive,
	"running":         classActive,
	"syscall":         classActive,
	"idle":            classBusy,
	"waiting":         classBusy,
	"dead":            classBusy,
	"enqueue":         classBusy,
	"copystack":       classBusy,
	"semacquire":      classBlocked,
	"semarelease":     classBlocked,
	"sleep":           classBlocked,
	"panicwait":       classBlocked,
	"sync.Mutex.Lock": classBlocked,
	"chan send":       classChan,
	"chan receive":    classChan,
	"select":          classChan,
	"IO wait":         classIO,
	"scheduled":       classScheduled,
	"missing":         classMissing,
	"":                classMissing,
}

func classOf(state string) stateClass {
	if c, ok := goroutineStateClasses[state]; ok {
		return c
	}
	return classOther
}

// WorkerInfo returns information about the running workers of the manager.
// A stack snapshot is taken, if none is given.
func (m *Manager) WorkerInfo(s *stack.Snapshot) (*WorkerInfo, error) {
	if s == nil {
		var err error
		if s, err = TakeStackSnapshot(); err != nil {
			return nil, err
		}
	}

	workers := m.registry.list()
	wi := &WorkerInfo{
		Workers: make([]*WorkerInfoDetail, 0, len(workers)),
	}
	for _, w := range workers {
		wd := &WorkerInfoDetail{
			Count: 1,
			Mgr:   m.name,
			Name:  w.name,
			Func:  funcName(w.fn),
		}
		locateWorker(s, wd)

		if wd.State == "" {
			if w.scheduler != nil {
				wd.State = "scheduled"
				wd.ExtraInfo = w.scheduler.Status()
			} else {
				wd.State = "missing"
			}
		}

		switch classOf(wd.State) {
		case classActive, classBusy:
			wi.Running++
		case classBlocked, classChan, classIO, classScheduled:
			wi.Waiting++
		case classMissing:
			wi.Missing++
		default:
			wi.Other++
		}
		wi.Workers = append(wi.Workers, wd)
	}

	wi.compact()
	return wi, nil
}

// TakeStackSnapshot returns a parsed snapshot of all goroutines.
func TakeStackSnapshot() (*stack.Snapshot, error) {
	s, _, err := stack.ScanSnapshot(bytes.NewReader(fullStack()), io.Discard, stack.DefaultOpts())
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("get stack: %w", err)
	}
	return s, nil
}

// locateWorker finds the goroutine running the worker function and records
// its state and the current line within the worker's repository.
func locateWorker(s *stack.Snapshot, wd *WorkerInfoDetail) {
	if s == nil || wd.Func == "" {
		return
	}

	for _, gr := range s.Goroutines {
		idx := slices.IndexFunc(gr.Stack.Calls, func(c stack.Call) bool {
			return c.Func.ImportPath+"."+c.Func.Name == wd.Func
		})
		if idx < 0 {
			continue
		}

		wd.State = gr.State
		if wd.State == "sleep" {
			wd.ExtraInfo = gr.SleepString()
		}

		repo := repoOf(gr.Stack.Calls[idx].ImportPath)
		line := slices.IndexFunc(gr.Stack.Calls, func(c stack.Call) bool {
			return strings.HasPrefix(c.ImportPath, repo)
		})
		if line < 0 {
			line = 0
		}
		c := gr.Stack.Calls[line]
		wd.CurrentLine = c.ImportPath + "/" + c.SrcName + ":" + strconv.Itoa(c.Line)
		return
	}
}

// repoOf returns the first three elements of an import path.
func repoOf(importPath string) string {
	parts := strings.SplitN(importPath, "/", 4)
	if len(parts) < 3 {
		return importPath
	}
	return strings.Join(parts[:3], "/")
}

func funcName(fn func(w *WorkerCtx) error) string {
	if fn == nil {
		return ""
	}
	name := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
	return strings.TrimSuffix(name, "-fm")
}

func fullStack() []byte {
	buf := make([]byte, 8<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, 2*len(buf))
	}
}

// Format returns the worker info as a table.
func (wi *WorkerInfo) Format() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d Workers: %d running, %d waiting\n\n", len(wi.Workers), wi.Running, wi.Waiting)

	tw := tabwriter.NewWriter(&buf, 4, 4, 3, ' ', 0)
	fmt.Fprintln(tw, "#\tState\tModule\tName\tWorker Func\tCurrent Line\tExtra Info")
	for _, wd := range wi.Workers {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			wd.Count, wd.State, wd.Mgr, wd.Name, wd.Func, wd.CurrentLine, wd.ExtraInfo)
	}
	_ = tw.Flush()

	return buf.String()
}

// MergeWorkerInfo combines multiple worker infos into one.
func MergeWorkerInfo(infos ...*WorkerInfo) *WorkerInfo {
	merged := &WorkerInfo{}
	for _, wi := range infos {
		if wi == nil {
			continue
		}
		merged.Running += wi.Running
		merged.Waiting += wi.Waiting
		merged.Other += wi.Other
		merged.Missing += wi.Missing
		merged.Workers = append(merged.Workers, wi.Workers...)
	}

	merged.compact()
	return merged
}

// compact folds identical details into one with a count and sorts the
// details by state class, then by count.
func (wi *WorkerInfo) compact() {
	if len(wi.Workers) < 2 {
		return
	}

	slices.SortFunc(wi.Workers, compareDetails)
	kept := wi.Workers[:1]
	for _, wd := range wi.Workers[1:] {
		if last := kept[len(kept)-1]; compareDetails(last, wd) == 0 {
			last.Count += wd.Count
		} else {
			kept = append(kept, wd)
		}
	}
	wi.Workers = kept

	slices.SortStableFunc(wi.Workers, func(a, b *WorkerInfoDetail) int {
		return cmp.Or(
			cmp.Compare(classOf(a.State), classOf(b.State)),
			cmp.Compare(b.Count, a.Count),
		)
	})
}

func compareDetails(a, b *WorkerInfoDetail) int {
	return cmp.Or(
		strings.Compare(a.State, b.State),
		strings.Compare(a.Mgr, b.Mgr),
		strings.Compare(a.Name, b.Name),
		strings.Compare(a.Func, b.Func),
		strings.Compare(a.CurrentLine, b.CurrentLine),
		strings.Compare(a.ExtraInfo, b.ExtraInfo),
	)
}
