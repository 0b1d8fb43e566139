package locator

import (
	"github.com/safing/routemon/service/dispatch"
	"github.com/safing/routemon/service/mgr"
)

// ResultFunc receives the outcome of a lookup unit. On abort, targets is nil
// and err is the abort reason.
type ResultFunc func(targets []Target, err error)

// NewLookupUnit returns a unit of work that locates the targets of the
// destination and hands them to callback. A failed lookup is reported to
// callback and returned, so the dispatcher counts it as failed.
func NewLookupUnit(l *Locator, destination string, callback ResultFunc) dispatch.Func {
	if callback == nil {
		callback = func([]Target, error) {}
	}

	return dispatch.Func{
		ProcessFn: func(w *mgr.WorkerCtx) error {
			targets, err := l.Locate(w.Ctx(), destination)
			callback(targets, err)
			return err
		},
		AbortFn: func(reason error) {
			callback(nil, reason)
		},
	}
}
