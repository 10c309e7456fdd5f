package browser

import (
	"context"
	"time"
)

// CombineContext returns a context that carries the values of tabCtx (the CDP
// target chromedp needs) and ends when either tabCtx or opCtx ends. opCtx
// usually holds a step deadline or the run's cancellation.
func CombineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)
	if deadline, ok := opCtx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		combined, cancelDeadline = context.WithDeadline(combined, deadline)
		inner := cancel
		cancel = func() {
			cancelDeadline()
			inner()
		}
	}
	stop := context.AfterFunc(opCtx, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

// valueOnlyContext keeps the parent's values and drops its cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context with ctx's values that outlives ctx. Tab cleanup
// uses it so the close command still reaches Chrome after the run is cancelled.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
