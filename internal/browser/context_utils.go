// internal/browser/context_utils.go
package browser

import (
	"context"
	"time"
)

// CombineContext derives a context from session, which carries the chromedp
// target, that also ends when op ends. op's deadline is copied over so CDP
// calls see it.
func CombineContext(session, op context.Context) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := op.Deadline(); ok {
		ctx, cancel = context.WithDeadline(session, deadline)
	} else {
		ctx, cancel = context.WithCancel(session)
	}

	stop := context.AfterFunc(op, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// valueOnlyContext keeps the parent's values but drops its deadline and
// cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }

func (valueOnlyContext) Done() <-chan struct{} { return nil }

func (valueOnlyContext) Err() error { return nil }

// Detach returns a context that carries ctx's values but outlives it. Used
// for tab teardown after the caller's context already ended.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
