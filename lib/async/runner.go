// Package async provides the named background-task runner used by the
// client runtime. Tasks are tagged with a namespace so a single Close call
// can cancel everything the client scheduled; unexpected failures are
// wrapped and funnelled to the owner's sanity-error callback instead of
// crashing the process.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/derivkit/derivws/errs"
)

// Task represents a unit of background work.
type Task func(context.Context) error

// Runner executes named tasks under a shared cancellation scope.
type Runner struct {
	prefix  string
	onError func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRunner creates a runner. Task names are reported as "prefix:name" and
// failures are delivered to onError wrapped as added_task envelopes. A nil
// onError discards failures.
func NewRunner(prefix string, onError func(error)) *Runner {
	if onError == nil {
		onError = func(error) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		prefix:  prefix,
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Go schedules fn on its own goroutine. Errors and panics are wrapped with
// the task tag and reported; context cancellation is swallowed.
func (r *Runner) Go(name string, fn Task) {
	if fn == nil {
		return
	}
	tag := r.prefix + ":" + name
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.onError(errs.AddedTask(tag, fmt.Errorf("panic: %v", rec)))
			}
		}()
		if err := fn(r.ctx); err != nil && r.ctx.Err() == nil {
			r.onError(errs.AddedTask(tag, err))
		}
	}()
}

// Context exposes the runner's cancellation scope for cooperating code.
func (r *Runner) Context() context.Context { return r.ctx }

// Close cancels every task started under the runner and waits for them to
// unwind. Safe to call more than once.
func (r *Runner) Close() {
	r.once.Do(r.cancel)
	r.wg.Wait()
}
