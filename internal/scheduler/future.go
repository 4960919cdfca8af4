package scheduler

import (
	"context"
	"sync"
)

// TaskFuture tracks a single out-of-band ("now") execution.
//
// Cancel is a cooperative interrupt request through the run's context; a
// task that does not honor cancellation keeps running.
type TaskFuture struct {
	mu     sync.Mutex
	done   chan struct{}
	result any
	err    error
	cancel context.CancelFunc
}

func newTaskFuture(cancel context.CancelFunc) *TaskFuture {
	return &TaskFuture{done: make(chan struct{}), cancel: cancel}
}

// Done reports whether the run has completed.
func (f *TaskFuture) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Cancel requests interruption of the run. Returns false if the run already
// completed.
func (f *TaskFuture) Cancel() bool {
	if f.Done() {
		return false
	}
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// setCancel wires the run context once the engine actually starts the run.
// A future handed out at schedule time exists before its run does.
func (f *TaskFuture) setCancel(cancel context.CancelFunc) {
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
}

// Wait blocks until the run completes or ctx is done.
func (f *TaskFuture) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, f.err
	}
}

func (f *TaskFuture) complete(result any, err error) {
	f.mu.Lock()
	f.result = result
	f.err = err
	f.mu.Unlock()
	close(f.done)
}
