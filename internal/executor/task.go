package executor

import (
	"context"
	"sync"

	"github.com/example/go-bundleinfer/internal/model"
)

type taskState int

const (
	taskPending taskState = iota
	taskRunning
	taskDone
)

// Task is the handle of one submission and a future for its Result.
type Task struct {
	id         string
	modelID    string
	runner     Runner
	input      model.Input
	onComplete func(Result)

	mu        sync.Mutex
	state     taskState
	canceled  bool
	discarded bool
	result    Result
	done      chan struct{}
}

func (t *Task) ID() string      { return t.id }
func (t *Task) ModelID() string { return t.modelID }

// Cancel keeps a pending task from starting; it then completes with
// ErrCanceled. A running or finished task cannot be stopped, so its result
// is marked discarded instead and hand-offs should drop it.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == taskPending {
		t.canceled = true
	}
	t.discarded = true
}

// abort is Cancel without the discard mark.
func (t *Task) abort() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == taskPending {
		t.canceled = true
	}
}

// Discarded reports whether Cancel was called.
func (t *Task) Discarded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discarded
}

// Done is closed after the completion callback has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task completes or ctx ends.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// start moves a pending task to running unless it was canceled.
func (t *Task) start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.canceled {
		return false
	}
	t.state = taskRunning
	return true
}

func (t *Task) finish(res Result) {
	t.mu.Lock()
	t.state = taskDone
	t.result = res
	t.mu.Unlock()

	defer close(t.done)
	if t.onComplete != nil {
		t.onComplete(res)
	}
}
