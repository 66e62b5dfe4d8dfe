// Package origin hands work from executor workers back to the goroutine that
// started it. A Loop is a FIFO of functions; whoever drives it (Run, RunOnce
// or RunPending) executes them. Drive a Loop from one goroutine only.
package origin

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("origin loop closed")

// Poster accepts functions for later execution on an origin goroutine.
type Poster interface {
	Post(fn func()) error
}

type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
}

func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues fn without blocking. Functions run in posting order.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return errors.New("post: nil function")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	l.signal()
	return nil
}

// Close rejects further posts. Already queued functions still run.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// RunOnce waits for one function and runs it. It returns false once the loop
// is closed and drained.
func (l *Loop) RunOnce(ctx context.Context) (bool, error) {
	for {
		fn, closed := l.pop()
		if fn != nil {
			fn()
			return true, nil
		}
		if closed {
			return false, nil
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Run executes posted functions until the loop is closed and drained or ctx
// ends.
func (l *Loop) Run(ctx context.Context) error {
	for {
		ran, err := l.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
}

// RunPending runs what is queued right now without waiting and reports how
// many functions ran. Functions posted meanwhile wait for the next call.
func (l *Loop) RunPending() int {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

func (l *Loop) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return nil, l.closed
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, l.closed
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
