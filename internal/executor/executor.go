// Package executor runs model inference on a dedicated worker pool.
//
// Submit never blocks: tasks go onto an unbounded queue and workers pick
// them up in submission order. With a single worker completions happen in
// strict FIFO order; with more, completion order across tasks is undefined.
// The completion callback runs on the worker goroutine exactly once for
// every accepted task, including canceled ones. A panicking runner completes
// with a model.InferenceError.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/go-bundleinfer/internal/model"
)

var (
	ErrCanceled = errors.New("task canceled before it started")
	ErrClosed   = errors.New("executor closed")
)

// Runner is the model side of a task. *model.Model satisfies it.
type Runner interface {
	ID() string
	Run(ctx context.Context, in model.Input) (*model.OutputBundle, error)
}

type Result struct {
	TaskID   string
	ModelID  string
	Output   *model.OutputBundle
	Err      error
	Duration time.Duration
}

// Observer receives executor events. Calls come from arbitrary goroutines.
type Observer interface {
	Submitted(queueDepth int)
	Finished(r Result, queueDepth int)
}

type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer Observer
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

type Executor struct {
	logger   *slog.Logger
	observer Observer
	workers  int

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Task
	closed bool
}

func New(workers int, opts ...Option) (*Executor, error) {
	if workers < 1 {
		return nil, fmt.Errorf("executor needs at least one worker, got %d", workers)
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		logger:   o.logger,
		observer: o.observer,
		workers:  workers,
		ctx:      ctx,
		cancel:   cancel,
	}
	e.cond = sync.NewCond(&e.mu)
	for range workers {
		e.group.Go(e.work)
	}
	return e, nil
}

func (e *Executor) Workers() int { return e.workers }

// QueueDepth is the number of accepted tasks not yet picked by a worker.
func (e *Executor) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Submit enqueues one inference of r on in. onComplete may be nil.
func (e *Executor) Submit(r Runner, in model.Input, onComplete func(Result)) (*Task, error) {
	if r == nil {
		return nil, errors.New("submit: nil runner")
	}
	t := &Task{
		id:         uuid.NewString(),
		modelID:    r.ID(),
		runner:     r,
		input:      in,
		onComplete: onComplete,
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.queue = append(e.queue, t)
	depth := len(e.queue)
	e.cond.Signal()
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.Submitted(depth)
	}
	return t, nil
}

// Close stops accepting work, lets queued tasks finish and waits for the
// workers. Safe to call more than once.
func (e *Executor) Close() error {
	return e.Shutdown(context.Background())
}

// Shutdown is Close with a deadline: when ctx ends first, tasks still queued
// complete with ErrCanceled and the context passed to running inferences is
// canceled.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()

	select {
	case err := <-done:
		e.cancel()
		return err
	case <-ctx.Done():
		e.mu.Lock()
		for _, t := range e.queue {
			t.abort()
		}
		e.mu.Unlock()
		e.cancel()
		err := <-done
		if err == nil {
			err = ctx.Err()
		}
		return err
	}
}

func (e *Executor) next() (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.queue) == 0 && !e.closed {
		e.cond.Wait()
	}
	if len(e.queue) == 0 {
		return nil, false
	}
	t := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return t, true
}

func (e *Executor) work() error {
	for {
		t, ok := e.next()
		if !ok {
			return nil
		}
		e.execute(t)
	}
}

func (e *Executor) execute(t *Task) {
	res := Result{TaskID: t.id, ModelID: t.modelID}

	if t.start() {
		began := time.Now()
		res.Output, res.Err = e.run(t)
		res.Duration = time.Since(began)

		if res.Err != nil {
			e.logger.Warn("inference failed",
				"id", t.modelID,
				"task", t.id,
				"duration_ms", res.Duration.Milliseconds(),
				"error", res.Err,
			)
		} else {
			e.logger.Info("inference complete",
				"id", t.modelID,
				"task", t.id,
				"duration_ms", res.Duration.Milliseconds(),
			)
		}
	} else {
		res.Err = ErrCanceled
		e.logger.Debug("task canceled", "id", t.modelID, "task", t.id)
	}

	e.complete(t, res)
	if e.observer != nil {
		e.observer.Finished(res, e.QueueDepth())
	}
}

// run turns a panicking runner into an inference error so the worker
// survives.
func (e *Executor) run(t *Task) (out *model.OutputBundle, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &model.InferenceError{ID: t.modelID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return t.runner.Run(e.ctx, t.input)
}

func (e *Executor) complete(t *Task, res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("completion callback panicked",
				"id", t.modelID,
				"task", t.id,
				"panic", r,
			)
		}
	}()
	t.finish(res)
}
