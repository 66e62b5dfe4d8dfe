// Package model owns the lifecycle of a loaded bundle: Unloaded -> Loaded
// (or Failed) -> Unloaded, and the validated run path in between.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/tensor"
)

// Engine opens a runnable session for a bundle.
type Engine interface {
	Open(ctx context.Context, d *bundle.Descriptor) (Session, error)
}

// Session is the underlying runnable resource of a loaded model.
type Session interface {
	Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	Close() error
}

// Introspector is implemented by sessions that can report their graph IO.
// When available, Load checks the bundle's declared layers against it.
type Introspector interface {
	InputNames() []string
	OutputNames() []string
}

// Input maps declared input names to tensors.
type Input map[string]*tensor.Tensor

type Option func(*options)

type options struct {
	logger *slog.Logger
	policy BusyPolicy
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithBusyPolicy(p BusyPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// Model is a bundle plus its runnable resource. It is safe for concurrent
// use. At most one Run executes at a time; further callers wait (BusyQueue,
// the default) or fail with BusyError (BusyReject). Unload waits for an
// in-flight Run and then releases the session exactly once.
type Model struct {
	desc   *bundle.Descriptor
	engine Engine
	logger *slog.Logger
	policy BusyPolicy

	// runMu serializes Run and Unload. Lock order: runMu, then mu.
	runMu sync.Mutex

	mu      sync.Mutex
	state   State
	session Session
	loadErr error
}

// New instantiates a model for desc. It never fails and never touches the
// engine; the model starts Unloaded.
func New(desc *bundle.Descriptor, engine Engine, opts ...Option) *Model {
	o := options{logger: slog.Default(), policy: BusyQueue}
	for _, opt := range opts {
		opt(&o)
	}
	return &Model{
		desc:   desc,
		engine: engine,
		logger: o.logger,
		policy: o.policy,
	}
}

func (m *Model) Descriptor() *bundle.Descriptor { return m.desc }

func (m *Model) ID() string { return m.desc.ID }

func (m *Model) BusyPolicy() BusyPolicy { return m.policy }

func (m *Model) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error of the last failed Load, or nil.
func (m *Model) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadErr
}

// Load acquires the runnable resource. Loading a Loaded model is an
// InvalidStateError. On failure the model is Failed and nothing is retained;
// calling Load again is the only retry.
func (m *Model) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Loaded {
		return &InvalidStateError{ID: m.desc.ID, Op: "load", State: m.state}
	}

	start := time.Now()
	session, err := m.open(ctx)
	if err != nil {
		m.state = Failed
		m.loadErr = &LoadError{ID: m.desc.ID, Err: err}
		m.logger.Error("model load failed",
			"id", m.desc.ID,
			"backend", m.desc.Backend,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return m.loadErr
	}

	m.session = session
	m.state = Loaded
	m.loadErr = nil
	m.logger.Info("model loaded",
		"id", m.desc.ID,
		"backend", m.desc.Backend,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (m *Model) open(ctx context.Context) (Session, error) {
	if !m.desc.Modes.Predict {
		return nil, errors.New("bundle does not declare the predict mode")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := m.engine.Open(ctx, m.desc)
	if err != nil {
		return nil, err
	}
	if intro, ok := session.(Introspector); ok {
		if err := checkGraphIO(m.desc, intro); err != nil {
			_ = session.Close()
			return nil, err
		}
	}
	return session, nil
}

func checkGraphIO(d *bundle.Descriptor, intro Introspector) error {
	if missing := missingNames(d.InputNames(), intro.InputNames()); len(missing) > 0 {
		return fmt.Errorf("model graph has no inputs named %v", missing)
	}
	if missing := missingNames(d.OutputNames(), intro.OutputNames()); len(missing) > 0 {
		return fmt.Errorf("model graph has no outputs named %v", missing)
	}
	return nil
}

func missingNames(declared, actual []string) []string {
	have := make(map[string]struct{}, len(actual))
	for _, n := range actual {
		have[n] = struct{}{}
	}
	var missing []string
	for _, n := range declared {
		if _, ok := have[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

// Run validates in against the declared inputs and executes one inference.
// It never changes the load state.
func (m *Model) Run(ctx context.Context, in Input) (*OutputBundle, error) {
	if m.policy == BusyReject {
		if !m.runMu.TryLock() {
			return nil, &BusyError{ID: m.desc.ID}
		}
	} else {
		m.runMu.Lock()
	}
	defer m.runMu.Unlock()

	m.mu.Lock()
	state, session := m.state, m.session
	m.mu.Unlock()

	if state != Loaded {
		return nil, &NotLoadedError{ID: m.desc.ID, State: state}
	}
	if err := m.validate(in); err != nil {
		return nil, err
	}

	outputs, err := session.Run(ctx, in)
	if err != nil {
		return nil, &InferenceError{ID: m.desc.ID, Err: err}
	}

	out, err := newOutputBundle(m.desc, outputs)
	if err != nil {
		return nil, &InferenceError{ID: m.desc.ID, Err: err}
	}
	return out, nil
}

func (m *Model) validate(in Input) error {
	for name := range in {
		if _, ok := m.desc.Input(name); !ok {
			return &ShapeMismatchError{ID: m.desc.ID, Input: name, Reason: "not a declared input"}
		}
	}

	for _, layer := range m.desc.Inputs {
		t, ok := in[layer.Name]
		if !ok || t == nil {
			return &ShapeMismatchError{ID: m.desc.ID, Input: layer.Name, Want: layer.ConcreteShape(), Reason: "missing input tensor"}
		}
		if t.DType() != layer.DType {
			return &ShapeMismatchError{
				ID: m.desc.ID, Input: layer.Name,
				Want: layer.ConcreteShape(), Got: t.Shape(),
				WantDType: layer.DType, GotDType: t.DType(),
			}
		}
		if !layer.Accepts(t.Shape()) {
			return &ShapeMismatchError{
				ID: m.desc.ID, Input: layer.Name,
				Want: layer.ConcreteShape(), Got: t.Shape(),
				WantDType: layer.DType, GotDType: t.DType(),
			}
		}
	}
	return nil
}

// Unload releases the session if the model is Loaded and leaves it
// Unloaded. It waits for an in-flight Run. Calling it again, or on an
// Unloaded or Failed model, is a no-op.
func (m *Model) Unload() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Loaded {
		return nil
	}

	session := m.session
	m.session = nil
	m.state = Unloaded

	if err := session.Close(); err != nil {
		return fmt.Errorf("unload model %q: %w", m.desc.ID, err)
	}
	m.logger.Info("model unloaded", "id", m.desc.ID)
	return nil
}
