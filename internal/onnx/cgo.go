//go:build cgo

package onnx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/config"
	"github.com/example/go-bundleinfer/internal/model"
	"github.com/example/go-bundleinfer/internal/tensor"
)

var (
	cgoEnvMu  sync.Mutex
	cgoEnvErr error
	cgoEnvSet bool
)

func initCgoEnvironment(libraryPath string) error {
	cgoEnvMu.Lock()
	defer cgoEnvMu.Unlock()

	if cgoEnvSet {
		return cgoEnvErr
	}
	cgoEnvSet = true
	if ort.IsInitialized() {
		return nil
	}
	ort.SetSharedLibraryPath(libraryPath)
	if err := ort.InitializeEnvironment(); err != nil {
		cgoEnvErr = fmt.Errorf("initialize ONNX environment: %w", err)
	}
	return cgoEnvErr
}

func shutdownCgo() error {
	cgoEnvMu.Lock()
	defer cgoEnvMu.Unlock()

	if !cgoEnvSet || cgoEnvErr != nil {
		cgoEnvSet = false
		cgoEnvErr = nil
		return nil
	}
	cgoEnvSet = false
	return ort.DestroyEnvironment()
}

// CgoEngine binds tensors to the session up front, so every run uses the
// declared shape with the batch dimension fixed at 1.
type CgoEngine struct {
	threads      int
	interThreads int
	logger       *slog.Logger
}

func newCgoEngine(info RuntimeInfo, cfg config.RuntimeConfig, logger *slog.Logger) (model.Engine, error) {
	if err := initCgoEnvironment(info.LibraryPath); err != nil {
		return nil, err
	}
	return &CgoEngine{
		threads:      cfg.Threads,
		interThreads: cfg.InterOpThreads,
		logger:       logger,
	}, nil
}

func (e *CgoEngine) Open(_ context.Context, d *bundle.Descriptor) (model.Session, error) {
	s := &cgoSession{id: d.ID}

	for _, l := range d.Inputs {
		t, err := newCgoTensor(l)
		if err != nil {
			s.destroyTensors()
			return nil, fmt.Errorf("input %q: %w", l.Name, err)
		}
		s.inputNames = append(s.inputNames, l.Name)
		s.inputs = append(s.inputs, t)
	}
	for _, l := range d.Outputs {
		t, err := newCgoTensor(l)
		if err != nil {
			s.destroyTensors()
			return nil, fmt.Errorf("output %q: %w", l.Name, err)
		}
		s.outputNames = append(s.outputNames, l.Name)
		s.outputs = append(s.outputs, t)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		s.destroyTensors()
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	if e.threads > 0 {
		if err := opts.SetIntraOpNumThreads(e.threads); err != nil {
			s.destroyTensors()
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	if e.interThreads > 0 {
		if err := opts.SetInterOpNumThreads(e.interThreads); err != nil {
			s.destroyTensors()
			return nil, fmt.Errorf("set inter-op threads: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(d.ModelPath(),
		s.inputNames, s.outputNames,
		arbitrary(s.inputs), arbitrary(s.outputs),
		opts)
	if err != nil {
		s.destroyTensors()
		return nil, fmt.Errorf("create ONNX session for %q: %w", d.ID, err)
	}
	s.session = session

	e.logger.Debug("loaded ONNX session", "id", d.ID, "path", d.ModelPath(), "binding", "cgo")
	return s, nil
}

type cgoSession struct {
	id string

	mu          sync.Mutex
	session     *ort.AdvancedSession
	inputNames  []string
	outputNames []string
	inputs      []cgoTensor
	outputs     []cgoTensor
}

func (s *cgoSession) InputNames() []string  { return slices.Clone(s.inputNames) }
func (s *cgoSession) OutputNames() []string { return slices.Clone(s.outputNames) }

func (s *cgoSession) Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, errors.New("session closed")
	}
	for i, name := range s.inputNames {
		src, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", name)
		}
		if err := s.inputs[i].fill(src); err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("run %q: %w", s.id, err)
	}

	results := make(map[string]*tensor.Tensor, len(s.outputNames))
	for i, name := range s.outputNames {
		t, err := s.outputs[i].read()
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		results[name] = t
	}
	return results, nil
}

func (s *cgoSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.session != nil {
		err = s.session.Destroy()
		s.session = nil
	}
	s.destroyTensors()
	return err
}

func (s *cgoSession) destroyTensors() {
	for _, t := range s.inputs {
		t.destroy()
	}
	for _, t := range s.outputs {
		t.destroy()
	}
	s.inputs, s.outputs = nil, nil
}

type cgoTensor interface {
	value() ort.ArbitraryTensor
	fill(src *tensor.Tensor) error
	read() (*tensor.Tensor, error)
	destroy()
}

func newCgoTensor(l bundle.Layer) (cgoTensor, error) {
	shape := l.ConcreteShape()
	switch l.DType {
	case tensor.Float32:
		return newTypedTensor[float32](shape)
	case tensor.Int64:
		return newTypedTensor[int64](shape)
	default:
		return nil, fmt.Errorf("unsupported dtype %s", l.DType)
	}
}

type typedTensor[T float32 | int64] struct {
	t     *ort.Tensor[T]
	shape []int64
}

func newTypedTensor[T float32 | int64](shape []int64) (*typedTensor[T], error) {
	t, err := ort.NewEmptyTensor[T](ort.NewShape(shape...))
	if err != nil {
		return nil, err
	}
	return &typedTensor[T]{t: t, shape: slices.Clone(shape)}, nil
}

func (c *typedTensor[T]) value() ort.ArbitraryTensor { return c.t }

func (c *typedTensor[T]) fill(src *tensor.Tensor) error {
	if !slices.Equal(src.Shape(), c.shape) {
		return fmt.Errorf("cgo binding runs fixed shape %v, got %v", c.shape, src.Shape())
	}
	data, err := typedData[T](src)
	if err != nil {
		return err
	}
	copy(c.t.GetData(), data)
	return nil
}

func (c *typedTensor[T]) read() (*tensor.Tensor, error) {
	data := append([]T(nil), c.t.GetData()...)
	return tensor.New(data, c.shape)
}

func (c *typedTensor[T]) destroy() {
	if c.t != nil {
		_ = c.t.Destroy()
		c.t = nil
	}
}

func typedData[T float32 | int64](src *tensor.Tensor) ([]T, error) {
	var zero T
	switch any(zero).(type) {
	case float32:
		d, err := src.Float32s()
		if err != nil {
			return nil, err
		}
		return any(d).([]T), nil
	default:
		d, err := src.Int64s()
		if err != nil {
			return nil, err
		}
		return any(d).([]T), nil
	}
}

func arbitrary(ts []cgoTensor) []ort.ArbitraryTensor {
	out := make([]ort.ArbitraryTensor, len(ts))
	for i, t := range ts {
		out[i] = t.value()
	}
	return out
}
