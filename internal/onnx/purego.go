package onnx

import (
	"context"
	"fmt"
	"log/slog"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"

	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/model"
	"github.com/example/go-bundleinfer/internal/tensor"
)

// PuregoEngine opens one ORT runtime, env and session per loaded model.
type PuregoEngine struct {
	info   RuntimeInfo
	logger *slog.Logger
}

func NewPuregoEngine(info RuntimeInfo, logger *slog.Logger) *PuregoEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if info.APIVersion == 0 {
		info.APIVersion = defaultAPIVersion
	}
	return &PuregoEngine{info: info, logger: logger}
}

func (e *PuregoEngine) Open(_ context.Context, d *bundle.Descriptor) (model.Session, error) {
	runtime, err := ort.NewRuntime(e.info.LibraryPath, e.info.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("ort runtime for %q (lib=%q api=%d): %w", d.ID, e.info.LibraryPath, e.info.APIVersion, err)
	}

	env, err := runtime.NewEnv("bundleinfer-"+d.ID, ort.LoggingLevelWarning)
	if err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("ort env for %q: %w", d.ID, err)
	}

	session, err := runtime.NewSession(env, d.ModelPath(), nil)
	if err != nil {
		env.Close()
		_ = runtime.Close()
		return nil, fmt.Errorf("ort session for %q (%s): %w", d.ID, d.ModelPath(), err)
	}

	e.logger.Debug("loaded ONNX session", "id", d.ID, "path", d.ModelPath())
	return &puregoSession{
		id:      d.ID,
		runtime: runtime,
		env:     env,
		session: session,
	}, nil
}

type puregoSession struct {
	id      string
	runtime *ort.Runtime
	env     *ort.Env
	session *ort.Session
}

func (s *puregoSession) Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	ortInputs := make(map[string]*ort.Value, len(inputs))
	defer closeORTValues(ortInputs)
	for name, t := range inputs {
		v, err := tensorToORT(s.runtime, t)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		ortInputs[name] = v
	}

	ortOutputs, err := s.session.Run(ctx, ortInputs)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", s.id, err)
	}
	defer closeORTValues(ortOutputs)

	results := make(map[string]*tensor.Tensor, len(ortOutputs))
	for name, v := range ortOutputs {
		t, err := ortToTensor(v)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		results[name] = t
	}
	return results, nil
}

// Close releases all ORT resources. Safe to call multiple times.
func (s *puregoSession) Close() error {
	if s.session != nil {
		s.session.Close()
		s.session = nil
	}
	if s.env != nil {
		s.env.Close()
		s.env = nil
	}
	if s.runtime != nil {
		err := s.runtime.Close()
		s.runtime = nil
		return err
	}
	return nil
}

func tensorToORT(runtime *ort.Runtime, t *tensor.Tensor) (*ort.Value, error) {
	switch t.DType() {
	case tensor.Float32:
		data, err := t.Float32s()
		if err != nil {
			return nil, err
		}
		return ort.NewTensorValue(runtime, data, t.Shape())
	case tensor.Int64:
		data, err := t.Int64s()
		if err != nil {
			return nil, err
		}
		return ort.NewTensorValue(runtime, data, t.Shape())
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %s", t.DType())
	}
}

func ortToTensor(v *ort.Value) (*tensor.Tensor, error) {
	elemType, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("get element type: %w", err)
	}

	switch elemType {
	case ort.ONNXTensorElementDataTypeFloat:
		data, shape, err := ort.GetTensorData[float32](v)
		if err != nil {
			return nil, err
		}
		return tensor.New(append([]float32(nil), data...), shape)
	case ort.ONNXTensorElementDataTypeInt64:
		data, shape, err := ort.GetTensorData[int64](v)
		if err != nil {
			return nil, err
		}
		return tensor.New(append([]int64(nil), data...), shape)
	default:
		return nil, fmt.Errorf("unsupported ORT element type %d", elemType)
	}
}

func closeORTValues(vals map[string]*ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Close()
		}
	}
}
