// Package onnx runs bundle models on ONNX Runtime. Two bindings are
// available: a purego one that needs no C toolchain (the default) and a cgo
// one built on onnxruntime_go.
package onnx

import (
	"fmt"
	"log/slog"

	"github.com/example/go-bundleinfer/internal/config"
	"github.com/example/go-bundleinfer/internal/model"
)

const defaultAPIVersion = 23

type Option func(*options)

type options struct {
	logger *slog.Logger
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewEngine detects the runtime and returns the engine for cfg.Backend.
func NewEngine(cfg config.RuntimeConfig, opts ...Option) (model.Engine, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	backend, err := config.NormalizeBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	info, err := Bootstrap(cfg)
	if err != nil {
		return nil, fmt.Errorf("onnx runtime: %w", err)
	}
	o.logger.Debug("onnx runtime detected",
		"backend", backend,
		"library", info.LibraryPath,
		"version", info.Version,
	)

	switch backend {
	case config.BackendCgo:
		return newCgoEngine(info, cfg, o.logger)
	default:
		return NewPuregoEngine(info, o.logger), nil
	}
}
