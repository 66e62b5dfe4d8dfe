//go:build !cgo

package onnx

import (
	"errors"
	"log/slog"

	"github.com/example/go-bundleinfer/internal/config"
	"github.com/example/go-bundleinfer/internal/model"
)

var errCgoDisabled = errors.New("backend onnx-cgo requires a cgo-enabled build (CGO_ENABLED=1)")

func newCgoEngine(RuntimeInfo, config.RuntimeConfig, *slog.Logger) (model.Engine, error) {
	return nil, errCgoDisabled
}

func shutdownCgo() error { return nil }
