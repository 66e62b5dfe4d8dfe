package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/classify"
	"github.com/example/go-bundleinfer/internal/config"
	"github.com/example/go-bundleinfer/internal/executor"
	"github.com/example/go-bundleinfer/internal/metrics"
	"github.com/example/go-bundleinfer/internal/model"
	"github.com/example/go-bundleinfer/internal/onnx"
	"github.com/example/go-bundleinfer/internal/rank"
)

// newEngine is swapped in tests so commands run without ONNX Runtime.
var newEngine = func(cfg config.RuntimeConfig, logger *slog.Logger) (model.Engine, error) {
	return onnx.NewEngine(cfg, onnx.WithLogger(logger))
}

// app holds the components every inference command shares.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	engine   model.Engine
	registry *bundle.DirRegistry // nil when the bundles dir does not exist
	exec     *executor.Executor
	metrics  *metrics.Registry
	service  *classify.Service
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}

	filter, err := rank.NewFilter(cfg.Ranking.Filter)
	if err != nil {
		return nil, fmt.Errorf("ranking filter: %w", err)
	}
	policy, err := model.ParseBusyPolicy(cfg.Executor.BusyPolicy)
	if err != nil {
		return nil, err
	}

	registry, err := bundle.NewDirRegistry(cfg.Paths.BundlesDir, bundle.WithLogger(logger))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		logger.Debug("bundles dir missing; only path references resolve", "dir", cfg.Paths.BundlesDir)
		registry = nil
	}
	var resolver classify.Resolver
	if registry != nil {
		resolver = bundle.NewResolver(registry, bundle.WithLogger(logger))
	}

	engine, err := newEngine(cfg.Runtime, logger)
	if err != nil {
		return nil, err
	}

	mreg := metrics.NewRegistry()
	exec, err := executor.New(cfg.Executor.Workers,
		executor.WithLogger(logger),
		executor.WithObserver(mreg),
	)
	if err != nil {
		return nil, err
	}

	svc := classify.New(resolver, engine, exec,
		classify.WithLogger(logger),
		classify.WithRanking(cfg.Ranking.TopN, float32(cfg.Ranking.Threshold), filter),
		classify.WithBusyPolicy(policy),
		classify.WithRecorder(mreg),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		engine:   engine,
		registry: registry,
		exec:     exec,
		metrics:  mreg,
		service:  svc,
	}, nil
}

// Close drains queued inferences and stops the workers.
func (a *app) Close() error {
	return a.exec.Close()
}
