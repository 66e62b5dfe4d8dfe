// Package classify runs the full classification pipeline: resolve a bundle,
// load its model, run inference on the executor, rank the scores on the
// worker and hand the prediction back to the caller's origin loop.
//
// Results reach the sink only through the poster. Failed runs go to the
// failure hook instead and never reach the sink.
package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/executor"
	"github.com/example/go-bundleinfer/internal/imageprep"
	"github.com/example/go-bundleinfer/internal/model"
	"github.com/example/go-bundleinfer/internal/origin"
	"github.com/example/go-bundleinfer/internal/rank"
)

var ErrNoClassification = errors.New("model has no classification output")

// Resolver maps a model identifier to a descriptor. *bundle.Resolver
// satisfies it.
type Resolver interface {
	Resolve(id string) (*bundle.Descriptor, error)
}

// Recorder receives pipeline counters. *metrics.Registry satisfies it.
type Recorder interface {
	ModelLoaded(id string, err error)
	NonFiniteExcluded(id string, n int)
}

type Prediction struct {
	TaskID   string
	ModelID  string
	Output   string
	Ranking  rank.Ranking
	Stats    rank.Stats
	Outputs  *model.OutputBundle
	Duration time.Duration
}

type Failure struct {
	TaskID  string
	ModelID string
	Err     error
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRanking sets the default ranking parameters of every request.
func WithRanking(topN int, threshold float32, filter *rank.Filter) Option {
	return func(s *Service) {
		s.topN = topN
		s.threshold = threshold
		s.filter = filter
	}
}

func WithBusyPolicy(p model.BusyPolicy) Option {
	return func(s *Service) {
		s.busy = p
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithFailureHook sets the default failure hook. It runs on the origin
// goroutine, like the sink.
func WithFailureHook(fn func(Failure)) Option {
	return func(s *Service) {
		s.onFailure = fn
	}
}

type Service struct {
	resolver Resolver
	engine   model.Engine
	exec     *executor.Executor
	logger   *slog.Logger
	recorder Recorder

	topN      int
	threshold float32
	filter    *rank.Filter
	busy      model.BusyPolicy
	onFailure func(Failure)
}

func New(resolver Resolver, engine model.Engine, exec *executor.Executor, opts ...Option) *Service {
	s := &Service{
		resolver:  resolver,
		engine:    engine,
		exec:      exec,
		logger:    slog.Default(),
		topN:      5,
		threshold: 0.1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Descriptor resolves ref without loading anything. A ref that names a path
// (contains a separator or starts with '.') is read directly; anything else
// goes through the resolver.
func (s *Service) Descriptor(ref string) (*bundle.Descriptor, error) {
	if isPathRef(ref) {
		return bundle.FromLocation(ref)
	}
	if s.resolver == nil {
		return nil, &bundle.NotFoundError{ID: ref}
	}
	return s.resolver.Resolve(ref)
}

// Open resolves ref and returns its loaded model. The caller owns the model
// and must Unload it.
func (s *Service) Open(ctx context.Context, ref string) (*model.Model, error) {
	desc, err := s.Descriptor(ref)
	if err != nil {
		return nil, err
	}

	m := model.New(desc, s.engine,
		model.WithLogger(s.logger),
		model.WithBusyPolicy(s.busy),
	)
	err = m.Load(ctx)
	if s.recorder != nil {
		s.recorder.ModelLoaded(desc.ID, err)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

type request struct {
	topN      int
	threshold float32
	onFailure func(Failure)
}

type RequestOption func(*request)

func TopN(n int) RequestOption {
	return func(r *request) { r.topN = n }
}

func Threshold(t float32) RequestOption {
	return func(r *request) { r.threshold = t }
}

func OnFailure(fn func(Failure)) RequestOption {
	return func(r *request) { r.onFailure = fn }
}

// Classify submits one inference. The ranking is computed on the worker;
// sink and the failure hook are posted to poster. Canceling the returned task
// drops the hand-off.
func (s *Service) Classify(m *model.Model, in model.Input, poster origin.Poster, sink func(Prediction), opts ...RequestOption) (*executor.Task, error) {
	if poster == nil {
		return nil, errors.New("classify: nil poster")
	}
	req := request{topN: s.topN, threshold: s.threshold, onFailure: s.onFailure}
	for _, opt := range opts {
		opt(&req)
	}
	if req.topN <= 0 {
		return nil, &rank.InvalidArgumentError{Arg: "n", Reason: fmt.Sprintf("must be positive, got %d", req.topN)}
	}

	var handle atomic.Pointer[executor.Task]
	discarded := func() bool {
		t := handle.Load()
		return t != nil && t.Discarded()
	}

	fail := func(f Failure) {
		if req.onFailure == nil || discarded() {
			return
		}
		s.post(poster, f.ModelID, func() {
			if !discarded() {
				req.onFailure(f)
			}
		})
	}

	task, err := s.exec.Submit(m, in, func(res executor.Result) {
		// Only a caller's Cancel drops the hand-off; a task aborted by
		// executor shutdown reports ErrCanceled to the failure hook.
		if res.Err != nil {
			fail(Failure{TaskID: res.TaskID, ModelID: res.ModelID, Err: res.Err})
			return
		}

		pred, err := s.rank(res, req)
		if err != nil {
			fail(Failure{TaskID: res.TaskID, ModelID: res.ModelID, Err: err})
			return
		}
		if sink == nil || discarded() {
			return
		}
		s.post(poster, res.ModelID, func() {
			if !discarded() {
				sink(pred)
			}
		})
	})
	if err != nil {
		return nil, err
	}
	handle.Store(task)
	return task, nil
}

func (s *Service) rank(res executor.Result, req request) (Prediction, error) {
	name, scores, ok := res.Output.Classification()
	if !ok {
		return Prediction{}, fmt.Errorf("%w: %s", ErrNoClassification, res.ModelID)
	}

	ranking, stats, err := rank.RankWithStats(scores, req.topN, req.threshold, rank.WithFilter(s.filter))
	if err != nil {
		return Prediction{}, err
	}

	s.logger.Info("ranking produced",
		"id", res.ModelID,
		"task", res.TaskID,
		"size", len(ranking),
		"excluded_non_finite", stats.NonFinite,
	)
	if s.recorder != nil {
		s.recorder.NonFiniteExcluded(res.ModelID, stats.NonFinite)
	}

	return Prediction{
		TaskID:   res.TaskID,
		ModelID:  res.ModelID,
		Output:   name,
		Ranking:  ranking,
		Stats:    stats,
		Outputs:  res.Output,
		Duration: res.Duration,
	}, nil
}

func (s *Service) post(poster origin.Poster, modelID string, fn func()) {
	if err := poster.Post(fn); err != nil {
		s.logger.Warn("hand-off dropped", "id", modelID, "error", err)
	}
}

// ClassifyImage prepares an encoded image for the model's image input and
// submits it.
func (s *Service) ClassifyImage(m *model.Model, r io.Reader, poster origin.Poster, sink func(Prediction), opts ...RequestOption) (*executor.Task, error) {
	in, err := ImageInput(m.Descriptor(), r)
	if err != nil {
		return nil, err
	}
	return s.Classify(m, in, poster, sink, opts...)
}

// Predict runs Classify and drives a private origin loop on the calling
// goroutine until the prediction or failure arrives. If ctx ends first the
// task is canceled.
func (s *Service) Predict(ctx context.Context, m *model.Model, in model.Input, opts ...RequestOption) (Prediction, error) {
	loop := origin.New()

	var (
		once sync.Once
		pred Prediction
		perr error
	)
	finish := func() { once.Do(loop.Close) }

	opts = append(opts, OnFailure(func(f Failure) {
		perr = f.Err
		finish()
	}))
	task, err := s.Classify(m, in, loop, func(p Prediction) {
		pred = p
		finish()
	}, opts...)
	if err != nil {
		return Prediction{}, err
	}

	if err := loop.Run(ctx); err != nil {
		task.Cancel()
		return Prediction{}, err
	}
	if perr != nil {
		return Prediction{}, perr
	}
	return pred, nil
}

// ImageInput builds the input map for a bundle whose only input is an image.
func ImageInput(d *bundle.Descriptor, r io.Reader) (model.Input, error) {
	layer, err := singleInput(d, bundle.KindImage)
	if err != nil {
		return nil, err
	}
	t, err := imageprep.FromReader(r, layer)
	if err != nil {
		return nil, err
	}
	return model.Input{layer.Name: t}, nil
}

// ValuesInput builds the input map for a single-input bundle from raw values.
func ValuesInput(d *bundle.Descriptor, values []float32) (model.Input, error) {
	layer, err := singleInput(d, "")
	if err != nil {
		return nil, err
	}
	t, err := imageprep.Raw(values, layer)
	if err != nil {
		return nil, err
	}
	return model.Input{layer.Name: t}, nil
}

func singleInput(d *bundle.Descriptor, kind bundle.LayerKind) (bundle.Layer, error) {
	if len(d.Inputs) != 1 {
		return bundle.Layer{}, fmt.Errorf("bundle %q declares %d inputs; only single-input bundles are supported here", d.ID, len(d.Inputs))
	}
	layer := d.Inputs[0]
	if kind != "" && layer.Kind != kind {
		return bundle.Layer{}, fmt.Errorf("bundle %q input %q is %s, not %s", d.ID, layer.Name, layer.Kind, kind)
	}
	return layer, nil
}

func isPathRef(ref string) bool {
	return strings.ContainsRune(ref, '/') ||
		strings.ContainsRune(ref, os.PathSeparator) ||
		strings.HasPrefix(ref, ".")
}
