package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/classify"
	"github.com/example/go-bundleinfer/internal/config"
	"github.com/example/go-bundleinfer/internal/model"
	"github.com/example/go-bundleinfer/internal/rank"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxImageBytes  int64
	requestTimeout time.Duration
	metrics        http.Handler
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxImageBytes:  10 << 20,
		requestTimeout: 60 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxImageBytes caps the request body of POST /models/{id}/classify.
func WithMaxImageBytes(n int64) Option {
	return func(o *options) { o.maxImageBytes = n }
}

// WithRequestTimeout sets the per-request classification deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithMetrics mounts h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	svc    *classify.Service
	models *Models
	opts   options
	log    *slog.Logger
}

// NewHandler returns an http.Handler that serves /health, /models,
// POST /models/{id}/classify and, when configured, /metrics.
func NewHandler(svc *classify.Service, models *Models, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		svc:    svc,
		models: models,
		opts:   opts,
		log:    opts.logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("GET /models", h.handleModels)
	mux.HandleFunc("/models/{id}/classify", h.handleClassify)
	if opts.metrics != nil {
		mux.Handle("/metrics", opts.metrics)
	}
	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": buildVersion(),
		"models":  len(h.models.IDs()),
	})
}

type layerInfo struct {
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Shape  []int64 `json:"shape"`
	DType  string  `json:"dtype"`
	Labels int     `json:"labels,omitempty"`
}

type modelInfo struct {
	ID      string      `json:"id"`
	Name    string      `json:"name,omitempty"`
	Version string      `json:"version,omitempty"`
	Loaded  bool        `json:"loaded"`
	Inputs  []layerInfo `json:"inputs,omitempty"`
	Outputs []layerInfo `json:"outputs,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (h *handler) handleModels(w http.ResponseWriter, _ *http.Request) {
	ids := h.models.IDs()
	out := make([]modelInfo, 0, len(ids))
	for _, id := range ids {
		info := modelInfo{ID: id, Loaded: h.models.Loaded(id)}
		d, err := h.svc.Descriptor(id)
		if err != nil {
			info.Error = err.Error()
			out = append(out, info)
			continue
		}
		info.Name = d.Name
		info.Version = d.Version
		info.Inputs = layerInfos(d.Inputs)
		info.Outputs = layerInfos(d.Outputs)
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func layerInfos(layers []bundle.Layer) []layerInfo {
	out := make([]layerInfo, 0, len(layers))
	for _, l := range layers {
		out = append(out, layerInfo{
			Name:   l.Name,
			Type:   string(l.Kind),
			Shape:  l.Shape,
			DType:  string(l.DType),
			Labels: len(l.Labels),
		})
	}
	return out
}

type valuesRequest struct {
	Input []float32 `json:"input"`
}

type classifyResponse struct {
	Model      string       `json:"model"`
	Task       string       `json:"task"`
	Output     string       `json:"output"`
	Ranking    rank.Ranking `json:"ranking"`
	Stats      rank.Stats   `json:"stats"`
	DurationMS int64        `json:"duration_ms"`
}

func (h *handler) handleClassify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}

	id := r.PathValue("id")
	reqOpts, err := rankingOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	m, err := h.models.Get(ctx, id)
	if err != nil {
		h.log.WarnContext(r.Context(), "model unavailable", slog.String("id", id), slog.String("error", err.Error()))
		writeError(w, statusFor(err), err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.maxImageBytes)
	in, err := h.readInput(r, m.Descriptor())
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request exceeds maximum size of %d bytes", h.opts.maxImageBytes))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	pred, err := h.svc.Predict(ctx, m, in, reqOpts...)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		status := statusFor(err)
		if status == http.StatusGatewayTimeout {
			h.log.WarnContext(r.Context(), "classification timed out",
				slog.String("id", id),
				slog.Int64("duration_ms", durationMS),
				slog.String("error", err.Error()),
			)
			writeError(w, status, "classification timed out")
			return
		}
		h.log.ErrorContext(r.Context(), "classification failed",
			slog.String("id", id),
			slog.Int64("duration_ms", durationMS),
			slog.String("error", err.Error()),
		)
		writeError(w, status, err.Error())
		return
	}

	h.log.InfoContext(r.Context(), "classification complete",
		slog.String("id", id),
		slog.String("task", pred.TaskID),
		slog.Int("ranking_size", len(pred.Ranking)),
		slog.Int64("duration_ms", durationMS),
	)

	ranking := pred.Ranking
	if ranking == nil {
		ranking = rank.Ranking{}
	}
	writeJSON(w, http.StatusOK, classifyResponse{
		Model:      pred.ModelID,
		Task:       pred.TaskID,
		Output:     pred.Output,
		Ranking:    ranking,
		Stats:      pred.Stats,
		DurationMS: pred.Duration.Milliseconds(),
	})
}

// readInput accepts a multipart form with an "image" file or a JSON body of
// raw input values.
func (h *handler) readInput(r *http.Request, d *bundle.Descriptor) (model.Input, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		if err := r.ParseMultipartForm(h.opts.maxImageBytes); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, errors.New("no image file provided; use 'image' as the form field name")
		}
		defer func() { _ = file.Close() }()
		return classify.ImageInput(d, file)
	}

	var req valuesRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(req.Input) == 0 {
		return nil, errors.New("input field is required")
	}
	return classify.ValuesInput(d, req.Input)
}

func rankingOptions(r *http.Request) ([]classify.RequestOption, error) {
	var opts []classify.RequestOption
	q := r.URL.Query()
	if raw := q.Get("top_n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("top_n must be a positive integer, got %q", raw)
		}
		opts = append(opts, classify.TopN(n))
	}
	if raw := q.Get("threshold"); raw != "" {
		t, err := strconv.ParseFloat(raw, 32)
		if err != nil || math.IsNaN(t) {
			return nil, fmt.Errorf("threshold must be a number, got %q", raw)
		}
		opts = append(opts, classify.Threshold(float32(t)))
	}
	return opts, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, bundle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bundle.ErrMalformed), errors.Is(err, classify.ErrNoClassification):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrShapeMismatch), errors.Is(err, rank.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrNotLoaded), errors.Is(err, model.ErrLoad):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server wires handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

// Deps are the long-lived components a Server serves from.
type Deps struct {
	Service *classify.Service
	Models  *Models
	Metrics http.Handler
	// Reloader, when set and watching is enabled, is rescanned on bundle
	// directory changes.
	Reloader bundle.Reloader
	Logger   *slog.Logger
}

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	deps            Deps
	shutdownTimeout time.Duration
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	timeout := 30 * time.Second
	if cfg.Server.ShutdownTimeout > 0 {
		timeout = time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	}
	return &Server{
		cfg:             cfg,
		deps:            deps,
		shutdownTimeout: timeout,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

func (s *Server) Handler() (http.Handler, error) {
	if s.deps.Service == nil || s.deps.Models == nil {
		return nil, errors.New("server needs a classification service and a model set")
	}
	maxImage, err := s.cfg.Server.MaxImageBytes()
	if err != nil {
		return nil, err
	}
	handlerOpts := []Option{
		WithMaxImageBytes(maxImage),
		WithLogger(s.deps.Logger),
		WithMetrics(s.deps.Metrics),
	}
	if s.cfg.Server.RequestTimeout > 0 {
		handlerOpts = append(handlerOpts, WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second))
	}
	return NewHandler(s.deps.Service, s.deps.Models, handlerOpts...), nil
}

func (s *Server) Start(ctx context.Context) error {
	h, err := s.Handler()
	if err != nil {
		return err
	}

	if s.cfg.Server.WatchBundles && s.deps.Reloader != nil {
		go func() {
			reloader := syncingReloader{Reloader: s.deps.Reloader, models: s.deps.Models}
			if err := bundle.Watch(ctx, reloader, s.deps.Logger); err != nil {
				s.deps.Logger.Warn("bundle watch stopped", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.deps.Logger.Info("server listening", "addr", s.cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
