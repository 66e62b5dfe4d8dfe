// Package metrics keeps process counters for inference and renders them in
// the Prometheus text exposition format.
package metrics

import (
	"errors"
	"io"
	"net/http"
	"slices"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/example/go-bundleinfer/internal/executor"
)

const namespace = "bundleinfer_"

type modelCounters struct {
	completed  uint64
	failed     uint64
	canceled   uint64
	loadOK     uint64
	loadFailed uint64
	nonFinite  uint64
}

// Registry implements executor.Observer; hand it to executor.WithObserver.
type Registry struct {
	mu         sync.Mutex
	submitted  uint64
	queueDepth int
	models     map[string]*modelCounters
}

func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*modelCounters)}
}

func (r *Registry) model(id string) *modelCounters {
	c, ok := r.models[id]
	if !ok {
		c = &modelCounters{}
		r.models[id] = c
	}
	return c
}

func (r *Registry) Submitted(queueDepth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted++
	r.queueDepth = queueDepth
}

func (r *Registry) Finished(res executor.Result, queueDepth int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queueDepth = queueDepth
	c := r.model(res.ModelID)
	switch {
	case res.Err == nil:
		c.completed++
	case errors.Is(res.Err, executor.ErrCanceled):
		c.canceled++
	default:
		c.failed++
	}
}

// ModelLoaded records a load outcome.
func (r *Registry) ModelLoaded(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.model(id)
	if err != nil {
		c.loadFailed++
		return
	}
	c.loadOK++
}

// NonFiniteExcluded records scores dropped from a ranking.
func (r *Registry) NonFiniteExcluded(id string, n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.model(id).nonFinite += uint64(n)
}

// Families snapshots the counters, sorted by family name.
func (r *Registry) Families() []*dto.MetricFamily {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	perModel := func(name, help string, value func(*modelCounters) uint64) *dto.MetricFamily {
		f := counterFamily(name, help)
		for _, id := range ids {
			f.Metric = append(f.Metric, &dto.Metric{
				Label:   []*dto.LabelPair{{Name: proto.String("model"), Value: proto.String(id)}},
				Counter: &dto.Counter{Value: proto.Float64(float64(value(r.models[id])))},
			})
		}
		return f
	}

	submitted := counterFamily("inferences_submitted_total", "Inference tasks accepted by the executor.")
	submitted.Metric = []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(float64(r.submitted))}}}

	depth := &dto.MetricFamily{
		Name:   proto.String(namespace + "executor_queue_depth"),
		Help:   proto.String("Tasks waiting for a worker."),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(float64(r.queueDepth))}}},
	}

	return []*dto.MetricFamily{
		depth,
		perModel("inferences_canceled_total", "Inference tasks canceled before they started.",
			func(c *modelCounters) uint64 { return c.canceled }),
		perModel("inferences_completed_total", "Inference runs that produced an output.",
			func(c *modelCounters) uint64 { return c.completed }),
		perModel("inferences_failed_total", "Inference runs that returned an error.",
			func(c *modelCounters) uint64 { return c.failed }),
		submitted,
		perModel("model_load_failures_total", "Failed model loads.",
			func(c *modelCounters) uint64 { return c.loadFailed }),
		perModel("model_loads_total", "Successful model loads.",
			func(c *modelCounters) uint64 { return c.loadOK }),
		perModel("ranking_non_finite_scores_total", "Scores excluded from rankings for being NaN or infinite.",
			func(c *modelCounters) uint64 { return c.nonFinite }),
	}
}

// WriteText encodes all families in the Prometheus text format.
func (r *Registry) WriteText(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, f := range r.Families() {
		if len(f.Metric) == 0 {
			continue
		}
		if err := enc.Encode(f); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		_ = r.WriteText(w)
	})
}

func counterFamily(name, help string) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(namespace + name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
	}
}
