package server_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/classify"
	"github.com/example/go-bundleinfer/internal/executor"
	"github.com/example/go-bundleinfer/internal/model"
	"github.com/example/go-bundleinfer/internal/server"
	"github.com/example/go-bundleinfer/internal/tensor"
	"github.com/example/go-bundleinfer/internal/testutil"
)

var errKernel = errors.New("kernel fault")

// stubEngine scores labels 0.9, 0.6, 0.3, ... in declaration order.
type stubEngine struct {
	runErr error
}

func (e *stubEngine) Open(_ context.Context, d *bundle.Descriptor) (model.Session, error) {
	return &stubSession{engine: e, desc: d}, nil
}

type stubSession struct {
	engine *stubEngine
	desc   *bundle.Descriptor
}

func (s *stubSession) Run(_ context.Context, _ map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if s.engine.runErr != nil {
		return nil, s.engine.runErr
	}
	out := s.desc.Outputs[0]
	scores := make([]float32, out.ItemCount())
	for i := range scores {
		scores[i] = 0.9 - 0.3*float32(i)
	}
	t, err := tensor.New(scores, out.ConcreteShape())
	if err != nil {
		return nil, err
	}
	return map[string]*tensor.Tensor{out.Name: t}, nil
}

func (s *stubSession) Close() error { return nil }

type fixture struct {
	svc    *classify.Service
	models *server.Models
	reg    *bundle.DirRegistry
}

// newFixture serves two bundles: "cls" takes four raw values, "img" a 2x2
// RGB image.
func newFixture(t *testing.T, eng model.Engine) *fixture {
	t.Helper()

	root := t.TempDir()
	testutil.WriteBundle(t, root, testutil.Fixture{ID: "cls", Labels: []string{"cat", "dog", "bird"}})
	testutil.WriteBundle(t, root, testutil.Fixture{
		ID:         "img",
		Labels:     []string{"a", "b"},
		InputType:  "image",
		InputShape: []int64{2, 2, 3},
	})

	reg, err := bundle.NewDirRegistry(root)
	if err != nil {
		t.Fatalf("NewDirRegistry: %v", err)
	}
	exec, err := executor.New(1)
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}
	t.Cleanup(func() { _ = exec.Close() })

	resolver := bundle.NewResolver(reg)
	svc := classify.New(resolver, eng, exec)
	models := server.NewModels(svc, resolver)
	t.Cleanup(models.Close)

	return &fixture{svc: svc, models: models, reg: reg}
}

// capturingHandler captures all slog records during a test.
type capturingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (c *capturingHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (c *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
	return nil
}
func (c *capturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return c }
func (c *capturingHandler) WithGroup(name string) slog.Handler       { return c }

func (c *capturingHandler) find(msg string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if r.Message != msg {
			continue
		}
		m := make(map[string]any)
		r.Attrs(func(a slog.Attr) bool {
			m[a.Key] = a.Value.Any()
			return true
		})
		return m, true
	}
	return nil, false
}
