package main

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/config"
	"github.com/example/go-bundleinfer/internal/model"
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

// useEngine swaps the engine factory for the duration of the test.
func useEngine(t *testing.T, eng model.Engine) {
	t.Helper()

	orig := newEngine
	t.Cleanup(func() { newEngine = orig })
	newEngine = func(config.RuntimeConfig, *slog.Logger) (model.Engine, error) {
		return eng, nil
	}
}

// bundlesRoot writes "cls" (four raw values, labels cat/dog/bird) and returns
// the bundles dir.
func bundlesRoot(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	testutil.WriteBundle(t, root, testutil.Fixture{ID: "cls", Labels: []string{"cat", "dog", "bird"}})
	return root
}

// runCmd executes the root command with args and returns stdout and stderr.
func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	prevLogger := slog.Default()
	origCfg := activeCfg
	t.Cleanup(func() {
		slog.SetDefault(prevLogger)
		activeCfg = origCfg
	})

	root := NewRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append(args, "--log-level", "error"))

	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// zipDir archives every regular file under dir into a new zip file.
func zipDir(t *testing.T, dir string) string {
	t.Helper()

	out := filepath.Join(t.TempDir(), "bundle.zip")
	f, err := os.Create(out)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		t.Fatalf("zip bundle: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return out
}
