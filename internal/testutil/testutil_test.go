package testutil_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-bundleinfer/internal/testutil"
)

func TestRequireONNXRuntime_SkipsWhenAbsent(t *testing.T) {
	t.Setenv("ORT_LIBRARY_PATH", "/nonexistent/libonnxruntime.so")

	skipped := false
	fakeT := &skipTracker{TB: t, onSkip: func() { skipped = true }}
	testutil.RequireONNXRuntime(fakeT)
	if !skipped {
		t.Error("expected RequireONNXRuntime to skip when library is absent")
	}
}

func TestRequireModelFile_SkipsWhenUnset(t *testing.T) {
	t.Setenv("BUNDLEINFER_TEST_MODEL", "")

	skipped := false
	fakeT := &skipTracker{TB: t, onSkip: func() { skipped = true }}
	testutil.RequireModelFile(fakeT, "BUNDLEINFER_TEST_MODEL")
	if !skipped {
		t.Error("expected RequireModelFile to skip when env is unset")
	}
}

func TestWriteBundle_Layout(t *testing.T) {
	dir := testutil.WriteBundle(t, t.TempDir(), testutil.Fixture{
		ID:     "demo",
		Labels: []string{"cat", "dog"},
	})

	if filepath.Base(dir) != "demo" {
		t.Fatalf("unexpected bundle dir %q", dir)
	}
	for _, name := range []string{"model.json", "model.onnx", "labels.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s in fixture: %v", name, err)
		}
	}

	info, err := os.ReadFile(filepath.Join(dir, "model.json"))
	if err != nil {
		t.Fatalf("read model.json: %v", err)
	}
	if !strings.Contains(string(info), `"labels": "labels.txt"`) {
		t.Fatalf("model.json missing labels reference:\n%s", info)
	}
}

// skipTracker is a minimal testing.TB implementation that intercepts Skip calls.
type skipTracker struct {
	testing.TB
	onSkip func()
}

func (s *skipTracker) Helper() {}

func (s *skipTracker) Skip(_ ...any) {
	s.onSkip()
}

func (s *skipTracker) Skipf(_ string, _ ...any) {
	s.onSkip()
}
