package doctor_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-bundleinfer/internal/doctor"
	"github.com/example/go-bundleinfer/internal/testutil"
)

var errLibraryNotFound = errors.New("unable to detect ONNX Runtime library path")

func runtimeOK() (string, error) { return "/usr/lib/libonnxruntime.so (1.23.0)", nil }

func bundlesDir(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	testutil.WriteBundle(t, root, testutil.Fixture{ID: "cls", Labels: []string{"cat", "dog"}})
	return root
}

// ---------------------------------------------------------------------------
// all-pass scenario
// ---------------------------------------------------------------------------

func TestRun_AllChecksPass(t *testing.T) {
	cfg := doctor.Config{
		Runtime:    runtimeOK,
		BundlesDir: bundlesDir(t),
		Host: func() (doctor.HostFacts, error) {
			return doctor.HostFacts{OS: "linux", Arch: "amd64", MemoryTotal: 8 << 30, MemoryAvailable: 4 << 30}, nil
		},
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if result.Failed() {
		t.Errorf("expected all checks to pass; failures: %v", result.Failures())
	}

	body := out.String()
	for _, want := range []string{"onnx runtime", "bundle cls", "8GiB total", "4GiB available", "linux/amd64"} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q:\n%s", want, body)
		}
	}
}

// ---------------------------------------------------------------------------
// runtime
// ---------------------------------------------------------------------------

func TestRun_MissingRuntimeFails(t *testing.T) {
	cfg := doctor.Config{
		Runtime:    func() (string, error) { return "", errLibraryNotFound },
		BundlesDir: bundlesDir(t),
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure when the runtime is missing")
	}
	if !hasFailureContaining(result.Failures(), "onnx runtime") {
		t.Errorf("expected failure mentioning onnx runtime, got: %v", result.Failures())
	}
}

func TestRun_SkipRuntimeChecks(t *testing.T) {
	called := false
	cfg := doctor.Config{
		Runtime: func() (string, error) {
			called = true
			return "", errLibraryNotFound
		},
		SkipRuntime: true,
		BundlesDir:  bundlesDir(t),
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if called {
		t.Error("runtime probe should not run when skipped")
	}
	if result.Failed() {
		t.Errorf("unexpected failures: %v", result.Failures())
	}
	if !strings.Contains(out.String(), "skipped") {
		t.Errorf("output should report the skipped check:\n%s", out.String())
	}
}

// ---------------------------------------------------------------------------
// bundles
// ---------------------------------------------------------------------------

func TestRun_MissingBundlesDirFails(t *testing.T) {
	cfg := doctor.Config{
		SkipRuntime: true,
		BundlesDir:  filepath.Join(t.TempDir(), "nope"),
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !hasFailureContaining(result.Failures(), "bundles dir") {
		t.Errorf("expected bundles dir failure, got: %v", result.Failures())
	}
}

func TestRun_BundlesDirIsFileFails(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out strings.Builder
	result := doctor.Run(doctor.Config{SkipRuntime: true, BundlesDir: file}, &out)

	if !hasFailureContaining(result.Failures(), "not a directory") {
		t.Errorf("expected not-a-directory failure, got: %v", result.Failures())
	}
}

func TestRun_InvalidBundleFails(t *testing.T) {
	root := bundlesDir(t)
	testutil.WriteBundleFiles(t, filepath.Join(root, "broken"), map[string]any{"id": "broken"}, nil)

	var out strings.Builder
	result := doctor.Run(doctor.Config{SkipRuntime: true, BundlesDir: root}, &out)

	if !result.Failed() {
		t.Fatal("expected failure for an invalid bundle")
	}
	if !hasFailureContaining(result.Failures(), "broken") {
		t.Errorf("expected failure naming the broken bundle, got: %v", result.Failures())
	}
	if !strings.Contains(out.String(), doctor.PassMark+" bundle cls") {
		t.Errorf("valid bundle should still pass:\n%s", out.String())
	}
}

func TestRun_EmptyBundlesDirFails(t *testing.T) {
	var out strings.Builder
	result := doctor.Run(doctor.Config{SkipRuntime: true, BundlesDir: t.TempDir()}, &out)

	if !hasFailureContaining(result.Failures(), "no bundles") {
		t.Errorf("expected no-bundles failure, got: %v", result.Failures())
	}
}

// ---------------------------------------------------------------------------
// host
// ---------------------------------------------------------------------------

func TestRun_HostErrorFails(t *testing.T) {
	cfg := doctor.Config{
		SkipRuntime: true,
		BundlesDir:  bundlesDir(t),
		Host:        func() (doctor.HostFacts, error) { return doctor.HostFacts{}, errors.New("no procfs") },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !hasFailureContaining(result.Failures(), "host") {
		t.Errorf("expected host failure, got: %v", result.Failures())
	}
}

func TestRun_LowMemoryFails(t *testing.T) {
	cfg := doctor.Config{
		SkipRuntime: true,
		BundlesDir:  bundlesDir(t),
		MinMemory:   2 << 30,
		Host: func() (doctor.HostFacts, error) {
			return doctor.HostFacts{OS: "linux", Arch: "arm64", MemoryTotal: 1 << 30, MemoryAvailable: 512 << 20}, nil
		},
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !hasFailureContaining(result.Failures(), "memory") {
		t.Errorf("expected memory failure, got: %v", result.Failures())
	}
	if !strings.Contains(out.String(), "512MiB available") {
		t.Errorf("output should report available memory:\n%s", out.String())
	}
}

func TestSystemHost(t *testing.T) {
	facts, err := doctor.SystemHost()
	if err != nil {
		t.Skipf("host info unavailable: %v", err)
	}
	if facts.OS == "" || facts.Arch == "" {
		t.Errorf("SystemHost() = %+v; want OS and Arch set", facts)
	}
	if facts.MemoryTotal == 0 {
		t.Errorf("SystemHost().MemoryTotal = 0; want > 0")
	}
}

// ---------------------------------------------------------------------------
// output markers and result API
// ---------------------------------------------------------------------------

func TestRun_OutputContainsPassAndFailMarkers(t *testing.T) {
	cfg := doctor.Config{
		Runtime:    func() (string, error) { return "", errLibraryNotFound },
		BundlesDir: bundlesDir(t),
	}

	var out strings.Builder
	doctor.Run(cfg, &out)

	body := out.String()
	if !strings.Contains(body, doctor.PassMark) {
		t.Errorf("output missing pass marker %q:\n%s", doctor.PassMark, body)
	}
	if !strings.Contains(body, doctor.FailMark) {
		t.Errorf("output missing fail marker %q:\n%s", doctor.FailMark, body)
	}
}

func TestResult_AddFailure(t *testing.T) {
	var r doctor.Result
	if r.Failed() {
		t.Fatal("zero Result should not be failed")
	}
	r.AddFailure("extra")
	if !r.Failed() || len(r.Failures()) != 1 {
		t.Fatalf("Failures() = %v; want one entry", r.Failures())
	}
	r.Failures()[0] = "mutated"
	if r.Failures()[0] != "extra" {
		t.Error("Failures() should return a copy")
	}
}

func hasFailureContaining(failures []string, sub string) bool {
	for _, f := range failures {
		if strings.Contains(f, sub) {
			return true
		}
	}
	return false
}
