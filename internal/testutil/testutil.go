// Package testutil provides shared skip helpers and fixtures for tests.
//
// Skip helpers call t.Skip with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    testutil.RequireONNXRuntime(t)
//	    dir := testutil.WriteBundle(t, t.TempDir(), testutil.Fixture{ID: "demo"})
//	    ...
//	}
package testutil

import (
	"os"
	"testing"
)

// ORTLibraryPath returns the first ONNX Runtime shared library found via
// ORT_LIBRARY_PATH, BUNDLEINFER_ORT_LIB or common system locations, or "".
func ORTLibraryPath() string {
	for _, env := range []string{"ORT_LIBRARY_PATH", "BUNDLEINFER_ORT_LIB"} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err == nil {
				return p
			}
			return ""
		}
	}
	candidates := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	if ORTLibraryPath() == "" {
		tb.Skip("ONNX Runtime shared library not found; set ORT_LIBRARY_PATH or BUNDLEINFER_ORT_LIB")
	}
}

// RequireModelFile skips the test unless path exists. Real .onnx fixtures are
// not committed; tests that need one point at an env-provided file.
func RequireModelFile(tb testing.TB, env string) string {
	tb.Helper()

	p := os.Getenv(env)
	if p == "" {
		tb.Skipf("%s not set; skipping test that needs a real model file", env)
		return ""
	}
	if _, err := os.Stat(p); err != nil {
		tb.Skipf("model file %s=%q not found: %v", env, p, err)
		return ""
	}
	return p
}
