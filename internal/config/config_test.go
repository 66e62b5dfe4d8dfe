package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

func newFlagBinder(t *testing.T, defaults Config, args ...string) *fakeBinder {
	t.Helper()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return &fakeBinder{fs: fs}
}

// --- DefaultConfig ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "info")
	}

	if cfg.Paths.BundlesDir != "bundles" {
		t.Errorf("Paths.BundlesDir = %q; want %q", cfg.Paths.BundlesDir, "bundles")
	}

	if cfg.Runtime.Backend != BackendPurego {
		t.Errorf("Runtime.Backend = %q; want %q", cfg.Runtime.Backend, BackendPurego)
	}

	if cfg.Runtime.ORTAPIVersion != 23 {
		t.Errorf("Runtime.ORTAPIVersion = %d; want 23", cfg.Runtime.ORTAPIVersion)
	}

	if cfg.Executor.Workers != 1 {
		t.Errorf("Executor.Workers = %d; want 1", cfg.Executor.Workers)
	}

	if cfg.Ranking.TopN != 5 {
		t.Errorf("Ranking.TopN = %d; want 5", cfg.Ranking.TopN)
	}

	if cfg.Ranking.Threshold != 0.1 {
		t.Errorf("Ranking.Threshold = %v; want 0.1", cfg.Ranking.Threshold)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("Server.ListenAddr = %q; want %q", cfg.Server.ListenAddr, ":8080")
	}

	n, err := cfg.Server.MaxImageBytes()
	if err != nil || n != 10*1024*1024 {
		t.Errorf("MaxImageBytes() = %d, %v; want %d", n, err, 10*1024*1024)
	}
}

// --- NormalizeBackend ---

func TestNormalizeBackend(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"purego canonical", "onnx-purego", "onnx-purego", false},
		{"cgo canonical", "onnx-cgo", "onnx-cgo", false},
		{"onnx alias", "onnx", "onnx-purego", false},
		{"cgo alias uppercase", "CGO", "onnx-cgo", false},
		{"alias with spaces", "  onnx  ", "onnx-purego", false},
		{"empty defaults to purego", "", "onnx-purego", false},
		{"invalid value", "tflite", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeBackend(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NormalizeBackend(%q) = %q, nil; want error", tt.input, got)
				}

				return
			}

			if err != nil {
				t.Errorf("NormalizeBackend(%q) unexpected error: %v", tt.input, err)
				return
			}

			if got != tt.want {
				t.Errorf("NormalizeBackend(%q) = %q; want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeBusyPolicy(t *testing.T) {
	for in, want := range map[string]string{"": "queue", "Queue": "queue", " reject ": "reject"} {
		got, err := NormalizeBusyPolicy(in)
		if err != nil || got != want {
			t.Errorf("NormalizeBusyPolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}

	if _, err := NormalizeBusyPolicy("drop"); err == nil {
		t.Error("NormalizeBusyPolicy(drop) = nil error; want error")
	}
}

// --- RegisterFlags ---

func TestRegisterFlags(t *testing.T) {
	defaults := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	checks := []struct {
		flag string
		want string
	}{
		{"paths-bundles-dir", "bundles"},
		{"server-listen-addr", ":8080"},
		{"backend", "onnx-purego"},
		{"log-level", "info"},
		{"top-n", "5"},
		{"threshold", "0.1"},
		{"server-max-image-size", "10MB"},
	}

	for _, c := range checks {
		f := fs.Lookup(c.flag)
		if f == nil {
			t.Errorf("flag %q not registered", c.flag)
			continue
		}

		if f.DefValue != c.want {
			t.Errorf("flag %q default = %q; want %q", c.flag, f.DefValue, c.want)
		}
	}

	for name := range flagKeys {
		if fs.Lookup(name) == nil {
			t.Errorf("flagKeys references unregistered flag %q", name)
		}
	}
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ORT_LIBRARY_PATH", "")
	t.Setenv("BUNDLEINFER_ORT_LIB", "")
	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{
		Cmd:      newFlagBinder(t, defaults),
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg != defaults {
		t.Errorf("Load() = %+v; want defaults %+v", cfg, defaults)
	}
}

func TestLoad_NilCmd(t *testing.T) {
	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Ranking.TopN != 5 || cfg.Paths.BundlesDir != "bundles" {
		t.Errorf("Load() without flags = %+v; want defaults", cfg)
	}
}

func TestLoad_FlagOverride(t *testing.T) {
	defaults := DefaultConfig()
	binder := newFlagBinder(t, defaults,
		"--backend=onnx-cgo",
		"--workers=8",
		"--log-level=debug",
		"--top-n=3",
		"--threshold=0.25",
		"--ort-lib=/opt/ort/libonnxruntime.so",
	)

	cfg, err := Load(LoadOptions{Cmd: binder, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Runtime.Backend != "onnx-cgo" {
		t.Errorf("Runtime.Backend = %q; want %q", cfg.Runtime.Backend, "onnx-cgo")
	}

	if cfg.Executor.Workers != 8 {
		t.Errorf("Executor.Workers = %d; want 8", cfg.Executor.Workers)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "debug")
	}

	if cfg.Ranking.TopN != 3 || cfg.Ranking.Threshold != 0.25 {
		t.Errorf("Ranking = %+v; want top_n=3 threshold=0.25", cfg.Ranking)
	}

	if cfg.Runtime.ORTLibraryPath != "/opt/ort/libonnxruntime.so" {
		t.Errorf("Runtime.ORTLibraryPath = %q; want the --ort-lib value", cfg.Runtime.ORTLibraryPath)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("BUNDLEINFER_LOG_LEVEL", "warn")
	t.Setenv("BUNDLEINFER_SERVER_LISTEN_ADDR", ":9999")
	t.Setenv("BUNDLEINFER_ORT_LIB", "/env/libonnxruntime.so")
	t.Setenv("BUNDLEINFER_RANKING_TOP_N", "7")

	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{
		Cmd:      newFlagBinder(t, defaults),
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "warn")
	}

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("Server.ListenAddr = %q; want %q", cfg.Server.ListenAddr, ":9999")
	}

	if cfg.Runtime.ORTLibraryPath != "/env/libonnxruntime.so" {
		t.Errorf("Runtime.ORTLibraryPath = %q; want %q", cfg.Runtime.ORTLibraryPath, "/env/libonnxruntime.so")
	}

	if cfg.Ranking.TopN != 7 {
		t.Errorf("Ranking.TopN = %d; want 7", cfg.Ranking.TopN)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "bundleinfer.yaml")

	content := `
log_level: error
executor:
  workers: 16
  busy_policy: reject
ranking:
  filter: "score > 0.5"
server:
  listen_addr: ":7777"
`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	defaults := DefaultConfig()
	cfg, err := Load(LoadOptions{
		Cmd:        newFlagBinder(t, defaults, "--server-listen-addr=:6666"),
		ConfigFile: cfgFile,
		Defaults:   defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "error")
	}

	if cfg.Executor.Workers != 16 || cfg.Executor.BusyPolicy != "reject" {
		t.Errorf("Executor = %+v; want workers=16 busy_policy=reject", cfg.Executor)
	}

	if cfg.Ranking.Filter != "score > 0.5" {
		t.Errorf("Ranking.Filter = %q; want %q", cfg.Ranking.Filter, "score > 0.5")
	}

	if cfg.Server.ListenAddr != ":6666" {
		t.Errorf("Server.ListenAddr = %q; want explicit flag to win over file", cfg.Server.ListenAddr)
	}

	if cfg.Ranking.TopN != 5 {
		t.Errorf("Ranking.TopN = %d; want default 5", cfg.Ranking.TopN)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgFile, []byte(":\t:bad yaml:::"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(LoadOptions{
		ConfigFile: cfgFile,
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for invalid config file")
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: "/nonexistent/path/bundleinfer.yaml",
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for missing explicit config file")
	}
}

// --- Validate ---

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Runtime.Backend = "onnx"
	cfg.Executor.BusyPolicy = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Runtime.Backend != BackendPurego || cfg.Executor.BusyPolicy != BusyQueue {
		t.Errorf("Validate() did not normalize: %+v", cfg)
	}

	mutations := map[string]func(*Config){
		"zero workers":   func(c *Config) { c.Executor.Workers = 0 },
		"zero top n":     func(c *Config) { c.Ranking.TopN = 0 },
		"bad backend":    func(c *Config) { c.Runtime.Backend = "tflite" },
		"bad policy":     func(c *Config) { c.Executor.BusyPolicy = "drop" },
		"bad image size": func(c *Config) { c.Server.MaxImageSize = "lots" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate() = nil; want error")
			}
		})
	}
}
