package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/example/go-bundleinfer/internal/config"
)

type RuntimeInfo struct {
	LibraryPath string
	Version     string
	APIVersion  uint32
	Initialized bool
}

var versionPattern = regexp.MustCompile(`([0-9]+\.[0-9]+\.[0-9]+)`)

var (
	bootstrapMu   sync.Mutex
	bootstrapInfo RuntimeInfo
	bootstrapErr  error
	bootstrapped  bool
)

// Bootstrap detects the runtime once per process. Later calls return the
// first result regardless of cfg.
func Bootstrap(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	bootstrapMu.Lock()
	defer bootstrapMu.Unlock()

	if bootstrapped {
		return bootstrapInfo, bootstrapErr
	}
	bootstrapped = true

	info, err := DetectRuntime(cfg)
	if err != nil {
		bootstrapErr = err
		return RuntimeInfo{}, err
	}
	if err := os.Setenv("BUNDLEINFER_ORT_LIB", info.LibraryPath); err != nil {
		bootstrapErr = fmt.Errorf("set BUNDLEINFER_ORT_LIB: %w", err)
		return RuntimeInfo{}, bootstrapErr
	}

	info.Initialized = true
	bootstrapInfo = info
	return bootstrapInfo, nil
}

// Shutdown tears down process-wide runtime state. Safe to call repeatedly.
func Shutdown() error {
	bootstrapMu.Lock()
	defer bootstrapMu.Unlock()

	if !bootstrapInfo.Initialized {
		return nil
	}
	bootstrapInfo.Initialized = false
	return shutdownCgo()
}

func DetectRuntime(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	path := cfg.ORTLibraryPath
	if path == "" {
		path = os.Getenv("BUNDLEINFER_ORT_LIB")
	}

	if path == "" {
		path = os.Getenv("ORT_LIBRARY_PATH")
	}

	if path == "" {
		candidates := []string{
			"/usr/lib/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
			"/opt/homebrew/lib/libonnxruntime.dylib",
			"C:/onnxruntime/lib/onnxruntime.dll",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	if path == "" {
		return RuntimeInfo{LibraryPath: "not found", Version: "unknown"}, errors.New("unable to detect ONNX Runtime library path")
	}

	if _, err := os.Stat(path); err != nil {
		return RuntimeInfo{LibraryPath: path, Version: "unknown"}, fmt.Errorf("onnx runtime library path check failed: %w", err)
	}

	version := cfg.ORTVersion
	if version == "" {
		version = os.Getenv("ORT_VERSION")
	}
	if version == "" {
		version = inferVersionFromPath(path)
	}
	if version == "" {
		version = "unknown"
	}

	api := cfg.ORTAPIVersion
	if api == 0 {
		api = defaultAPIVersion
	}

	return RuntimeInfo{LibraryPath: path, Version: version, APIVersion: api}, nil
}

func inferVersionFromPath(path string) string {
	name := filepath.Base(path)
	if m := versionPattern.FindStringSubmatch(name); len(m) == 2 {
		return m[1]
	}
	return ""
}
