// Package doctor provides environment preflight checks for bundleinfer.
package doctor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"slices"

	"github.com/docker/go-units"
	"github.com/elastic/go-sysinfo"

	"github.com/example/go-bundleinfer/internal/bundle"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// HostFacts is what the host check reports.
type HostFacts struct {
	OS              string
	Arch            string
	MemoryTotal     uint64
	MemoryAvailable uint64
}

type HostFunc func() (HostFacts, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// Runtime describes the detected ONNX Runtime library.
	Runtime VersionFunc
	// SkipRuntime skips the runtime check.
	SkipRuntime bool
	// BundlesDir is scanned and every bundle in it validated.
	BundlesDir string
	// Host reports OS and memory; nil skips the host check.
	Host HostFunc
	// MinMemory, when non-zero, fails the host check if less memory is
	// available.
	MinMemory uint64
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- ONNX Runtime -----------------------------------------------------
	if cfg.SkipRuntime || cfg.Runtime == nil {
		fmt.Fprintf(w, "%s onnx runtime: skipped\n", PassMark)
	} else {
		ver, err := cfg.Runtime()
		if err != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", err))
			fmt.Fprintf(w, "%s onnx runtime: not found (%v)\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s onnx runtime: %s\n", PassMark, ver)
		}
	}

	// ---- bundles ----------------------------------------------------------
	checkBundles(cfg.BundlesDir, w, &res)

	// ---- host -------------------------------------------------------------
	if cfg.Host != nil {
		checkHost(cfg, w, &res)
	}

	return res
}

func checkBundles(dir string, w io.Writer, res *Result) {
	if dir == "" {
		fmt.Fprintf(w, "%s bundles dir: skipped\n", PassMark)
		return
	}
	info, err := os.Stat(dir)
	if err != nil {
		res.fail(fmt.Sprintf("bundles dir %q: %v", dir, err))
		fmt.Fprintf(w, "%s bundles dir %s: not found\n", FailMark, dir)
		return
	}
	if !info.IsDir() {
		res.fail(fmt.Sprintf("bundles dir %q: not a directory", dir))
		fmt.Fprintf(w, "%s bundles dir %s: not a directory\n", FailMark, dir)
		return
	}
	fmt.Fprintf(w, "%s bundles dir: %s\n", PassMark, dir)

	reg, err := bundle.NewDirRegistry(dir, bundle.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		res.fail(fmt.Sprintf("bundles dir %q: %v", dir, err))
		fmt.Fprintf(w, "%s bundles scan: %v\n", FailMark, err)
		return
	}

	for _, id := range reg.IDs() {
		loc, _ := reg.Lookup(id)
		fmt.Fprintf(w, "%s bundle %s: %s\n", PassMark, id, loc)
	}

	skipped := reg.Skipped()
	locs := make([]string, 0, len(skipped))
	for loc := range skipped {
		locs = append(locs, loc)
	}
	slices.Sort(locs)
	for _, loc := range locs {
		res.fail(fmt.Sprintf("bundle %s: %v", loc, skipped[loc]))
		fmt.Fprintf(w, "%s bundle %s: %v\n", FailMark, loc, skipped[loc])
	}

	if len(reg.IDs()) == 0 && len(locs) == 0 {
		res.fail(fmt.Sprintf("bundles dir %q: no bundles found", dir))
		fmt.Fprintf(w, "%s bundles: none found in %s\n", FailMark, dir)
	}
}

func checkHost(cfg Config, w io.Writer, res *Result) {
	facts, err := cfg.Host()
	if err != nil {
		res.fail(fmt.Sprintf("host: %v", err))
		fmt.Fprintf(w, "%s host: %v\n", FailMark, err)
		return
	}
	fmt.Fprintf(w, "%s host: %s/%s\n", PassMark, facts.OS, facts.Arch)

	mem := fmt.Sprintf("%s total, %s available",
		units.BytesSize(float64(facts.MemoryTotal)),
		units.BytesSize(float64(facts.MemoryAvailable)))
	if cfg.MinMemory > 0 && facts.MemoryAvailable < cfg.MinMemory {
		res.fail(fmt.Sprintf("memory: %s available, want at least %s",
			units.BytesSize(float64(facts.MemoryAvailable)), units.BytesSize(float64(cfg.MinMemory))))
		fmt.Fprintf(w, "%s memory: %s\n", FailMark, mem)
		return
	}
	fmt.Fprintf(w, "%s memory: %s\n", PassMark, mem)
}

// SystemHost reads host facts from the operating system.
func SystemHost() (HostFacts, error) {
	host, err := sysinfo.Host()
	if err != nil {
		return HostFacts{}, fmt.Errorf("read host info: %w", err)
	}

	info := host.Info()
	facts := HostFacts{OS: runtime.GOOS, Arch: info.Architecture}
	if info.OS != nil && info.OS.Name != "" {
		facts.OS = info.OS.Name
		if info.OS.Version != "" {
			facts.OS += " " + info.OS.Version
		}
	}
	if facts.Arch == "" {
		facts.Arch = runtime.GOARCH
	}

	mem, err := host.Memory()
	if err != nil {
		return facts, errors.Join(errors.New("read host memory"), err)
	}
	facts.MemoryTotal = mem.Total
	facts.MemoryAvailable = mem.Available
	return facts, nil
}
