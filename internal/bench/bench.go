// Package bench provides benchmarking primitives for the bundleinfer bench command.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing and top prediction of a single classification run.
type RunResult struct {
	Index    int
	Cold     bool // true for the first run (includes model load)
	Duration time.Duration
	Top      string
	Score    float32
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
	P95  time.Duration
}

// ComputeStats calculates min, max, mean and the 95th percentile (nearest
// rank) over a slice of durations.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := (95*len(sorted) + 99) / 100
	return Stats{
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		Mean: sum / time.Duration(len(sorted)),
		P95:  sorted[rank-1],
	}
}

// Durations extracts the run durations, optionally dropping the cold run.
func Durations(runs []RunResult, skipCold bool) []time.Duration {
	out := make([]time.Duration, 0, len(runs))
	for _, r := range runs {
		if skipCold && r.Cold {
			continue
		}
		out = append(out, r.Duration)
	}
	return out
}

// Throughput returns classifications per second for a mean latency.
func Throughput(mean time.Duration) float64 {
	if mean <= 0 {
		return 0
	}
	return float64(time.Second) / float64(mean)
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// RunFunc performs one classification and returns its top label and score.
type RunFunc func(ctx context.Context) (string, float32, error)

// Run calls fn n times sequentially. The first call is marked cold.
func Run(ctx context.Context, n int, fn RunFunc) ([]RunResult, error) {
	if n < 1 {
		return nil, fmt.Errorf("runs must be >= 1, got %d", n)
	}
	runs := make([]RunResult, 0, n)
	for i := range n {
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		start := time.Now()
		label, score, err := fn(ctx)
		if err != nil {
			return runs, fmt.Errorf("run %d: %w", i+1, err)
		}
		runs = append(runs, RunResult{
			Index:    i,
			Cold:     i == 0,
			Duration: time.Since(start),
			Top:      label,
			Score:    score,
		})
	}
	return runs, nil
}

// ---------------------------------------------------------------------------
// Latency threshold gate
// ---------------------------------------------------------------------------

// CheckLatencyThreshold returns an error if mean > threshold.
// A threshold of 0 disables the gate.
func CheckLatencyThreshold(mean, threshold time.Duration) error {
	if threshold <= 0 {
		return nil
	}
	if mean > threshold {
		return fmt.Errorf("mean latency %s exceeds threshold %s", mean, threshold)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %-20s  %8s\n", "Run", "Cold", "MS", "Top", "Score")
	fmt.Fprintln(sb, strings.Repeat("-", 56))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.1f  %-20s  %8.3f\n",
			r.Index+1,
			cold,
			ms(r.Duration),
			r.Top,
			r.Score,
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 56))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (min)\n", "", "", ms(stats.Min))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (mean)\n", "", "", ms(stats.Mean))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (p95)\n", "", "", ms(stats.P95))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (max)\n", "", "", ms(stats.Max))
	fmt.Fprintf(sb, "throughput: %.1f/s\n", Throughput(stats.Mean))

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	DurationMS float64 `json:"duration_ms"`
	Top        string  `json:"top"`
	Score      float32 `json:"score"`
}

type jsonStats struct {
	MinMS      float64 `json:"min_ms"`
	MeanMS     float64 `json:"mean_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	Throughput float64 `json:"throughput_per_s"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) error {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:      ms(stats.Min),
			MeanMS:     ms(stats.Mean),
			P95MS:      ms(stats.P95),
			MaxMS:      ms(stats.Max),
			Throughput: Throughput(stats.Mean),
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			DurationMS: ms(r.Duration),
			Top:        r.Top,
			Score:      r.Score,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}
