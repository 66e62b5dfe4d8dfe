package bench_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/go-bundleinfer/internal/bench"
)

// ---------------------------------------------------------------------------
// Aggregation
// ---------------------------------------------------------------------------

func TestStats_MinMaxMean(t *testing.T) {
	durations := []time.Duration{
		300 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
	}
	s := bench.ComputeStats(durations)

	if s.Min != 100*time.Millisecond {
		t.Errorf("want min=100ms, got %v", s.Min)
	}

	if s.Max != 300*time.Millisecond {
		t.Errorf("want max=300ms, got %v", s.Max)
	}

	if s.Mean != 200*time.Millisecond {
		t.Errorf("want mean=200ms, got %v", s.Mean)
	}

	if durations[0] != 300*time.Millisecond {
		t.Error("ComputeStats must not reorder its input")
	}
}

func TestStats_P95(t *testing.T) {
	durations := make([]time.Duration, 0, 20)
	for i := 1; i <= 20; i++ {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	s := bench.ComputeStats(durations)
	if s.P95 != 19*time.Millisecond {
		t.Errorf("want p95=19ms, got %v", s.P95)
	}
}

func TestStats_SingleRun(t *testing.T) {
	s := bench.ComputeStats([]time.Duration{150 * time.Millisecond})
	if s.Min != s.Max || s.Min != s.Mean || s.Min != s.P95 {
		t.Errorf("single run: all stats should be equal, got %+v", s)
	}
}

func TestStats_Empty(t *testing.T) {
	if s := bench.ComputeStats(nil); s != (bench.Stats{}) {
		t.Errorf("ComputeStats(nil) = %+v; want zero", s)
	}
}

func TestDurations_SkipCold(t *testing.T) {
	runs := []bench.RunResult{
		{Index: 0, Cold: true, Duration: time.Second},
		{Index: 1, Duration: 10 * time.Millisecond},
	}
	if got := bench.Durations(runs, true); len(got) != 1 || got[0] != 10*time.Millisecond {
		t.Errorf("Durations(skipCold) = %v; want [10ms]", got)
	}
	if got := bench.Durations(runs, false); len(got) != 2 {
		t.Errorf("Durations() = %v; want two entries", got)
	}
}

func TestThroughput(t *testing.T) {
	if got := bench.Throughput(250 * time.Millisecond); got < 3.999 || got > 4.001 {
		t.Errorf("Throughput(250ms) = %.4f; want 4", got)
	}
	if got := bench.Throughput(0); got != 0 {
		t.Errorf("Throughput(0) = %v; want 0", got)
	}
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

func TestRun_MarksColdAndRecordsTop(t *testing.T) {
	calls := 0
	runs, err := bench.Run(context.Background(), 3, func(context.Context) (string, float32, error) {
		calls++
		return "cat", 0.9, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 || len(runs) != 3 {
		t.Fatalf("calls=%d runs=%d; want 3", calls, len(runs))
	}
	if !runs[0].Cold || runs[1].Cold || runs[2].Cold {
		t.Errorf("only the first run should be cold: %+v", runs)
	}
	if runs[2].Index != 2 || runs[2].Top != "cat" || runs[2].Score != 0.9 {
		t.Errorf("runs[2] = %+v", runs[2])
	}
}

func TestRun_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	runs, err := bench.Run(context.Background(), 5, func(context.Context) (string, float32, error) {
		calls++
		if calls == 2 {
			return "", 0, boom
		}
		return "x", 1, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v; want boom", err)
	}
	if len(runs) != 1 {
		t.Errorf("len(runs) = %d; want 1", len(runs))
	}
}

func TestRun_InvalidCount(t *testing.T) {
	if _, err := bench.Run(context.Background(), 0, nil); err == nil {
		t.Fatal("want error for zero runs")
	}
}

func TestRun_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := bench.Run(ctx, 2, func(context.Context) (string, float32, error) {
		t.Fatal("fn should not run after cancel")
		return "", 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v; want context.Canceled", err)
	}
}

// ---------------------------------------------------------------------------
// Latency threshold gate
// ---------------------------------------------------------------------------

func TestLatencyThreshold(t *testing.T) {
	tests := []struct {
		name      string
		mean      time.Duration
		threshold time.Duration
		wantErr   bool
	}{
		{"exceeds", 150 * time.Millisecond, 100 * time.Millisecond, true},
		{"below", 80 * time.Millisecond, 100 * time.Millisecond, false},
		{"exact", 100 * time.Millisecond, 100 * time.Millisecond, false},
		{"disabled", time.Hour, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bench.CheckLatencyThreshold(tt.mean, tt.threshold)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckLatencyThreshold(%v, %v) = %v; wantErr %v", tt.mean, tt.threshold, err, tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func TestFormatTable_ContainsHeaders(t *testing.T) {
	runs := []bench.RunResult{
		{Index: 0, Cold: true, Duration: 800 * time.Millisecond, Top: "cat", Score: 0.9},
		{Index: 1, Cold: false, Duration: 500 * time.Millisecond, Top: "cat", Score: 0.9},
	}
	stats := bench.ComputeStats(bench.Durations(runs, false))

	var buf strings.Builder
	bench.FormatTable(runs, stats, &buf)
	out := buf.String()

	for _, want := range []string{"run", "cold", "ms", "top", "score", "p95", "throughput", "cat"} {
		if !strings.Contains(strings.ToLower(out), want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatJSON_IsValidJSON(t *testing.T) {
	runs := []bench.RunResult{
		{Index: 0, Cold: true, Duration: 800 * time.Millisecond, Top: "dog", Score: 0.5},
	}
	stats := bench.ComputeStats([]time.Duration{800 * time.Millisecond})

	var buf bytes.Buffer
	if err := bench.FormatJSON(runs, stats, &buf); err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}

	var out struct {
		Runs []struct {
			Top string `json:"top"`
		} `json:"runs"`
		Stats struct {
			MeanMS float64 `json:"mean_ms"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("FormatJSON produced invalid JSON: %v\n%s", err, buf.String())
	}
	if len(out.Runs) != 1 || out.Runs[0].Top != "dog" || out.Stats.MeanMS != 800 {
		t.Errorf("unexpected report: %s", buf.String())
	}
}
