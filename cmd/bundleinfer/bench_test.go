package main

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBench_JSONReport(t *testing.T) {
	useEngine(t, &stubEngine{})
	root := bundlesRoot(t)

	out, _, err := runCmd(t, "bench", "cls",
		"--values", "1,2,3,4",
		"--runs", "3",
		"--format", "json",
		"--paths-bundles-dir", root,
	)
	if err != nil {
		t.Fatalf("bench: %v", err)
	}

	var report struct {
		Runs []struct {
			Index int    `json:"index"`
			Cold  bool   `json:"cold"`
			Top   string `json:"top"`
		} `json:"runs"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(report.Runs) != 3 {
		t.Fatalf("len(runs) = %d; want 3", len(report.Runs))
	}
	if !report.Runs[0].Cold || report.Runs[1].Cold {
		t.Errorf("cold flags wrong: %+v", report.Runs)
	}
	for _, r := range report.Runs {
		if r.Top != "cat" {
			t.Errorf("run %d top = %q; want cat", r.Index, r.Top)
		}
	}
}

func TestBench_Table(t *testing.T) {
	useEngine(t, &stubEngine{})
	root := bundlesRoot(t)

	out, _, err := runCmd(t, "bench", "cls", "--values", "1,2,3,4", "--runs", "2", "--skip-cold", "--paths-bundles-dir", root)
	if err != nil {
		t.Fatalf("bench: %v", err)
	}
	for _, want := range []string{"Run", "(mean)", "throughput"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestBench_LatencyGate(t *testing.T) {
	useEngine(t, &stubEngine{})
	root := bundlesRoot(t)

	_, _, err := runCmd(t, "bench", "cls", "--values", "1,2,3,4", "--runs", "1", "--max-latency", "1ns", "--paths-bundles-dir", root)
	if err == nil || !strings.Contains(err.Error(), "exceeds threshold") {
		t.Fatalf("error = %v; want latency gate failure", err)
	}
}

func TestBench_InvalidRuns(t *testing.T) {
	useEngine(t, &stubEngine{})

	_, _, err := runCmd(t, "bench", "cls", "--values", "1", "--runs", "0", "--paths-bundles-dir", bundlesRoot(t))
	if err == nil || !strings.Contains(err.Error(), "--runs") {
		t.Fatalf("error = %v; want --runs error", err)
	}
}
