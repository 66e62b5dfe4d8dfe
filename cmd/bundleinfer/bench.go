package main

import (
	"context"
	"fmt"
	"time"

	"github.com/example/go-bundleinfer/internal/bench"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var (
		in         inputSource
		runs       int
		format     string
		maxLatency time.Duration
		skipCold   bool
	)

	cmd := &cobra.Command{
		Use:   "bench <bundle-id|path>",
		Short: "Benchmark classification latency on one input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if err := in.validate(); err != nil {
				return err
			}
			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			results, err := runBench(ctx, a, args[0], &in, runs)
			if err != nil {
				return err
			}

			stats := bench.ComputeStats(bench.Durations(results, skipCold && len(results) > 1))
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				if err := bench.FormatJSON(results, stats, out); err != nil {
					return err
				}
			default:
				bench.FormatTable(results, stats, out)
			}

			return bench.CheckLatencyThreshold(stats.Mean, maxLatency)
		},
	}

	in.register(cmd)
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of classification runs")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().DurationVar(&maxLatency, "max-latency", 0, "Exit non-zero if mean latency exceeds this value (0 = disabled)")
	cmd.Flags().BoolVar(&skipCold, "skip-cold", false, "Leave the first run out of the statistics")

	return cmd
}

// runBench loads ref once and classifies the same input runs times.
func runBench(ctx context.Context, a *app, ref string, in *inputSource, runs int) ([]bench.RunResult, error) {
	m, err := a.service.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer func() { _ = m.Unload() }()

	input, err := in.build(m.Descriptor())
	if err != nil {
		return nil, err
	}

	return bench.Run(ctx, runs, func(ctx context.Context) (string, float32, error) {
		pred, err := a.service.Predict(ctx, m, input)
		if err != nil {
			return "", 0, err
		}
		top, _ := pred.Ranking.Top()
		return top.Label, top.Score, nil
	})
}
