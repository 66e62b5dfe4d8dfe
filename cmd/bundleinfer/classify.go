package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/classify"
	"github.com/example/go-bundleinfer/internal/model"
	"github.com/spf13/cobra"
)

// inputSource is where a command reads its single model input from.
type inputSource struct {
	imagePath string
	values    []float32
}

func (s *inputSource) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.imagePath, "image", "", "JPEG or PNG file for an image-input bundle")
	cmd.Flags().Float32SliceVar(&s.values, "values", nil, "Comma-separated raw input values for an array-input bundle")
}

func (s *inputSource) validate() error {
	switch {
	case s.imagePath != "" && len(s.values) > 0:
		return errors.New("--image and --values are mutually exclusive")
	case s.imagePath == "" && len(s.values) == 0:
		return errors.New("one of --image or --values is required")
	}
	return nil
}

func (s *inputSource) build(d *bundle.Descriptor) (model.Input, error) {
	if s.imagePath == "" {
		return classify.ValuesInput(d, s.values)
	}
	f, err := os.Open(s.imagePath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer func() { _ = f.Close() }()
	return classify.ImageInput(d, f)
}

func newClassifyCmd() *cobra.Command {
	var (
		in     inputSource
		format string
	)

	cmd := &cobra.Command{
		Use:   "classify <bundle-id|path>",
		Short: "Classify one input with a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if err := in.validate(); err != nil {
				return err
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			pred, err := runClassify(cmd.Context(), a, args[0], &in)
			if err != nil {
				return err
			}
			return writePrediction(cmd.OutOrStdout(), pred, format)
		},
	}

	in.register(cmd)
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")

	return cmd
}

// runClassify loads ref and runs one prediction through the service.
func runClassify(ctx context.Context, a *app, ref string, in *inputSource) (classify.Prediction, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	m, err := a.service.Open(ctx, ref)
	if err != nil {
		return classify.Prediction{}, err
	}
	defer func() { _ = m.Unload() }()

	input, err := in.build(m.Descriptor())
	if err != nil {
		return classify.Prediction{}, err
	}
	return a.service.Predict(ctx, m, input)
}

type predictionJSON struct {
	Model      string  `json:"model"`
	Task       string  `json:"task"`
	Output     string  `json:"output"`
	Ranking    any     `json:"ranking"`
	Stats      any     `json:"stats"`
	DurationMS float64 `json:"duration_ms"`
}

func writePrediction(w io.Writer, p classify.Prediction, format string) error {
	if format == "json" {
		ranking := any(p.Ranking)
		if p.Ranking == nil {
			ranking = []struct{}{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(predictionJSON{
			Model:      p.ModelID,
			Task:       p.TaskID,
			Output:     p.Output,
			Ranking:    ranking,
			Stats:      p.Stats,
			DurationMS: float64(p.Duration.Microseconds()) / 1000,
		})
	}

	sb := &strings.Builder{}
	fmt.Fprintf(sb, "model: %s  output: %s  (%s)\n", p.ModelID, p.Output, p.Duration.Round(time.Microsecond))
	if len(p.Ranking) == 0 {
		fmt.Fprintln(sb, "no label scored above the threshold")
	}
	for i, e := range p.Ranking {
		fmt.Fprintf(sb, "%2d. %-24s %.4f\n", i+1, e.Label, e.Score)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
