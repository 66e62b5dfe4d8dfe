package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Fixture describes a minimal single-input, single-output bundle.
type Fixture struct {
	ID string
	// Labels become the output labels file; the output shape is [len(Labels)].
	Labels []string
	// InputShape defaults to [4]. InputType defaults to "array".
	InputShape []int64
	InputType  string
	Quantized  bool
	// Modes defaults to ["predict"].
	Modes []string
	// ModelPath, when set, is copied in as model.onnx instead of a placeholder.
	ModelPath string
}

// WriteBundle writes f into root/<f.ID> and returns that directory.
func WriteBundle(tb testing.TB, root string, f Fixture) string {
	tb.Helper()

	if f.ID == "" {
		f.ID = "fixture"
	}
	if len(f.InputShape) == 0 {
		f.InputShape = []int64{4}
	}
	if f.InputType == "" {
		f.InputType = "array"
	}
	if len(f.Modes) == 0 {
		f.Modes = []string{"predict"}
	}

	input := map[string]any{
		"name":  "input",
		"type":  f.InputType,
		"shape": f.InputShape,
	}
	if f.InputType == "image" {
		input["format"] = "RGB"
		input["layout"] = "HWC"
		if !f.Quantized {
			input["normalize"] = map[string]any{"standard": "[0,1]"}
		}
	}

	output := map[string]any{
		"name":  "output",
		"type":  "array",
		"shape": []int64{int64(max(len(f.Labels), 1))},
	}
	files := map[string]string{}
	if len(f.Labels) > 0 {
		output["labels"] = "labels.txt"
		files["labels.txt"] = strings.Join(f.Labels, "\n") + "\n"
	}
	if f.Quantized {
		output["dequantize"] = map[string]any{"standard": "[0,1]"}
	}

	info := map[string]any{
		"id":      f.ID,
		"name":    f.ID,
		"version": "1",
		"model": map[string]any{
			"file":      "model.onnx",
			"backend":   "onnx",
			"quantized": f.Quantized,
			"modes":     f.Modes,
		},
		"inputs":  []any{input},
		"outputs": []any{output},
	}

	model := []byte("placeholder")
	if f.ModelPath != "" {
		data, err := os.ReadFile(f.ModelPath)
		if err != nil {
			tb.Fatalf("read model fixture: %v", err)
		}
		model = data
	}

	dir := filepath.Join(root, f.ID)
	WriteBundleFiles(tb, dir, info, files)
	if err := os.WriteFile(filepath.Join(dir, "model.onnx"), model, 0o644); err != nil {
		tb.Fatalf("write model file: %v", err)
	}
	return dir
}

// WriteBundleFiles writes info as model.json plus any extra files into dir.
// It writes no model file, so callers control whether one exists.
func WriteBundleFiles(tb testing.TB, dir string, info map[string]any, files map[string]string) {
	tb.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("create bundle dir: %v", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		tb.Fatalf("marshal model.json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "model.json"), data, 0o644); err != nil {
		tb.Fatalf("write model.json: %v", err)
	}
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			tb.Fatalf("create dir for %s: %v", name, err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			tb.Fatalf("write %s: %v", name, err)
		}
	}
}
