package model

import (
	"fmt"

	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/tensor"
)

// OutputBundle holds the named output tensors of one run. Outputs declared
// with labels are also exposed as label -> score classifications, taken
// from the first batch item and dequantized when the bundle says so.
type OutputBundle struct {
	tensors         map[string]*tensor.Tensor
	classifications map[string]map[string]float32
	order           []string
}

func newOutputBundle(d *bundle.Descriptor, raw map[string]*tensor.Tensor) (*OutputBundle, error) {
	out := &OutputBundle{
		tensors:         make(map[string]*tensor.Tensor, len(d.Outputs)),
		classifications: make(map[string]map[string]float32),
	}

	for _, layer := range d.Outputs {
		t, ok := raw[layer.Name]
		if !ok || t == nil {
			return nil, fmt.Errorf("engine returned no output %q", layer.Name)
		}
		out.tensors[layer.Name] = t
		out.order = append(out.order, layer.Name)

		if !layer.IsClassification() {
			continue
		}
		scores, err := scoresOf(layer, t)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", layer.Name, err)
		}
		classes := make(map[string]float32, len(layer.Labels))
		for i, label := range layer.Labels {
			classes[label] = scores[i]
		}
		out.classifications[layer.Name] = classes
	}
	return out, nil
}

func scoresOf(layer bundle.Layer, t *tensor.Tensor) ([]float32, error) {
	n := len(layer.Labels)
	if t.Len() < n || t.Len()%n != 0 {
		return nil, fmt.Errorf("tensor has %d elements for %d labels", t.Len(), n)
	}

	switch t.DType() {
	case tensor.Float32:
		data, err := t.Float32s()
		if err != nil {
			return nil, err
		}
		return data[:n], nil
	case tensor.Int64:
		data, err := t.Int64s()
		if err != nil {
			return nil, err
		}
		scores := make([]float32, n)
		for i := range scores {
			if layer.Dequantizer != nil {
				scores[i] = layer.Dequantizer.Apply(data[i])
			} else {
				scores[i] = float32(data[i])
			}
		}
		return scores, nil
	default:
		return nil, fmt.Errorf("unsupported output dtype %s", t.DType())
	}
}

// NewOutputBundle builds a bundle directly from tensors, for engines and
// tests that post-process outside Run.
func NewOutputBundle(d *bundle.Descriptor, tensors map[string]*tensor.Tensor) (*OutputBundle, error) {
	return newOutputBundle(d, tensors)
}

func (o *OutputBundle) Tensor(name string) (*tensor.Tensor, bool) {
	t, ok := o.tensors[name]
	return t, ok
}

// Names lists output names in declaration order.
func (o *OutputBundle) Names() []string {
	return append([]string(nil), o.order...)
}

// Scores returns a copy of the label -> score map of a classification output.
func (o *OutputBundle) Scores(name string) (map[string]float32, bool) {
	classes, ok := o.classifications[name]
	if !ok {
		return nil, false
	}
	out := make(map[string]float32, len(classes))
	for k, v := range classes {
		out[k] = v
	}
	return out, true
}

// Classification returns the first classification output in declaration
// order.
func (o *OutputBundle) Classification() (string, map[string]float32, bool) {
	for _, name := range o.order {
		if scores, ok := o.Scores(name); ok {
			return name, scores, true
		}
	}
	return "", nil, false
}
