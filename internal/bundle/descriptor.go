// Package bundle resolves model identifiers and bundle directories into
// validated, immutable descriptors. It never loads a model.
package bundle

import (
	"path/filepath"

	"github.com/example/go-bundleinfer/internal/tensor"
)

// InfoFile is the metadata file every bundle directory carries.
const InfoFile = "model.json"

type LayerKind string

const (
	KindImage LayerKind = "image"
	KindArray LayerKind = "array"
)

type PixelFormat string

const (
	FormatRGB  PixelFormat = "RGB"
	FormatBGR  PixelFormat = "BGR"
	FormatGray PixelFormat = "GRAY"
)

type Layout string

const (
	LayoutHWC Layout = "HWC"
	LayoutCHW Layout = "CHW"
)

// Descriptor is the resolved form of a bundle. Resolvers hand out a fresh
// value per call; callers must treat it as read-only.
type Descriptor struct {
	ID       string
	Name     string
	Version  string
	Details  string
	Author   string
	License  string
	Location string

	// ModelFile is the model weights path relative to Location.
	ModelFile      string
	Backend        string
	Quantized      bool
	Modes          Modes
	DevicePosition string

	Inputs  []Layer
	Outputs []Layer
}

// ModelPath returns the absolute-or-location-relative path of the weights.
func (d *Descriptor) ModelPath() string {
	if filepath.IsAbs(d.ModelFile) {
		return d.ModelFile
	}
	return filepath.Join(d.Location, d.ModelFile)
}

func (d *Descriptor) Input(name string) (Layer, bool) {
	return findLayer(d.Inputs, name)
}

func (d *Descriptor) Output(name string) (Layer, bool) {
	return findLayer(d.Outputs, name)
}

// InputNames and OutputNames return layer names in declaration order.
func (d *Descriptor) InputNames() []string  { return layerNames(d.Inputs) }
func (d *Descriptor) OutputNames() []string { return layerNames(d.Outputs) }

// Layer describes one declared model input or output.
type Layer struct {
	Name string
	Kind LayerKind
	// Shape is the declared shape. A leading -1 marks a batched layer.
	Shape   []int64
	Batched bool
	DType   tensor.DType

	// Labels is set for classification outputs; len(Labels) equals the
	// per-item element count.
	Labels      []string
	Image       *ImageSpec
	Dequantizer *Dequantizer
}

// ConcreteShape is the shape a single-item tensor must have: the batched
// dimension becomes 1.
func (l Layer) ConcreteShape() []int64 {
	out := append([]int64(nil), l.Shape...)
	if l.Batched && len(out) > 0 {
		out[0] = 1
	}
	return out
}

// Accepts reports whether a tensor of the given shape conforms to the layer.
// A batched layer accepts any positive batch size.
func (l Layer) Accepts(shape []int64) bool {
	if len(shape) != len(l.Shape) {
		return false
	}
	for i, dim := range l.Shape {
		if i == 0 && l.Batched {
			if shape[0] < 1 {
				return false
			}
			continue
		}
		if shape[i] != dim {
			return false
		}
	}
	return true
}

// ItemCount is the number of elements per batch item.
func (l Layer) ItemCount() int {
	shape := l.Shape
	if l.Batched && len(shape) > 0 {
		shape = shape[1:]
	}
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

func (l Layer) IsClassification() bool {
	return len(l.Labels) > 0
}

// ImageSpec is the pixel-buffer description of an image input.
type ImageSpec struct {
	Width      int
	Height     int
	Channels   int
	Format     PixelFormat
	Layout     Layout
	Normalizer *Normalizer
}

// Normalizer maps a 0..255 channel value v to v*Scale + Bias[channel].
type Normalizer struct {
	Scale float32
	Bias  [3]float32
}

func (n *Normalizer) Apply(v uint8, channel int) float32 {
	return float32(v)*n.Scale + n.Bias[channel]
}

// Dequantizer maps a quantized value q to q*Scale + Bias.
type Dequantizer struct {
	Scale float32
	Bias  float32
}

func (d *Dequantizer) Apply(q int64) float32 {
	return float32(q)*d.Scale + d.Bias
}

type Modes struct {
	Predict bool
	Train   bool
	Eval    bool
}

func findLayer(layers []Layer, name string) (Layer, bool) {
	for _, l := range layers {
		if l.Name == name {
			return l, true
		}
	}
	return Layer{}, false
}

func layerNames(layers []Layer) []string {
	names := make([]string, 0, len(layers))
	for _, l := range layers {
		names = append(names, l.Name)
	}
	return names
}
