package bundle

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/example/go-bundleinfer/internal/tensor"
)

type infoFile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Details string `json:"details"`
	Author  string `json:"author"`
	License string `json:"license"`
	Model   struct {
		File      string   `json:"file"`
		Backend   string   `json:"backend"`
		Quantized bool     `json:"quantized"`
		Modes     []string `json:"modes"`
	} `json:"model"`
	Options struct {
		DevicePosition string `json:"device_position"`
	} `json:"options"`
	Inputs  []layerInfo `json:"inputs"`
	Outputs []layerInfo `json:"outputs"`
}

type layerInfo struct {
	Name       string      `json:"name"`
	Type       string      `json:"type"`
	Shape      []int64     `json:"shape"`
	DType      string      `json:"dtype"`
	Format     string      `json:"format"`
	Layout     string      `json:"layout"`
	Labels     string      `json:"labels"`
	Normalize  *affineInfo `json:"normalize"`
	Dequantize *affineInfo `json:"dequantize"`
}

// affineInfo covers both {"standard": "[0,1]"} and {"scale": s, "bias": ...}
// where bias is a number or an {"r","g","b"} object.
type affineInfo struct {
	Standard string          `json:"standard"`
	Scale    *float32        `json:"scale"`
	Bias     json.RawMessage `json:"bias"`
}

type rgbBias struct {
	R float32 `json:"r"`
	G float32 `json:"g"`
	B float32 `json:"b"`
}

// FromLocation builds a descriptor from an explicit bundle directory (or the
// path of its model.json).
func FromLocation(location string) (*Descriptor, error) {
	abs, err := filepath.Abs(location)
	if err != nil {
		return nil, fmt.Errorf("resolve bundle path %q: %w", location, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Location: abs, Err: err}
		}
		return nil, fmt.Errorf("stat bundle %s: %w", abs, err)
	}
	if !info.IsDir() {
		if filepath.Base(abs) != InfoFile {
			return nil, malformed(abs, "bundle location is not a directory", nil)
		}
		abs = filepath.Dir(abs)
	}

	return Parse(os.DirFS(abs), abs)
}

// Parse reads and validates model.json from fsys. location is recorded on the
// descriptor and used in errors; all file references resolve inside fsys.
func Parse(fsys fs.FS, location string) (*Descriptor, error) {
	raw, err := fs.ReadFile(fsys, InfoFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Location: location, Err: err}
		}
		return nil, malformed(location, "read "+InfoFile, err)
	}

	var info infoFile
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&info); err != nil {
		return nil, malformed(location, "parse "+InfoFile, err)
	}

	switch {
	case strings.TrimSpace(info.ID) == "":
		return nil, malformed(location, "id is required", nil)
	case strings.TrimSpace(info.Name) == "":
		return nil, malformed(location, "name is required", nil)
	case strings.TrimSpace(info.Version) == "":
		return nil, malformed(location, "version is required", nil)
	case strings.TrimSpace(info.Model.File) == "":
		return nil, malformed(location, "model.file is required", nil)
	case len(info.Inputs) == 0:
		return nil, malformed(location, "at least one input is required", nil)
	case len(info.Outputs) == 0:
		return nil, malformed(location, "at least one output is required", nil)
	}

	modelFile := path.Clean(filepath.ToSlash(info.Model.File))
	if !fs.ValidPath(modelFile) {
		return nil, malformed(location, fmt.Sprintf("model file %q escapes the bundle", info.Model.File), nil)
	}
	if _, err := fs.Stat(fsys, modelFile); err != nil {
		return nil, malformed(location, fmt.Sprintf("model file %q", modelFile), err)
	}

	modes, err := parseModes(info.Model.Modes)
	if err != nil {
		return nil, malformed(location, "model.modes", err)
	}

	d := &Descriptor{
		ID:             info.ID,
		Name:           info.Name,
		Version:        info.Version,
		Details:        info.Details,
		Author:         info.Author,
		License:        info.License,
		Location:       location,
		ModelFile:      filepath.FromSlash(modelFile),
		Backend:        strings.ToLower(strings.TrimSpace(info.Model.Backend)),
		Quantized:      info.Model.Quantized,
		Modes:          modes,
		DevicePosition: info.Options.DevicePosition,
	}

	d.Inputs, err = parseLayers(fsys, info.Inputs, d.Quantized, true)
	if err != nil {
		return nil, malformed(location, "inputs", err)
	}
	d.Outputs, err = parseLayers(fsys, info.Outputs, d.Quantized, false)
	if err != nil {
		return nil, malformed(location, "outputs", err)
	}

	return d, nil
}

func parseModes(raw []string) (Modes, error) {
	if len(raw) == 0 {
		return Modes{Predict: true}, nil
	}
	var m Modes
	for _, mode := range raw {
		switch strings.ToLower(strings.TrimSpace(mode)) {
		case "predict":
			m.Predict = true
		case "train":
			m.Train = true
		case "eval":
			m.Eval = true
		default:
			return Modes{}, fmt.Errorf("unknown mode %q", mode)
		}
	}
	return m, nil
}

func parseLayers(fsys fs.FS, infos []layerInfo, quantized, input bool) ([]Layer, error) {
	layers := make([]Layer, 0, len(infos))
	seen := make(map[string]struct{}, len(infos))
	for i, li := range infos {
		if strings.TrimSpace(li.Name) == "" {
			return nil, fmt.Errorf("layer %d: name is required", i)
		}
		if _, dup := seen[li.Name]; dup {
			return nil, fmt.Errorf("duplicate layer name %q", li.Name)
		}
		seen[li.Name] = struct{}{}

		layer, err := parseLayer(fsys, li, quantized, input)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", li.Name, err)
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

func parseLayer(fsys fs.FS, li layerInfo, quantized, input bool) (Layer, error) {
	layer := Layer{Name: li.Name, Kind: LayerKind(strings.ToLower(li.Type))}
	if layer.Kind != KindImage && layer.Kind != KindArray {
		return Layer{}, fmt.Errorf("unknown layer type %q", li.Type)
	}

	if len(li.Shape) == 0 {
		return Layer{}, errors.New("shape is required")
	}
	for i, dim := range li.Shape {
		if i == 0 && dim == -1 {
			layer.Batched = true
			continue
		}
		if dim < 1 {
			return Layer{}, fmt.Errorf("shape[%d]=%d is not positive", i, dim)
		}
	}
	layer.Shape = append([]int64(nil), li.Shape...)

	dtype := tensor.Float32
	if quantized {
		dtype = tensor.Int64
	}
	if li.DType != "" {
		parsed, err := tensor.ParseDType(li.DType)
		if err != nil {
			return Layer{}, err
		}
		dtype = parsed
	}
	layer.DType = dtype

	if layer.Kind == KindImage {
		if !input {
			return Layer{}, errors.New("image layers are only supported as inputs")
		}
		spec, err := parseImageSpec(li, layer.Shape)
		if err != nil {
			return Layer{}, err
		}
		layer.Image = spec
	}

	if li.Labels != "" {
		labels, err := readLabels(fsys, li.Labels)
		if err != nil {
			return Layer{}, err
		}
		if len(labels) != layer.ItemCount() {
			return Layer{}, fmt.Errorf("labels file %q has %d labels, layer has %d elements", li.Labels, len(labels), layer.ItemCount())
		}
		layer.Labels = labels
	}

	if li.Dequantize != nil {
		dq, err := parseDequantizer(li.Dequantize)
		if err != nil {
			return Layer{}, fmt.Errorf("dequantize: %w", err)
		}
		layer.Dequantizer = dq
	}

	return layer, nil
}

func parseImageSpec(li layerInfo, shape []int64) (*ImageSpec, error) {
	dims := shape
	if len(dims) == 4 {
		if dims[0] != -1 && dims[0] != 1 {
			return nil, fmt.Errorf("image batch dimension must be 1 or -1, got %d", dims[0])
		}
		dims = dims[1:]
	}
	if len(dims) != 3 {
		return nil, fmt.Errorf("image shape %v must have 3 dimensions plus an optional batch", shape)
	}

	spec := &ImageSpec{
		Format: PixelFormat(strings.ToUpper(li.Format)),
		Layout: Layout(strings.ToUpper(li.Layout)),
	}
	if spec.Layout == "" {
		spec.Layout = LayoutHWC
	}
	switch spec.Layout {
	case LayoutHWC:
		spec.Height, spec.Width, spec.Channels = int(dims[0]), int(dims[1]), int(dims[2])
	case LayoutCHW:
		spec.Channels, spec.Height, spec.Width = int(dims[0]), int(dims[1]), int(dims[2])
	default:
		return nil, fmt.Errorf("unknown layout %q", li.Layout)
	}

	switch spec.Format {
	case "":
		spec.Format = FormatRGB
		if spec.Channels == 1 {
			spec.Format = FormatGray
		}
	case FormatRGB, FormatBGR, FormatGray:
	default:
		return nil, fmt.Errorf("unknown pixel format %q", li.Format)
	}
	want := 3
	if spec.Format == FormatGray {
		want = 1
	}
	if spec.Channels != want {
		return nil, fmt.Errorf("pixel format %s needs %d channels, shape has %d", spec.Format, want, spec.Channels)
	}

	if li.Normalize != nil {
		n, err := parseNormalizer(li.Normalize)
		if err != nil {
			return nil, fmt.Errorf("normalize: %w", err)
		}
		spec.Normalizer = n
	}
	return spec, nil
}

func parseNormalizer(a *affineInfo) (*Normalizer, error) {
	if a.Standard != "" {
		scale, bias, err := standardAffine(a.Standard)
		if err != nil {
			return nil, err
		}
		return &Normalizer{Scale: scale, Bias: [3]float32{bias, bias, bias}}, nil
	}
	if a.Scale == nil {
		return nil, errors.New("either standard or scale is required")
	}
	n := &Normalizer{Scale: *a.Scale}
	if len(a.Bias) == 0 {
		return n, nil
	}
	var rgb rgbBias
	if err := json.Unmarshal(a.Bias, &rgb); err == nil {
		n.Bias = [3]float32{rgb.R, rgb.G, rgb.B}
		return n, nil
	}
	var scalar float32
	if err := json.Unmarshal(a.Bias, &scalar); err != nil {
		return nil, fmt.Errorf("bias must be a number or {r,g,b}: %w", err)
	}
	n.Bias = [3]float32{scalar, scalar, scalar}
	return n, nil
}

func parseDequantizer(a *affineInfo) (*Dequantizer, error) {
	if a.Standard != "" {
		scale, bias, err := standardAffine(a.Standard)
		if err != nil {
			return nil, err
		}
		return &Dequantizer{Scale: scale, Bias: bias}, nil
	}
	if a.Scale == nil {
		return nil, errors.New("either standard or scale is required")
	}
	d := &Dequantizer{Scale: *a.Scale}
	if len(a.Bias) > 0 {
		if err := json.Unmarshal(a.Bias, &d.Bias); err != nil {
			return nil, fmt.Errorf("bias must be a number: %w", err)
		}
	}
	return d, nil
}

// standardAffine maps the named 8-bit ranges to scale and bias.
func standardAffine(name string) (float32, float32, error) {
	switch strings.ReplaceAll(name, " ", "") {
	case "[0,1]":
		return 1.0 / 255.0, 0, nil
	case "[-1,1]":
		return 2.0 / 255.0, -1, nil
	default:
		return 0, 0, fmt.Errorf("unknown standard range %q", name)
	}
}

func readLabels(fsys fs.FS, name string) ([]string, error) {
	clean := path.Clean(filepath.ToSlash(name))
	if !fs.ValidPath(clean) {
		return nil, fmt.Errorf("labels file %q escapes the bundle", name)
	}
	raw, err := fs.ReadFile(fsys, clean)
	if err != nil {
		return nil, fmt.Errorf("read labels file: %w", err)
	}

	var labels []string
	seen := make(map[string]int)
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if at, dup := seen[line]; dup {
			return nil, fmt.Errorf("labels file %q: duplicate label %q at positions %d and %d", name, line, at, len(labels))
		}
		seen[line] = len(labels)
		labels = append(labels, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan labels file: %w", err)
	}
	return labels, nil
}
