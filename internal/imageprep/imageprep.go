// Package imageprep turns decoded images and raw value arrays into input
// tensors laid out the way a bundle's input layer declares.
package imageprep

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"

	"github.com/nfnt/resize"

	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/tensor"
)

var ErrNotImageLayer = errors.New("layer is not an image input")

// Decode reads a JPEG or PNG image and reports its format name.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image (supported: jpeg, png): %w", err)
	}
	return img, format, nil
}

// FromReader decodes an image and prepares it for layer.
func FromReader(r io.Reader, layer bundle.Layer) (*tensor.Tensor, error) {
	img, _, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return FromImage(img, layer)
}

// FromImage resizes img to the layer's volume and writes its pixels in the
// declared channel order and layout. Quantized (int64) layers receive the raw
// 0..255 values; float layers go through the layer normalizer, if any.
func FromImage(img image.Image, layer bundle.Layer) (*tensor.Tensor, error) {
	spec := layer.Image
	if spec == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotImageLayer, layer.Name)
	}
	if spec.Width < 1 || spec.Height < 1 {
		return nil, fmt.Errorf("layer %q has invalid image size %dx%d", layer.Name, spec.Width, spec.Height)
	}

	b := img.Bounds()
	if b.Dx() != spec.Width || b.Dy() != spec.Height {
		img = resize.Resize(uint(spec.Width), uint(spec.Height), img, resize.Bilinear)
		b = img.Bounds()
	}

	order, err := channelOrder(spec.Format)
	if err != nil {
		return nil, fmt.Errorf("layer %q: %w", layer.Name, err)
	}
	if len(order) != spec.Channels {
		return nil, fmt.Errorf("layer %q: format %s has %d channels, layer declares %d",
			layer.Name, spec.Format, len(order), spec.Channels)
	}

	w, h, c := spec.Width, spec.Height, spec.Channels
	index := func(x, y, ch int) int {
		if spec.Layout == bundle.LayoutCHW {
			return ch*w*h + y*w + x
		}
		return (y*w+x)*c + ch
	}

	switch layer.DType {
	case tensor.Int64:
		data := make([]int64, w*h*c)
		eachPixel(img, b, w, h, func(x, y int, rgb [3]uint8) {
			for ch, src := range order {
				data[index(x, y, ch)] = int64(pick(rgb, src))
			}
		})
		return tensor.New(data, layer.ConcreteShape())
	case tensor.Float32:
		data := make([]float32, w*h*c)
		norm := spec.Normalizer
		eachPixel(img, b, w, h, func(x, y int, rgb [3]uint8) {
			for ch, src := range order {
				v := pick(rgb, src)
				if norm != nil {
					data[index(x, y, ch)] = norm.Apply(v, biasChannel(src))
				} else {
					data[index(x, y, ch)] = float32(v)
				}
			}
		})
		return tensor.New(data, layer.ConcreteShape())
	default:
		return nil, fmt.Errorf("layer %q: unsupported dtype %s", layer.Name, layer.DType)
	}
}

// Raw builds a single-item tensor for layer from a flat value array.
func Raw(values []float32, layer bundle.Layer) (*tensor.Tensor, error) {
	want := layer.ItemCount()
	if len(values) != want {
		return nil, fmt.Errorf("layer %q expects %d values, got %d", layer.Name, want, len(values))
	}

	switch layer.DType {
	case tensor.Int64:
		data := make([]int64, len(values))
		for i, v := range values {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("layer %q: value %d is not finite", layer.Name, i)
			}
			data[i] = int64(math.Round(float64(v)))
		}
		return tensor.New(data, layer.ConcreteShape())
	case tensor.Float32:
		return tensor.New(append([]float32(nil), values...), layer.ConcreteShape())
	default:
		return nil, fmt.Errorf("layer %q: unsupported dtype %s", layer.Name, layer.DType)
	}
}

// Source channels: 0..2 are R, G, B; gray is its own source.
const srcGray = 3

func channelOrder(f bundle.PixelFormat) ([]int, error) {
	switch f {
	case bundle.FormatRGB, "":
		return []int{0, 1, 2}, nil
	case bundle.FormatBGR:
		return []int{2, 1, 0}, nil
	case bundle.FormatGray:
		return []int{srcGray}, nil
	default:
		return nil, fmt.Errorf("unknown pixel format %q", f)
	}
}

func pick(rgb [3]uint8, src int) uint8 {
	if src == srcGray {
		gray := color.GrayModel.Convert(color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 0xff}).(color.Gray)
		return gray.Y
	}
	return rgb[src]
}

func biasChannel(src int) int {
	if src == srcGray {
		return 0
	}
	return src
}

func eachPixel(img image.Image, b image.Rectangle, w, h int, fn func(x, y int, rgb [3]uint8)) {
	for y := range h {
		for x := range w {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			fn(x, y, [3]uint8{uint8(r >> 8), uint8(g >> 8), uint8(bl >> 8)})
		}
	}
}
