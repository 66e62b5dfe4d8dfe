// Package tensor holds the dense, shape-checked tensors exchanged between
// input preparation, inference engines and output post-processing.
package tensor

import (
	"fmt"
	"math"
	"strings"
)

type DType string

const (
	Float32 DType = "float32"
	Int64   DType = "int64"
)

// Tensor is an immutable dense tensor. Accessors return copies.
type Tensor struct {
	dtype DType
	shape []int64
	data  any
}

func New[T ~int64 | ~float32](data []T, shape []int64) (*Tensor, error) {
	dtype, err := dtypeFromSlice(data)
	if err != nil {
		return nil, err
	}
	if err := validateShapeAgainstData(shape, len(data)); err != nil {
		return nil, err
	}

	t := &Tensor{
		dtype: dtype,
		shape: append([]int64(nil), shape...),
	}
	switch dtype {
	case Float32:
		converted := make([]float32, len(data))
		for i, v := range data {
			converted[i] = float32(v)
		}
		t.data = converted
	case Int64:
		converted := make([]int64, len(data))
		for i, v := range data {
			converted[i] = int64(v)
		}
		t.data = converted
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %q", dtype)
	}
	return t, nil
}

// Zeros returns a zero-filled tensor of the given dtype and shape.
func Zeros(dtype DType, shape []int64) (*Tensor, error) {
	count, err := ElementCount(shape)
	if err != nil {
		return nil, err
	}

	switch dtype {
	case Float32:
		return New(make([]float32, count), shape)
	case Int64:
		return New(make([]int64, count), shape)
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %q", dtype)
	}
}

func (t *Tensor) DType() DType {
	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	return append([]int64(nil), t.shape...)
}

func (t *Tensor) Len() int {
	switch v := t.data.(type) {
	case []float32:
		return len(v)
	case []int64:
		return len(v)
	default:
		return 0
	}
}

func (t *Tensor) Float32s() ([]float32, error) {
	data, ok := t.data.([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 tensor, got %s", t.dtype)
	}
	return append([]float32(nil), data...), nil
}

func (t *Tensor) Int64s() ([]int64, error) {
	data, ok := t.data.([]int64)
	if !ok {
		return nil, fmt.Errorf("expected int64 tensor, got %s", t.dtype)
	}
	return append([]int64(nil), data...), nil
}

// ParseDType maps metadata spellings ("float", "tensor(float)", "long", ...)
// to a DType.
func ParseDType(raw string) (DType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.TrimPrefix(normalized, "tensor(")
	normalized = strings.TrimSuffix(normalized, ")")
	switch normalized {
	case "", "float", "float32":
		return Float32, nil
	case "int64", "long", "uint8", "int32":
		return Int64, nil
	default:
		return "", fmt.Errorf("unsupported tensor dtype %q", raw)
	}
}

// ElementCount returns the product of shape, rejecting non-positive dims and
// overflow.
func ElementCount(shape []int64) (int, error) {
	if len(shape) == 0 {
		return 1, nil
	}
	count := int64(1)
	for i, dim := range shape {
		if dim < 1 {
			return 0, fmt.Errorf("shape[%d]=%d is not positive", i, dim)
		}
		if count > math.MaxInt64/dim {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		count *= dim
	}
	if count > int64(math.MaxInt) {
		return 0, fmt.Errorf("shape %v exceeds platform int capacity", shape)
	}
	return int(count), nil
}

func dtypeFromSlice[T ~int64 | ~float32](data []T) (DType, error) {
	var zero T
	switch any(zero).(type) {
	case int64:
		return Int64, nil
	case float32:
		return Float32, nil
	default:
		return "", fmt.Errorf("unsupported tensor data type %T", zero)
	}
}

func validateShapeAgainstData(shape []int64, dataLen int) error {
	count, err := ElementCount(shape)
	if err != nil {
		return err
	}
	if count != dataLen {
		return fmt.Errorf("shape %v expects %d elements, got %d", shape, count, dataLen)
	}
	return nil
}
