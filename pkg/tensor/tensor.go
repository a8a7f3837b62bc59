// Package tensor holds the dense float32 tensors that flow through the exporter,
// together with the layout conversions between training-time and inference-time
// weight conventions.
package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the tensor.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks that every dimension is positive.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Strides returns the row-major strides for the shape.
func (s Shape) Strides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// String formats the shape the way numpy prints a tuple: (32, 3, 9, 9) or (32,).
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, dim := range s {
		parts[i] = fmt.Sprintf("%d", dim)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	shape Shape
	data  []float32
}

// New wraps data with the given shape. The data slice is not copied.
func New(shape Shape, data []float32) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if n := shape.NumElements(); n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{shape: shape.Clone(), data: data}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape Shape) *Tensor {
	return &Tensor{shape: shape.Clone(), data: make([]float32, shape.NumElements())}
}

// Filled allocates a tensor with every element set to v.
func Filled(shape Shape, v float32) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// Shape returns the tensor's shape. Callers must not modify it.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Data returns the underlying row-major elements.
func (t *Tensor) Data() []float32 {
	return t.data
}

// NDim returns the number of dimensions.
func (t *Tensor) NDim() int {
	return len(t.shape)
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return &Tensor{shape: t.shape.Clone(), data: data}
}

// At returns the element at the given multi-dimensional index.
func (t *Tensor) At(index ...int) float32 {
	return t.data[t.offset(index)]
}

// Set stores v at the given multi-dimensional index.
func (t *Tensor) Set(v float32, index ...int) {
	t.data[t.offset(index)] = v
}

func (t *Tensor) offset(index []int) int {
	if len(index) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index %v has %d dims, tensor has %d", index, len(index), len(t.shape)))
	}
	off := 0
	for i, stride := range t.shape.Strides() {
		if index[i] < 0 || index[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", index, t.shape))
		}
		off += index[i] * stride
	}
	return off
}

// Equal reports whether both tensors have the same shape and bit-identical elements.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	for i, v := range t.data {
		if math.Float32bits(v) != math.Float32bits(other.data[i]) {
			return false
		}
	}
	return true
}
