package tensor

import "fmt"

// Layout names the training-time axis convention of a 4-D weight.
type Layout int

const (
	// ConvolutionLayout is (out, in, kh, kw).
	ConvolutionLayout Layout = iota
	// DeconvolutionLayout is (in, out, kh, kw); Chainer stores transposed-convolution
	// weights with the channel axes swapped.
	DeconvolutionLayout
)

func (l Layout) String() string {
	switch l {
	case ConvolutionLayout:
		return "convolution"
	case DeconvolutionLayout:
		return "deconvolution"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// InferenceAxes returns the permutation that takes a weight in layout l to the
// inference-engine order (out, kh, kw, in).
func (l Layout) InferenceAxes() []int {
	switch l {
	case DeconvolutionLayout:
		return []int{1, 2, 3, 0}
	default:
		return []int{0, 2, 3, 1}
	}
}

// OutputChannelAxis returns the axis holding output channels at training time.
func (l Layout) OutputChannelAxis() int {
	if l == DeconvolutionLayout {
		return 1
	}
	return 0
}

// ConvertLayout converts a training-time weight into inference order.
// Tensors that are not 4-D (biases, folded biases) are returned unchanged.
func ConvertLayout(t *Tensor, l Layout) (*Tensor, error) {
	if t.NDim() != 4 {
		return t, nil
	}
	return t.Transpose(l.InferenceAxes()...)
}

// Transpose returns a new tensor whose axis i is axis axes[i] of t,
// matching numpy.transpose.
func (t *Tensor) Transpose(axes ...int) (*Tensor, error) {
	if err := validatePermutation(axes, t.NDim()); err != nil {
		return nil, err
	}

	outShape := make(Shape, len(axes))
	for i, a := range axes {
		outShape[i] = t.shape[a]
	}
	out := Zeros(outShape)
	if len(t.data) == 0 {
		return out, nil
	}

	inStrides := t.shape.Strides()
	// srcStrides[i] is the input stride walked when output axis i advances.
	srcStrides := make([]int, len(axes))
	for i, a := range axes {
		srcStrides[i] = inStrides[a]
	}

	index := make([]int, len(outShape))
	src := 0
	for dst := range out.data {
		out.data[dst] = t.data[src]

		for d := len(index) - 1; d >= 0; d-- {
			index[d]++
			src += srcStrides[d]
			if index[d] < outShape[d] {
				break
			}
			src -= srcStrides[d] * index[d]
			index[d] = 0
		}
	}
	return out, nil
}

// InverseAxes returns the permutation that undoes axes.
func InverseAxes(axes []int) []int {
	inv := make([]int, len(axes))
	for i, a := range axes {
		inv[a] = i
	}
	return inv
}

func validatePermutation(axes []int, ndim int) error {
	if len(axes) != ndim {
		return fmt.Errorf("transpose: got %d axes for a %d-D tensor", len(axes), ndim)
	}
	seen := make([]bool, ndim)
	for _, a := range axes {
		if a < 0 || a >= ndim || seen[a] {
			return fmt.Errorf("transpose: %v is not a permutation of %d axes", axes, ndim)
		}
		seen[a] = true
	}
	return nil
}
