package tensor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iota4(shape Shape) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = float32(i)
	}
	return t
}

func TestShapeString(t *testing.T) {
	assert.Equal(t, "(32, 9, 9, 3)", Shape{32, 9, 9, 3}.String())
	assert.Equal(t, "(32,)", Shape{32}.String())
	assert.Equal(t, "()", Shape{}.String())
}

func TestNewRejectsLengthMismatch(t *testing.T) {
	_, err := New(Shape{2, 3}, make([]float32, 5))
	require.Error(t, err)

	_, err = New(Shape{0, 3}, nil)
	require.Error(t, err)
}

func TestTransposeMatchesIndexing(t *testing.T) {
	src := iota4(Shape{2, 3, 4, 5})
	axes := []int{0, 2, 3, 1}

	out, err := src.Transpose(axes...)
	require.NoError(t, err)
	require.Equal(t, Shape{2, 4, 5, 3}, out.Shape())

	for a := 0; a < 2; a++ {
		for b := 0; b < 3; b++ {
			for c := 0; c < 4; c++ {
				for d := 0; d < 5; d++ {
					assert.Equal(t, src.At(a, b, c, d), out.At(a, c, d, b))
				}
			}
		}
	}
}

func TestTransposeInvertible(t *testing.T) {
	grid := []struct {
		name   string
		layout Layout
		shape  Shape
	}{
		{"convolution", ConvolutionLayout, Shape{32, 3, 9, 9}},
		{"deconvolution", DeconvolutionLayout, Shape{64, 32, 4, 4}},
		{"non-square", ConvolutionLayout, Shape{3, 2, 1, 5}},
	}
	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			w := iota4(g.shape)
			axes := g.layout.InferenceAxes()

			converted, err := w.Transpose(axes...)
			require.NoError(t, err)
			back, err := converted.Transpose(InverseAxes(axes)...)
			require.NoError(t, err)
			assert.True(t, w.Equal(back))
		})
	}
}

func TestInverseAxesKnownValues(t *testing.T) {
	assert.Equal(t, []int{0, 3, 1, 2}, InverseAxes([]int{0, 2, 3, 1}))
	assert.Equal(t, []int{3, 0, 1, 2}, InverseAxes([]int{1, 2, 3, 0}))
}

func TestConvertLayoutDeconvolution(t *testing.T) {
	w := iota4(Shape{64, 32, 4, 4})

	out, err := ConvertLayout(w, DeconvolutionLayout)
	require.NoError(t, err)
	require.Equal(t, Shape{32, 4, 4, 64}, out.Shape())

	// out[o, h, w, i] == in[i, o, h, w]
	assert.Equal(t, w.At(5, 7, 1, 2), out.At(7, 1, 2, 5))
	assert.Equal(t, w.At(63, 31, 3, 3), out.At(31, 3, 3, 63))
}

func TestConvertLayoutPassesBiasThrough(t *testing.T) {
	b := iota4(Shape{32})
	out, err := ConvertLayout(b, ConvolutionLayout)
	require.NoError(t, err)
	assert.Same(t, b, out)
}

func TestTransposeRejectsBadAxes(t *testing.T) {
	w := iota4(Shape{2, 2, 2, 2})
	_, err := w.Transpose(0, 1, 2)
	assert.Error(t, err)
	_, err = w.Transpose(0, 1, 1, 2)
	assert.Error(t, err)
	_, err = w.Transpose(0, 1, 2, 4)
	assert.Error(t, err)
}

func TestRawRoundTrip(t *testing.T) {
	w := iota4(Shape{2, 3})
	var buf bytes.Buffer
	n, err := w.WriteRaw(&buf)
	require.NoError(t, err)
	assert.Equal(t, 24, n)

	back, err := FromRaw(Shape{2, 3}, buf.Bytes())
	require.NoError(t, err)
	assert.True(t, w.Equal(back))
}
