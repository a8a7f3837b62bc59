package model

import (
	"fmt"
	"math"

	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

// DefaultEpsilon is the batch normalization epsilon the networks were trained with.
const DefaultEpsilon = 1e-3

// Fold folds bn into conv so that, in inference mode,
//
//	conv'(x) = bn(conv(x))
//
// with W' = W * gamma/sqrt(var+eps) along the output-channel axis and
// b' = beta - mean * gamma/sqrt(var+eps). conv's own bias is absorbed.
// The result is stored in conv.FoldedWeight and conv.FoldedBias; bn is not modified.
func Fold(conv, bn *Node, epsilon float64) error {
	if conv.Kind != Convolution && conv.Kind != Deconvolution {
		return &LayerError{Layer: conv.Name, Op: "fold", Details: fmt.Sprintf("%s is not a convolution", conv.Kind), Err: ErrNotFusable}
	}
	if bn.Kind != BatchNorm {
		return &LayerError{Layer: bn.Name, Op: "fold", Details: fmt.Sprintf("%s is not a batch normalization", bn.Kind), Err: ErrNotFusable}
	}
	if bn.RunningMean == nil || bn.RunningVar == nil {
		return &LayerError{Layer: bn.Name, Op: "fold", Details: "avg_mean and avg_var are required (was the model saved in evaluation mode?)", Err: ErrMissingStatistics}
	}
	if conv.Weight == nil || conv.Weight.NDim() != 4 {
		var actual tensor.Shape
		if conv.Weight != nil {
			actual = conv.Weight.Shape()
		}
		return &LayerError{Layer: conv.Name, Op: "fold", Details: "weight must be 4-D", Actual: actual, Err: ErrShapeMismatch}
	}

	channels := conv.OutputChannels()
	want := tensor.Shape{channels}

	gamma := bn.Gamma
	if gamma == nil {
		gamma = tensor.Filled(want, 1)
	}
	beta := bn.Beta
	if beta == nil {
		beta = tensor.Zeros(want)
	}

	for _, stat := range []struct {
		name string
		t    *tensor.Tensor
	}{
		{"gamma", gamma},
		{"beta", beta},
		{"avg_mean", bn.RunningMean},
		{"avg_var", bn.RunningVar},
	} {
		if !stat.t.Shape().Equal(want) {
			return &LayerError{
				Layer:    conv.Name,
				Op:       "fold",
				Details:  fmt.Sprintf("%s of %q against output channels", stat.name, bn.Name),
				Expected: want,
				Actual:   stat.t.Shape(),
				Err:      ErrShapeMismatch,
			}
		}
	}

	scale := make([]float64, channels)
	bias := make([]float32, channels)
	for c := range scale {
		denom := float64(bn.RunningVar.Data()[c]) + epsilon
		if !(denom > 0) {
			return &LayerError{Layer: bn.Name, Op: "fold", Details: fmt.Sprintf("avg_var[%d]+eps = %g is not positive", c, denom), Err: ErrMissingStatistics}
		}
		scale[c] = float64(gamma.Data()[c]) / math.Sqrt(denom)
		bias[c] = float32(float64(beta.Data()[c]) - scale[c]*float64(bn.RunningMean.Data()[c]))
	}

	axis := conv.Layout().OutputChannelAxis()
	shape := conv.Weight.Shape()
	stride := shape.Strides()[axis]

	src := conv.Weight.Data()
	folded := make([]float32, len(src))
	for i, w := range src {
		c := (i / stride) % shape[axis]
		folded[i] = float32(float64(w) * scale[c])
	}

	foldedWeight, err := tensor.New(shape, folded)
	if err != nil {
		return fmt.Errorf("folding %q: %w", conv.Name, err)
	}
	foldedBias, err := tensor.New(want, bias)
	if err != nil {
		return fmt.Errorf("folding %q: %w", conv.Name, err)
	}

	conv.FoldedWeight = foldedWeight
	conv.FoldedBias = foldedBias
	return nil
}
