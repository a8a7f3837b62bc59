package engine

import "k8s.io/examples/AI/modelexport/pkg/tensor"

// TensorDefinition declares a tensor: either inline data or a computation over
// other tensors.
type TensorDefinition struct {
	ID          TensorID
	InlineData  *tensor.Tensor
	Computation Operation
}

// Operation computes a tensor from its sources.
type Operation interface {
	Sources() []TensorID
}

// Conv2D is a cross-correlation over an NCHW input with an (out, in, kh, kw) weight.
type Conv2D struct {
	Source  TensorID
	Weight  *tensor.Tensor
	Bias    *tensor.Tensor // optional
	Stride  int
	Padding int
}

func (o *Conv2D) Sources() []TensorID { return []TensorID{o.Source} }

// Deconv2D is a transposed convolution with an (in, out, kh, kw) weight.
type Deconv2D struct {
	Source  TensorID
	Weight  *tensor.Tensor
	Bias    *tensor.Tensor // optional
	Stride  int
	Padding int
}

func (o *Deconv2D) Sources() []TensorID { return []TensorID{o.Source} }

// BatchNorm normalizes axis 1 with fixed statistics (inference mode).
// Nil Gamma and Beta mean ones and zeros.
type BatchNorm struct {
	Source  TensorID
	Gamma   *tensor.Tensor
	Beta    *tensor.Tensor
	Mean    *tensor.Tensor
	Var     *tensor.Tensor
	Epsilon float64
}

func (o *BatchNorm) Sources() []TensorID { return []TensorID{o.Source} }

// Add sums tensors of identical shape, as a residual connection does.
type Add struct {
	Inputs []TensorID
}

func (o *Add) Sources() []TensorID { return o.Inputs }

type CalculateRequest struct {
	Tensors       []*TensorDefinition
	OutputTensors []TensorID
}

type CalculateResponse struct {
	Results map[TensorID]*tensor.Tensor
}
