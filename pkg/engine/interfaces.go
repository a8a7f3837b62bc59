package engine

import (
	"io"

	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

type TensorID int32

type Scope interface {
	io.Closer

	RegisterTensors(tensors []*TensorDefinition) error
	AllTensors() map[TensorID]Tensor
	Evaluate(wantTensors []TensorID) error
}

type Tensor interface {
	TensorID() TensorID
	Dependencies() []TensorID
	// Value returns the computed tensor; it fails if the tensor has not been evaluated.
	Value() (*tensor.Tensor, error)
}
