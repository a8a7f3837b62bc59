package store

import (
	"io"

	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

// Store is a read-only set of named tensors from a trained model.
// Names use "/" to separate layer scopes, as Chainer writes them ("r1/c1/W").
type Store interface {
	io.Closer

	// Names returns every tensor name, sorted.
	Names() []string

	// Tensor loads the named tensor. If no such tensor exists, Tensor returns an
	// error for which errors.Is(err, os.ErrNotExist) is true.
	Tensor(name string) (*tensor.Tensor, error)
}
