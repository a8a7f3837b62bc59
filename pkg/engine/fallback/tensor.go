package fallback

import (
	"fmt"

	"k8s.io/examples/AI/modelexport/pkg/engine"
	exporttensor "k8s.io/examples/AI/modelexport/pkg/tensor"
)

type tensor struct {
	id         TensorID
	definition *engine.TensorDefinition
	value      *grid

	dependencies []TensorID
}

func newTensor(definition *engine.TensorDefinition) *tensor {
	t := &tensor{
		id:         definition.ID,
		definition: definition,
	}
	if definition.InlineData != nil {
		t.value = gridFrom(definition.InlineData)
	}
	t.dependencies = append(t.dependencies, engine.GetDependencies(definition.Computation)...)
	return t
}

func (t *tensor) Value() (*exporttensor.Tensor, error) {
	if t.value == nil {
		return nil, fmt.Errorf("tensor %d has not been evaluated", t.id)
	}
	return t.value.toTensor(), nil
}

func (t *tensor) Dependencies() []TensorID {
	return t.dependencies
}

func (t *tensor) TensorID() TensorID {
	return t.id
}
