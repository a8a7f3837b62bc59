package fallback

import (
	"fmt"

	"k8s.io/examples/AI/modelexport/pkg/engine"
)

type TensorID = engine.TensorID

// CalculationScope evaluates tensors on the CPU in float64 precision.
type CalculationScope struct {
	tensors map[TensorID]*tensor
}

var _ engine.Scope = (*CalculationScope)(nil)

func NewCalculationScope() (*CalculationScope, error) {
	return &CalculationScope{
		tensors: make(map[TensorID]*tensor),
	}, nil
}

func (c *CalculationScope) Close() error {
	return nil
}

func (c *CalculationScope) AllTensors() map[TensorID]engine.Tensor {
	tensors := make(map[TensorID]engine.Tensor, len(c.tensors))
	for _, tensor := range c.tensors {
		tensors[tensor.id] = tensor
	}
	return tensors
}

func (c *CalculationScope) RegisterTensors(tensors []*engine.TensorDefinition) error {
	for _, definition := range tensors {
		if _, ok := c.tensors[definition.ID]; ok {
			return fmt.Errorf("tensor %d already registered", definition.ID)
		}
		if definition.InlineData == nil && definition.Computation == nil {
			return fmt.Errorf("tensor %d has neither data nor computation", definition.ID)
		}
		c.tensors[definition.ID] = newTensor(definition)
	}
	return nil
}

func (c *CalculationScope) Evaluate(wantTensors []TensorID) error {
	evaluationOrder, err := engine.BuildDAG(c, wantTensors)
	if err != nil {
		return err
	}

	for _, tensorID := range evaluationOrder {
		tensor, ok := c.tensors[tensorID]
		if !ok {
			return fmt.Errorf("tensor %d not found", tensorID)
		}
		if err := c.evaluateTensor(tensor); err != nil {
			return fmt.Errorf("evaluating tensor %d: %w", tensorID, err)
		}
	}

	return nil
}

func (c *CalculationScope) source(id TensorID) (*grid, error) {
	t, found := c.tensors[id]
	if !found {
		return nil, fmt.Errorf("source tensor %d not found", id)
	}
	if t.value == nil {
		return nil, fmt.Errorf("source tensor %d not evaluated", id)
	}
	return t.value, nil
}

func (c *CalculationScope) evaluateTensor(tensor *tensor) error {
	if tensor.value != nil {
		return nil
	}

	switch operation := tensor.definition.Computation.(type) {
	case *engine.Conv2D:
		x, err := c.source(operation.Source)
		if err != nil {
			return err
		}
		y, err := conv2d(x, operation.Weight, operation.Bias, operation.Stride, operation.Padding)
		if err != nil {
			return err
		}
		tensor.value = y
		return nil

	case *engine.Deconv2D:
		x, err := c.source(operation.Source)
		if err != nil {
			return err
		}
		y, err := deconv2d(x, operation.Weight, operation.Bias, operation.Stride, operation.Padding)
		if err != nil {
			return err
		}
		tensor.value = y
		return nil

	case *engine.BatchNorm:
		x, err := c.source(operation.Source)
		if err != nil {
			return err
		}
		y, err := batchNorm(x, operation)
		if err != nil {
			return err
		}
		tensor.value = y
		return nil

	case *engine.Add:
		if len(operation.Inputs) == 0 {
			return fmt.Errorf("add needs at least one input")
		}
		var sum *grid
		for _, id := range operation.Inputs {
			x, err := c.source(id)
			if err != nil {
				return err
			}
			if sum == nil {
				sum = x.clone()
				continue
			}
			if err := sum.addInPlace(x); err != nil {
				return err
			}
		}
		tensor.value = sum
		return nil

	default:
		return fmt.Errorf("unsupported operation: %T", operation)
	}
}
