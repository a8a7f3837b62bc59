package engine

import (
	"fmt"

	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

func Evaluate(scope Scope, req *CalculateRequest) (*CalculateResponse, error) {
	if err := scope.RegisterTensors(req.Tensors); err != nil {
		return nil, err
	}

	if err := scope.Evaluate(req.OutputTensors); err != nil {
		return nil, err
	}

	allTensors := scope.AllTensors()
	response := &CalculateResponse{
		Results: make(map[TensorID]*tensor.Tensor, len(req.OutputTensors)),
	}
	for _, outputTensorID := range req.OutputTensors {
		t, found := allTensors[outputTensorID]
		if !found {
			return nil, fmt.Errorf("tensor %d not found", outputTensorID)
		}
		value, err := t.Value()
		if err != nil {
			return nil, err
		}
		response.Results[outputTensorID] = value
	}

	return response, nil
}

func GetDependencies(computation Operation) []TensorID {
	if computation == nil {
		return nil
	}
	return computation.Sources()
}
