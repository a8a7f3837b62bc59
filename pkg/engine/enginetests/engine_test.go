package enginetests

import (
	"math"
	"testing"

	"k8s.io/examples/AI/modelexport/pkg/engine"
	"k8s.io/examples/AI/modelexport/pkg/engine/fallback"
	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

func mustTensor(t *testing.T, shape tensor.Shape, values []float32) *tensor.Tensor {
	t.Helper()
	out, err := tensor.New(shape, values)
	if err != nil {
		t.Fatalf("building tensor: %v", err)
	}
	return out
}

func evaluate(t *testing.T, request *engine.CalculateRequest) *engine.CalculateResponse {
	t.Helper()

	scope, err := fallback.NewCalculationScope()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	response, err := engine.Evaluate(scope, request)
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}

	if err := scope.Close(); err != nil {
		t.Fatalf("failed to free scope: %v", err)
	}
	return response
}

func TestConv2D(t *testing.T) {
	// 1x1x3x3 input, one 2x2 kernel of ones, bias 10.
	request := &engine.CalculateRequest{
		Tensors: []*engine.TensorDefinition{
			{ID: 1, InlineData: mustTensor(t, tensor.Shape{1, 1, 3, 3}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})},
			{ID: 2, Computation: &engine.Conv2D{
				Source: 1,
				Weight: tensor.Filled(tensor.Shape{1, 1, 2, 2}, 1),
				Bias:   mustTensor(t, tensor.Shape{1}, []float32{10}),
			}},
		},
		OutputTensors: []engine.TensorID{2},
	}

	response := evaluate(t, request)

	got := response.Results[2]
	if got == nil {
		t.Fatalf("expected result for tensor 2")
	}
	if !got.Shape().Equal(tensor.Shape{1, 1, 2, 2}) {
		t.Fatalf("expected shape (1, 1, 2, 2), got %v", got.Shape())
	}
	expected := []float32{22, 26, 34, 38}
	if !FloatingPointEqual(got.Data(), expected) {
		t.Errorf("expected %+v, got %+v", expected, got.Data())
	}
}

func TestConv2DStridePadding(t *testing.T) {
	request := &engine.CalculateRequest{
		Tensors: []*engine.TensorDefinition{
			{ID: 1, InlineData: tensor.Filled(tensor.Shape{1, 1, 4, 4}, 1)},
			{ID: 2, Computation: &engine.Conv2D{
				Source:  1,
				Weight:  tensor.Filled(tensor.Shape{1, 1, 4, 4}, 1),
				Stride:  2,
				Padding: 1,
			}},
		},
		OutputTensors: []engine.TensorID{2},
	}

	got := evaluate(t, request).Results[2]
	if !got.Shape().Equal(tensor.Shape{1, 1, 2, 2}) {
		t.Fatalf("expected shape (1, 1, 2, 2), got %v", got.Shape())
	}
	expected := []float32{9, 9, 9, 9}
	if !FloatingPointEqual(got.Data(), expected) {
		t.Errorf("expected %+v, got %+v", expected, got.Data())
	}
}

func TestDeconv2D(t *testing.T) {
	// in=1, out=2 channels; 2x2 kernel; stride 1.
	request := &engine.CalculateRequest{
		Tensors: []*engine.TensorDefinition{
			{ID: 1, InlineData: mustTensor(t, tensor.Shape{1, 1, 1, 2}, []float32{1, 2})},
			{ID: 2, Computation: &engine.Deconv2D{
				Source: 1,
				Weight: mustTensor(t, tensor.Shape{1, 2, 1, 2}, []float32{1, 1, 1, -1}),
			}},
		},
		OutputTensors: []engine.TensorID{2},
	}

	got := evaluate(t, request).Results[2]
	if !got.Shape().Equal(tensor.Shape{1, 2, 1, 3}) {
		t.Fatalf("expected shape (1, 2, 1, 3), got %v", got.Shape())
	}
	// channel 0: [1, 1+2, 2]; channel 1: [1, -1+2, -2]
	expected := []float32{1, 3, 2, 1, 1, -2}
	if !FloatingPointEqual(got.Data(), expected) {
		t.Errorf("expected %+v, got %+v", expected, got.Data())
	}
}

func TestBatchNormAndAdd(t *testing.T) {
	request := &engine.CalculateRequest{
		Tensors: []*engine.TensorDefinition{
			{ID: 1, InlineData: mustTensor(t, tensor.Shape{1, 2, 1, 1}, []float32{3, 5})},
			{ID: 2, Computation: &engine.BatchNorm{
				Source: 1,
				Gamma:  mustTensor(t, tensor.Shape{2}, []float32{2, 1}),
				Beta:   mustTensor(t, tensor.Shape{2}, []float32{1, 0}),
				Mean:   mustTensor(t, tensor.Shape{2}, []float32{1, 1}),
				Var:    mustTensor(t, tensor.Shape{2}, []float32{4, 16}),
			}},
			{ID: 3, Computation: &engine.Add{Inputs: []engine.TensorID{1, 2}}},
		},
		OutputTensors: []engine.TensorID{2, 3},
	}

	response := evaluate(t, request)
	// bn: [2*(3-1)/2+1, (5-1)/4] = [3, 1]
	if expected := []float32{3, 1}; !FloatingPointEqual(response.Results[2].Data(), expected) {
		t.Errorf("expected %+v, got %+v", expected, response.Results[2].Data())
	}
	if expected := []float32{6, 6}; !FloatingPointEqual(response.Results[3].Data(), expected) {
		t.Errorf("expected %+v, got %+v", expected, response.Results[3].Data())
	}
}

func TestUnreachableTensor(t *testing.T) {
	scope, err := fallback.NewCalculationScope()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer scope.Close()

	request := &engine.CalculateRequest{
		Tensors: []*engine.TensorDefinition{
			{ID: 2, Computation: &engine.BatchNorm{Source: 7}},
		},
		OutputTensors: []engine.TensorID{2},
	}
	if _, err := engine.Evaluate(scope, request); err == nil {
		t.Fatalf("expected error for tensor depending on unknown source")
	}
}

func TestDuplicateRegistration(t *testing.T) {
	scope, err := fallback.NewCalculationScope()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer scope.Close()

	defs := []*engine.TensorDefinition{
		{ID: 1, InlineData: tensor.Zeros(tensor.Shape{1})},
		{ID: 1, InlineData: tensor.Zeros(tensor.Shape{1})},
	}
	if err := scope.RegisterTensors(defs); err == nil {
		t.Fatalf("expected error registering tensor 1 twice")
	}
}

func FloatingPointEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i, value := range a {
		if math.Abs(float64(value-b[i])) > 0.00001 {
			return false
		}
	}
	return true
}
