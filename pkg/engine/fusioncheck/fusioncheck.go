// Package fusioncheck verifies folded layers numerically: for each fusion it
// evaluates bn(conv(x, W, b)) and conv(x, W', b') on a random input with the
// reference engine and compares the results.
package fusioncheck

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexport/pkg/engine"
	"k8s.io/examples/AI/modelexport/pkg/engine/fallback"
	"k8s.io/examples/AI/modelexport/pkg/model"
	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

// DefaultTolerance is the largest accepted max-norm relative error:
// max|want-got| / max|want| over the whole output.
const DefaultTolerance = 1e-5

var ErrMismatch = errors.New("folded layer does not reproduce convolution followed by batch normalization")

type Options struct {
	Epsilon   float64
	Tolerance float64
	Seed      uint64
}

func (o Options) withDefaults() Options {
	if o.Epsilon == 0 {
		o.Epsilon = model.DefaultEpsilon
	}
	if o.Tolerance == 0 {
		o.Tolerance = DefaultTolerance
	}
	return o
}

// Verify checks every fusion and returns the first mismatch.
func Verify(ctx context.Context, fusions []model.Fusion, opts Options) error {
	log := klog.FromContext(ctx)
	opts = opts.withDefaults()

	rng := rand.New(rand.NewPCG(opts.Seed, 0x5eed))
	for _, f := range fusions {
		diff, err := Check(f, rng, opts)
		if err != nil {
			return err
		}
		log.V(2).Info("verified fusion", "layer", f.Conv.Name, "batchNorm", f.BatchNorm.Name, "relativeError", diff)
	}
	log.Info("verified folded layers", "count", len(fusions))
	return nil
}

// Check evaluates one fusion and returns the max-norm relative error between
// the two outputs.
func Check(f model.Fusion, rng *rand.Rand, opts Options) (float64, error) {
	opts = opts.withDefaults()
	conv, bn := f.Conv, f.BatchNorm
	if !conv.Fused() {
		return 0, fmt.Errorf("layer %q has not been folded", conv.Name)
	}

	shape := conv.Weight.Shape()
	inChannels := shape[1]
	if conv.Kind == model.Deconvolution {
		inChannels = shape[0]
	}
	input := tensor.Zeros(tensor.Shape{1, inChannels, shape[2] + 3, shape[3] + 3})
	for i := range input.Data() {
		input.Data()[i] = rng.Float32()*2 - 1
	}

	const (
		idInput engine.TensorID = iota + 1
		idConv
		idNormalized
		idFolded
	)
	request := &engine.CalculateRequest{
		Tensors: []*engine.TensorDefinition{
			{ID: idInput, InlineData: input},
			{ID: idConv, Computation: layer(conv, idInput, conv.Weight, conv.Bias)},
			{ID: idNormalized, Computation: &engine.BatchNorm{
				Source:  idConv,
				Gamma:   bn.Gamma,
				Beta:    bn.Beta,
				Mean:    bn.RunningMean,
				Var:     bn.RunningVar,
				Epsilon: opts.Epsilon,
			}},
			{ID: idFolded, Computation: layer(conv, idInput, conv.FoldedWeight, conv.FoldedBias)},
		},
		OutputTensors: []engine.TensorID{idNormalized, idFolded},
	}

	scope, err := fallback.NewCalculationScope()
	if err != nil {
		return 0, err
	}
	defer scope.Close()

	response, err := engine.Evaluate(scope, request)
	if err != nil {
		return 0, fmt.Errorf("evaluating %q: %w", conv.Name, err)
	}

	diff := relativeDifference(response.Results[idNormalized].Data(), response.Results[idFolded].Data())
	if diff > opts.Tolerance {
		return diff, &model.LayerError{
			Layer:   conv.Name,
			Op:      "verify",
			Details: fmt.Sprintf("relative difference %g exceeds %g", diff, opts.Tolerance),
			Err:     ErrMismatch,
		}
	}
	return diff, nil
}

func layer(n *model.Node, source engine.TensorID, w, b *tensor.Tensor) engine.Operation {
	if n.Kind == model.Deconvolution {
		return &engine.Deconv2D{Source: source, Weight: w, Bias: b, Stride: 1}
	}
	return &engine.Conv2D{Source: source, Weight: w, Bias: b, Stride: 1}
}

// relativeDifference is max|want-got| / max|want|. Elements are not compared
// one by one: outputs that cancel to near zero would otherwise fail on float32
// rounding alone.
func relativeDifference(want, got []float32) float64 {
	scale := 0.0
	for _, v := range want {
		scale = math.Max(scale, math.Abs(float64(v)))
	}
	if scale == 0 {
		scale = 1
	}
	worst := 0.0
	for i := range want {
		worst = math.Max(worst, math.Abs(float64(want[i])-float64(got[i]))/scale)
	}
	return worst
}
