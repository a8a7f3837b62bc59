package fallback

import (
	"fmt"
	"math"

	"k8s.io/examples/AI/modelexport/pkg/engine"
	exporttensor "k8s.io/examples/AI/modelexport/pkg/tensor"
)

// grid is a float64 tensor; accumulating in float64 keeps the reference
// results well inside float32 tolerance.
type grid struct {
	shape exporttensor.Shape
	data  []float64
}

func newGrid(shape exporttensor.Shape) *grid {
	return &grid{shape: shape.Clone(), data: make([]float64, shape.NumElements())}
}

func gridFrom(t *exporttensor.Tensor) *grid {
	g := newGrid(t.Shape())
	for i, v := range t.Data() {
		g.data[i] = float64(v)
	}
	return g
}

func (g *grid) clone() *grid {
	out := newGrid(g.shape)
	copy(out.data, g.data)
	return out
}

func (g *grid) addInPlace(other *grid) error {
	if !g.shape.Equal(other.shape) {
		return fmt.Errorf("add: shape %v does not match %v", other.shape, g.shape)
	}
	for i, v := range other.data {
		g.data[i] += v
	}
	return nil
}

func (g *grid) toTensor() *exporttensor.Tensor {
	t := exporttensor.Zeros(g.shape)
	for i, v := range g.data {
		t.Data()[i] = float32(v)
	}
	return t
}

func checkNCHW(op string, x *grid, w *exporttensor.Tensor, inAxis int) (n, c, h, wd int, err error) {
	if len(x.shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%s: input must be 4-D [N,C,H,W], got %v", op, x.shape)
	}
	if w == nil || w.NDim() != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%s: weight must be 4-D", op)
	}
	if x.shape[1] != w.Shape()[inAxis] {
		return 0, 0, 0, 0, fmt.Errorf("%s: input channels %d != weight channels %d", op, x.shape[1], w.Shape()[inAxis])
	}
	return x.shape[0], x.shape[1], x.shape[2], x.shape[3], nil
}

func addBias(op string, y *grid, bias *exporttensor.Tensor) error {
	if bias == nil {
		return nil
	}
	channels := y.shape[1]
	if bias.Len() != channels {
		return fmt.Errorf("%s: bias has %d elements, want %d", op, bias.Len(), channels)
	}
	plane := y.shape[2] * y.shape[3]
	for i := range y.data {
		y.data[i] += float64(bias.Data()[(i/plane)%channels])
	}
	return nil
}

// conv2d computes y[n,o,i,j] = sum_{c,u,v} x[n,c,i*s+u-p,j*s+v-p] * W[o,c,u,v] + b[o].
func conv2d(x *grid, w, bias *exporttensor.Tensor, stride, padding int) (*grid, error) {
	N, C, H, W, err := checkNCHW("conv2d", x, w, 1)
	if err != nil {
		return nil, err
	}
	if stride <= 0 {
		stride = 1
	}
	O, KH, KW := w.Shape()[0], w.Shape()[2], w.Shape()[3]
	HOut := (H+2*padding-KH)/stride + 1
	WOut := (W+2*padding-KW)/stride + 1
	if HOut <= 0 || WOut <= 0 {
		return nil, fmt.Errorf("conv2d: invalid output dimensions: out_h=%d, out_w=%d", HOut, WOut)
	}

	y := newGrid(exporttensor.Shape{N, O, HOut, WOut})
	wd := w.Data()
	for n := 0; n < N; n++ {
		for o := 0; o < O; o++ {
			for i := 0; i < HOut; i++ {
				for j := 0; j < WOut; j++ {
					sum := 0.0
					for c := 0; c < C; c++ {
						for u := 0; u < KH; u++ {
							hi := i*stride + u - padding
							if hi < 0 || hi >= H {
								continue
							}
							for v := 0; v < KW; v++ {
								wi := j*stride + v - padding
								if wi < 0 || wi >= W {
									continue
								}
								sum += x.data[((n*C+c)*H+hi)*W+wi] * float64(wd[((o*C+c)*KH+u)*KW+v])
							}
						}
					}
					y.data[((n*O+o)*HOut+i)*WOut+j] = sum
				}
			}
		}
	}
	return y, addBias("conv2d", y, bias)
}

// deconv2d scatters y[n,o,i*s+u-p,j*s+v-p] += x[n,c,i,j] * W[c,o,u,v], then adds b[o].
func deconv2d(x *grid, w, bias *exporttensor.Tensor, stride, padding int) (*grid, error) {
	N, C, H, W, err := checkNCHW("deconv2d", x, w, 0)
	if err != nil {
		return nil, err
	}
	if stride <= 0 {
		stride = 1
	}
	O, KH, KW := w.Shape()[1], w.Shape()[2], w.Shape()[3]
	HOut := stride*(H-1) + KH - 2*padding
	WOut := stride*(W-1) + KW - 2*padding
	if HOut <= 0 || WOut <= 0 {
		return nil, fmt.Errorf("deconv2d: invalid output dimensions: out_h=%d, out_w=%d", HOut, WOut)
	}

	y := newGrid(exporttensor.Shape{N, O, HOut, WOut})
	wd := w.Data()
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			for i := 0; i < H; i++ {
				for j := 0; j < W; j++ {
					xv := x.data[((n*C+c)*H+i)*W+j]
					for o := 0; o < O; o++ {
						for u := 0; u < KH; u++ {
							ho := i*stride + u - padding
							if ho < 0 || ho >= HOut {
								continue
							}
							for v := 0; v < KW; v++ {
								wo := j*stride + v - padding
								if wo < 0 || wo >= WOut {
									continue
								}
								y.data[((n*O+o)*HOut+ho)*WOut+wo] += xv * float64(wd[((c*O+o)*KH+u)*KW+v])
							}
						}
					}
				}
			}
		}
	}
	return y, addBias("deconv2d", y, bias)
}

func batchNorm(x *grid, op *engine.BatchNorm) (*grid, error) {
	if len(x.shape) < 2 {
		return nil, fmt.Errorf("batchnorm: input must have a channel axis, got %v", x.shape)
	}
	if op.Mean == nil || op.Var == nil {
		return nil, fmt.Errorf("batchnorm: mean and variance are required")
	}
	channels := x.shape[1]
	for _, t := range []*exporttensor.Tensor{op.Gamma, op.Beta, op.Mean, op.Var} {
		if t != nil && t.Len() != channels {
			return nil, fmt.Errorf("batchnorm: statistic has %d elements, want %d", t.Len(), channels)
		}
	}

	plane := 1
	for _, d := range x.shape[2:] {
		plane *= d
	}

	y := x.clone()
	for i := range y.data {
		c := (i / plane) % channels
		gamma, beta := 1.0, 0.0
		if op.Gamma != nil {
			gamma = float64(op.Gamma.Data()[c])
		}
		if op.Beta != nil {
			beta = float64(op.Beta.Data()[c])
		}
		mean := float64(op.Mean.Data()[c])
		variance := float64(op.Var.Data()[c])
		y.data[i] = gamma*(y.data[i]-mean)/math.Sqrt(variance+op.Epsilon) + beta
	}
	return y, nil
}
