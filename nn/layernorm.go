package nn

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/kernels"
)

// LayerNorm normalizes over the last dimension and applies a learned affine
// transform.
type LayerNorm struct {
	Dim   int
	Eps   float32
	Gamma *Param
	Beta  *Param

	lastInput *tensor.Dense
	mean      []float32
	invStd    []float32
}

// NewLayerNorm builds a layer normalization with unit gamma and zero beta.
func NewLayerNorm(dim int) *LayerNorm {
	gamma := make([]float32, dim)
	for i := range gamma {
		gamma[i] = 1
	}
	return &LayerNorm{
		Dim:   dim,
		Eps:   1e-5,
		Gamma: NewParam("weight", dense(gamma, dim)),
		Beta:  NewParam("bias", zeros(dim)),
	}
}

// Forward normalizes each length-Dim row.
func (l *LayerNorm) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("LayerNorm", inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	rows, cols := rowsCols(x.Shape())
	if cols != l.Dim {
		return nil, errors.Errorf("nn: LayerNorm expects last dimension %d, got %d", l.Dim, cols)
	}
	out := make([]float32, rows*cols)
	l.mean = make([]float32, rows)
	l.invStd = make([]float32, rows)
	kernels.LayerNorm(out, f32s(x), f32s(l.Gamma.Data), f32s(l.Beta.Data),
		rows, cols, l.Eps, l.mean, l.invStd)
	l.lastInput = x
	return dense(out, []int(x.Shape())...), nil
}

// Backward computes the closed-form layer normalization gradient and
// accumulates gamma/beta gradients.
func (l *LayerNorm) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if l.lastInput == nil {
		return nil, errors.New("nn: LayerNorm backward before forward")
	}
	x := l.lastInput
	rows, cols := rowsCols(x.Shape())
	dx := make([]float32, rows*cols)
	kernels.LayerNormGrad(dx,
		f32s(l.Gamma.EnsureGrad()), f32s(l.Beta.EnsureGrad()),
		f32s(x), f32s(l.Gamma.Data), f32s(upstream), l.mean, l.invStd, rows, cols)
	return []*tensor.Dense{dense(dx, []int(x.Shape())...)}, nil
}

// Params returns gamma and beta.
func (l *LayerNorm) Params() []*Param { return []*Param{l.Gamma, l.Beta} }
