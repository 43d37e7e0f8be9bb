package nn

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/kernels"
)

// Linear is a fully connected layer y = x W^T + b with weight stored as
// [outFeatures, inFeatures]. Inputs may carry arbitrary leading dimensions;
// everything but the last is treated as batch.
type Linear struct {
	In, Out int
	Weight  *Param
	Bias    *Param

	lastInput *tensor.Dense
}

// NewLinear builds a Linear layer with Kaiming-uniform initialized weight
// and, optionally, a zero bias.
func NewLinear(in, out int, bias bool) *Linear {
	w := make([]float32, out*in)
	uniformInit(w, 1/math32.Sqrt(float32(in)))
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: NewParam("weight", dense(w, out, in)),
	}
	if bias {
		l.Bias = NewParam("bias", zeros(out))
	}
	return l
}

// Forward computes x W^T + b over the flattened batch.
func (l *Linear) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("Linear", inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	rows, cols := rowsCols(x.Shape())
	if cols != l.In {
		return nil, errors.Errorf("nn: Linear expects %d input features, got %d", l.In, cols)
	}
	out := make([]float32, rows*l.Out)
	kernels.MatMulNT(out, f32s(x), f32s(l.Weight.Data), rows, l.In, l.Out)
	if l.Bias != nil {
		kernels.AddBias(out, f32s(l.Bias.Data), rows, l.Out)
	}
	l.lastInput = x

	shape := append([]int{}, x.Shape()[:len(x.Shape())-1]...)
	shape = append(shape, l.Out)
	return dense(out, shape...), nil
}

// Backward accumulates dW = g^T x and db = colsum(g), and returns
// dx = g W shaped like the cached input.
func (l *Linear) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if l.lastInput == nil {
		return nil, errors.New("nn: Linear backward before forward")
	}
	x := l.lastInput
	rows, _ := rowsCols(x.Shape())
	g := f32s(upstream)

	if l.Weight.RequiresGrad {
		dw := make([]float32, l.Out*l.In)
		// dW[o,i] = sum_r g[r,o] * x[r,i]
		kernels.MatMulTN(dw, g, f32s(x), rows, l.Out, l.In)
		accumulate(l.Weight, dw)
	}
	if l.Bias != nil && l.Bias.RequiresGrad {
		db := f32s(l.Bias.EnsureGrad())
		kernels.BiasGrad(db, g, rows, l.Out)
	}

	dx := make([]float32, rows*l.In)
	kernels.MatMul(dx, g, f32s(l.Weight.Data), rows, l.Out, l.In)
	return []*tensor.Dense{dense(dx, []int(x.Shape())...)}, nil
}

// Params returns the trainable parameters.
func (l *Linear) Params() []*Param {
	if l.Bias == nil {
		return []*Param{l.Weight}
	}
	return []*Param{l.Weight, l.Bias}
}
