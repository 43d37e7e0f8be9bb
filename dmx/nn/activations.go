package dmxnn

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/approx"
	"github.com/dmx-ai/mltools/nn"
)

// Softmax is the aware softmax. With SOFTMAX(base2) configured it replaces
// e^x with 2^x plus renormalization.
type Softmax struct {
	*nn.Softmax
	*Base

	lastApprox bool
	lastOutput *tensor.Dense
}

// NewSoftmax builds a fresh aware softmax.
func NewSoftmax() *Softmax {
	return &Softmax{Softmax: nn.NewSoftmax(), Base: newSoftmaxBase()}
}

// SoftmaxFromRaw wraps a native softmax.
func SoftmaxFromRaw(raw nn.Module) (nn.Module, error) {
	s, ok := raw.(*nn.Softmax)
	if !ok {
		return nil, errors.Errorf("dmxnn: expected *nn.Softmax, got %T", raw)
	}
	return &Softmax{Softmax: s, Base: newSoftmaxBase()}, nil
}

func newSoftmaxBase() *Base {
	return newBase("Softmax", 1).withApprox(approx.SoftmaxBase2)
}

// Forward normalizes the cast input, exactly or in base 2.
func (s *Softmax) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	xs, err := s.castInputs(inputs)
	if err != nil {
		return nil, err
	}
	s.lastApprox = s.Approx == approx.SoftmaxBase2

	var y *tensor.Dense
	if s.lastApprox {
		x := xs[0]
		rows, cols, derr := lastDim(x)
		if derr != nil {
			return nil, derr
		}
		out := make([]float32, rows*cols)
		approx.SoftmaxBase2Forward(out, f32(x), rows, cols)
		y = tensor.New(tensor.WithShape(x.Shape()...), tensor.WithBacking(out))
		s.lastOutput = y
	} else {
		if y, err = s.Softmax.Forward(xs...); err != nil {
			return nil, err
		}
	}
	return s.castOutput(y)
}

// Backward applies the Jacobian of the path the forward took.
func (s *Softmax) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if !s.lastApprox {
		return s.Softmax.Backward(upstream)
	}
	if s.lastOutput == nil {
		return nil, errors.New("dmxnn: Softmax backward before forward")
	}
	y := s.lastOutput
	rows, cols, err := lastDim(y)
	if err != nil {
		return nil, err
	}
	dx := make([]float32, rows*cols)
	approx.SoftmaxBase2Grad(dx, f32(y), f32(upstream), rows, cols)
	return []*tensor.Dense{tensor.New(tensor.WithShape(y.Shape()...), tensor.WithBacking(dx))}, nil
}

// GELU is the aware activation. With GELU(poly2) configured it uses the
// clipped-quadratic erf approximation.
type GELU struct {
	*nn.GELU
	*Base

	lastApprox bool
	lastInput  *tensor.Dense
}

// NewGELU builds a fresh aware GELU.
func NewGELU() *GELU {
	return &GELU{GELU: nn.NewGELU(), Base: newGELUBase()}
}

// GELUFromRaw wraps a native GELU.
func GELUFromRaw(raw nn.Module) (nn.Module, error) {
	g, ok := raw.(*nn.GELU)
	if !ok {
		return nil, errors.Errorf("dmxnn: expected *nn.GELU, got %T", raw)
	}
	return &GELU{GELU: g, Base: newGELUBase()}, nil
}

func newGELUBase() *Base {
	return newBase("GELU", 1).withApprox(approx.GELUPoly2)
}

// Forward applies the exact or polynomial GELU to the cast input.
func (g *GELU) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	xs, err := g.castInputs(inputs)
	if err != nil {
		return nil, err
	}
	g.lastApprox = g.Approx == approx.GELUPoly2

	var y *tensor.Dense
	if g.lastApprox {
		x := xs[0]
		out := make([]float32, len(f32(x)))
		approx.GELUPoly2Forward(out, f32(x))
		y = tensor.New(tensor.WithShape(x.Shape()...), tensor.WithBacking(out))
		g.lastInput = x
	} else {
		if y, err = g.GELU.Forward(xs...); err != nil {
			return nil, err
		}
	}
	return g.castOutput(y)
}

// Backward applies the derivative of the path the forward took.
func (g *GELU) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if !g.lastApprox {
		return g.GELU.Backward(upstream)
	}
	if g.lastInput == nil {
		return nil, errors.New("dmxnn: GELU backward before forward")
	}
	x := g.lastInput
	dx := make([]float32, len(f32(x)))
	approx.GELUPoly2Grad(dx, f32(x), f32(upstream))
	return []*tensor.Dense{tensor.New(tensor.WithShape(x.Shape()...), tensor.WithBacking(dx))}, nil
}

// ReLU is the aware rectifier: the kernel is exact, only the ports are
// quantized.
type ReLU struct {
	*nn.ReLU
	*Base
}

// NewReLU builds a fresh aware ReLU.
func NewReLU() *ReLU {
	return &ReLU{ReLU: nn.NewReLU(), Base: newBase("ReLU", 1)}
}

// ReLUFromRaw wraps a native ReLU.
func ReLUFromRaw(raw nn.Module) (nn.Module, error) {
	r, ok := raw.(*nn.ReLU)
	if !ok {
		return nil, errors.Errorf("dmxnn: expected *nn.ReLU, got %T", raw)
	}
	return &ReLU{ReLU: r, Base: newBase("ReLU", 1)}, nil
}

// Forward rectifies the cast input.
func (r *ReLU) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	xs, err := r.castInputs(inputs)
	if err != nil {
		return nil, err
	}
	y, err := r.ReLU.Forward(xs...)
	if err != nil {
		return nil, err
	}
	return r.castOutput(y)
}

// Backward gates the gradient on the cached cast input.
func (r *ReLU) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	return r.ReLU.Backward(upstream)
}
