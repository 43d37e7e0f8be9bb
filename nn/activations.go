package nn

import (
	"sync"
	"time"

	rng "github.com/leesper/go_rng"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/kernels"
)

// Softmax normalizes over the last dimension.
type Softmax struct {
	lastOutput *tensor.Dense
}

// NewSoftmax builds a last-dimension softmax.
func NewSoftmax() *Softmax { return &Softmax{} }

// Forward computes the row-wise softmax.
func (s *Softmax) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("Softmax", inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	rows, cols := rowsCols(x.Shape())
	out := make([]float32, rows*cols)
	kernels.Softmax(out, f32s(x), rows, cols)
	y := dense(out, []int(x.Shape())...)
	s.lastOutput = y
	return y, nil
}

// Backward applies the softmax Jacobian to the upstream gradient.
func (s *Softmax) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if s.lastOutput == nil {
		return nil, errors.New("nn: Softmax backward before forward")
	}
	y := s.lastOutput
	rows, cols := rowsCols(y.Shape())
	dx := make([]float32, rows*cols)
	kernels.SoftmaxGrad(dx, f32s(y), f32s(upstream), rows, cols, 1)
	return []*tensor.Dense{dense(dx, []int(y.Shape())...)}, nil
}

// GELU is the exact Gaussian error linear unit.
type GELU struct {
	lastInput *tensor.Dense
}

// NewGELU builds a GELU activation.
func NewGELU() *GELU { return &GELU{} }

// Forward applies gelu elementwise.
func (g *GELU) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("GELU", inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	out := make([]float32, len(f32s(x)))
	kernels.GELU(out, f32s(x))
	g.lastInput = x
	return dense(out, []int(x.Shape())...), nil
}

// Backward applies the exact GELU derivative.
func (g *GELU) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if g.lastInput == nil {
		return nil, errors.New("nn: GELU backward before forward")
	}
	x := g.lastInput
	dx := make([]float32, len(f32s(x)))
	kernels.GELUGrad(dx, f32s(x), f32s(upstream))
	return []*tensor.Dense{dense(dx, []int(x.Shape())...)}, nil
}

// ReLU is the rectified linear unit.
type ReLU struct {
	lastInput *tensor.Dense
}

// NewReLU builds a ReLU activation.
func NewReLU() *ReLU { return &ReLU{} }

// Forward clamps negatives to zero.
func (r *ReLU) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("ReLU", inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	out := make([]float32, len(f32s(x)))
	kernels.ReLU(out, f32s(x))
	r.lastInput = x
	return dense(out, []int(x.Shape())...), nil
}

// Backward gates the gradient by the sign of the cached input.
func (r *ReLU) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if r.lastInput == nil {
		return nil, errors.New("nn: ReLU backward before forward")
	}
	x := r.lastInput
	dx := make([]float32, len(f32s(x)))
	kernels.ReLUGrad(dx, f32s(x), f32s(upstream))
	return []*tensor.Dense{dense(dx, []int(x.Shape())...)}, nil
}

// Identity passes its input through. Heads and tails default to it.
type Identity struct{}

// NewIdentity builds an identity module.
func NewIdentity() *Identity { return &Identity{} }

// Forward returns the input.
func (i *Identity) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("Identity", inputs, 1); err != nil {
		return nil, err
	}
	return inputs[0], nil
}

// Backward returns the upstream gradient.
func (i *Identity) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	return []*tensor.Dense{upstream}, nil
}

var (
	dropMu  sync.Mutex
	dropRNG = rng.NewUniformGenerator(time.Now().UnixNano())
)

// SeedDropout reseeds the dropout RNG.
func SeedDropout(seed int64) {
	dropMu.Lock()
	dropRNG = rng.NewUniformGenerator(seed)
	dropMu.Unlock()
}

// Dropout zeroes activations with probability P during training and
// rescales survivors by 1/(1-P). In evaluation mode it is the identity.
type Dropout struct {
	P        float64
	Training bool

	mask      []float32
	lastShape tensor.Shape
}

// NewDropout builds a dropout layer in evaluation mode.
func NewDropout(p float64) *Dropout { return &Dropout{P: p} }

// Forward samples a fresh mask per call when training.
func (d *Dropout) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("Dropout", inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	if !d.Training || d.P <= 0 {
		d.mask = nil
		return x, nil
	}
	xs := f32s(x)
	out := make([]float32, len(xs))
	d.mask = make([]float32, len(xs))
	keep := float32(1 / (1 - d.P))
	dropMu.Lock()
	for i, v := range xs {
		if float64(dropRNG.Float32()) >= d.P {
			d.mask[i] = keep
			out[i] = v * keep
		}
	}
	dropMu.Unlock()
	d.lastShape = x.Shape().Clone()
	return dense(out, []int(x.Shape())...), nil
}

// Backward applies the same mask to the gradient.
func (d *Dropout) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if d.mask == nil {
		return []*tensor.Dense{upstream}, nil
	}
	g := f32s(upstream)
	dx := make([]float32, len(g))
	for i, v := range g {
		dx[i] = v * d.mask[i]
	}
	return []*tensor.Dense{dense(dx, []int(d.lastShape)...)}, nil
}

// Flatten collapses all dimensions after the first into one, turning
// [N, ...] into [N, prod(...)].
type Flatten struct {
	lastShape tensor.Shape
}

// NewFlatten builds a flatten module.
func NewFlatten() *Flatten { return &Flatten{} }

// Forward reshapes without copying the backing buffer.
func (f *Flatten) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("Flatten", inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	shape := x.Shape()
	if len(shape) < 2 {
		return nil, errors.Errorf("nn: Flatten expects at least 2 dimensions, got %v", shape)
	}
	f.lastShape = shape.Clone()
	rest := 1
	for _, s := range shape[1:] {
		rest *= s
	}
	return dense(f32s(x), shape[0], rest), nil
}

// Backward restores the original shape.
func (f *Flatten) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if f.lastShape == nil {
		return nil, errors.New("nn: Flatten backward before forward")
	}
	return []*tensor.Dense{dense(f32s(upstream), []int(f.lastShape)...)}, nil
}
