package dmxnn

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/approx"
	"github.com/dmx-ai/mltools/kernels"
	"github.com/dmx-ai/mltools/nn"
)

// LayerNorm is the aware layer normalization. With LAYERNORM(quake3)
// configured, the inverse standard deviation comes from the Quake III
// bit-trick kernel instead of the exact square root.
type LayerNorm struct {
	*nn.LayerNorm
	*Base

	qGamma *tensor.Dense
	qBeta  *tensor.Dense

	// caches for the approximated path
	lastApprox bool
	lastInput  *tensor.Dense
	mean       []float32
	invStd     []float32
}

// NewLayerNorm builds a fresh aware layer normalization.
func NewLayerNorm(dim int) *LayerNorm {
	return &LayerNorm{LayerNorm: nn.NewLayerNorm(dim), Base: newNormBase()}
}

// LayerNormFromRaw wraps a native layer normalization.
func LayerNormFromRaw(raw nn.Module) (nn.Module, error) {
	l, ok := raw.(*nn.LayerNorm)
	if !ok {
		return nil, errors.Errorf("dmxnn: expected *nn.LayerNorm, got %T", raw)
	}
	return &LayerNorm{LayerNorm: l, Base: newNormBase()}, nil
}

func newNormBase() *Base {
	return newBase("LayerNorm", 1).withWeight(true).withApprox(approx.LayerNormQuake3)
}

// Forward normalizes the cast input with quantized gamma and beta views.
func (l *LayerNorm) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	xs, err := l.castInputs(inputs)
	if err != nil {
		return nil, err
	}
	if err := l.refresh(); err != nil {
		return nil, err
	}
	l.lastApprox = l.Approx == approx.LayerNormQuake3

	var y *tensor.Dense
	if l.lastApprox {
		y, err = l.approxForward(xs[0])
	} else {
		restore := l.swap()
		y, err = l.LayerNorm.Forward(xs...)
		restore()
	}
	if err != nil {
		return nil, err
	}
	return l.castOutput(y)
}

func (l *LayerNorm) approxForward(x *tensor.Dense) (*tensor.Dense, error) {
	rows, cols, err := lastDim(x)
	if err != nil {
		return nil, err
	}
	if cols != l.Dim {
		return nil, errors.Errorf("dmxnn: LayerNorm expects last dimension %d, got %d", l.Dim, cols)
	}
	out := make([]float32, rows*cols)
	l.mean = make([]float32, rows)
	l.invStd = make([]float32, rows)
	approx.LayerNormQuake3Forward(out, f32(x), f32(l.qGamma), f32(l.qBeta),
		rows, cols, l.Eps, l.mean, l.invStd)
	l.lastInput = x
	return tensor.New(tensor.WithShape(x.Shape()...), tensor.WithBacking(out)), nil
}

// Backward differentiates the path the forward took, treating the
// approximated inverse standard deviation as the true one.
func (l *LayerNorm) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if !l.lastApprox {
		restore := l.swap()
		grads, err := l.LayerNorm.Backward(upstream)
		restore()
		return grads, err
	}
	if l.lastInput == nil {
		return nil, errors.New("dmxnn: LayerNorm backward before forward")
	}
	x := l.lastInput
	rows, cols, err := lastDim(x)
	if err != nil {
		return nil, err
	}
	dx := make([]float32, rows*cols)
	kernels.LayerNormGrad(dx,
		f32(l.Gamma.EnsureGrad()), f32(l.Beta.EnsureGrad()),
		f32(x), f32(l.qGamma), f32(upstream), l.mean, l.invStd, rows, cols)
	return []*tensor.Dense{tensor.New(tensor.WithShape(x.Shape()...), tensor.WithBacking(dx))}, nil
}

func (l *LayerNorm) refresh() error {
	var err error
	if l.qGamma, err = l.quantizeWeight(l.Gamma.Data); err != nil {
		return err
	}
	l.qBeta, err = l.quantizeBias(l.Beta.Data)
	return err
}

func (l *LayerNorm) swap() func() {
	restoreG := swapData(l.Gamma, l.qGamma)
	restoreB := swapData(l.Beta, l.qBeta)
	return func() {
		restoreB()
		restoreG()
	}
}

// FoldWeightAndBias bakes the gamma/beta pipeline into the stored tensors.
func (l *LayerNorm) FoldWeightAndBias() error {
	return l.fold(l.Gamma, l.Beta)
}

// CheckFormatDimConsistency rejects block formats on the normalization
// ports: gamma and beta are one-dimensional per-channel vectors with no
// contraction to block over.
func (l *LayerNorm) CheckFormatDimConsistency() error {
	if _, ok := blockDimOf(l.InputCasts[0].Format); ok {
		return errors.Errorf("dmxnn: LayerNorm input cannot use a block format")
	}
	if _, ok := blockDimOf(l.WeightCast.Format); ok {
		return errors.Errorf("dmxnn: LayerNorm weight cannot use a block format")
	}
	return nil
}

func f32(t *tensor.Dense) []float32 { return t.Data().([]float32) }

func lastDim(x *tensor.Dense) (rows, cols int, err error) {
	shape := x.Shape()
	if len(shape) == 0 {
		return 0, 0, errors.New("dmxnn: scalar tensors have no normalization axis")
	}
	cols = shape[len(shape)-1]
	if cols == 0 {
		return 0, 0, errors.Errorf("dmxnn: empty last dimension in %v", shape)
	}
	return shape.TotalSize() / cols, cols, nil
}
