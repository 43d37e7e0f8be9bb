package dmxnn

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/nn"
)

// Linear is the aware fully connected layer. The native weight tensor stays
// in place; each pass computes on a sparsified, cast view of it.
type Linear struct {
	*nn.Linear
	*Base

	qWeight *tensor.Dense
	qBias   *tensor.Dense
}

// NewLinear builds a fresh aware linear layer with identity numerics.
func NewLinear(in, out int, bias bool) *Linear {
	return &Linear{Linear: nn.NewLinear(in, out, bias), Base: newLinearBase()}
}

// LinearFromRaw wraps a native linear layer, stealing its parameters.
func LinearFromRaw(raw nn.Module) (nn.Module, error) {
	l, ok := raw.(*nn.Linear)
	if !ok {
		return nil, errors.Errorf("dmxnn: expected *nn.Linear, got %T", raw)
	}
	return &Linear{Linear: l, Base: newLinearBase()}, nil
}

func newLinearBase() *Base {
	return newBase("Linear", 1).withAccum().withWeight(true)
}

// Forward casts the input, computes on the quantized weight view, then
// casts accumulator and output.
func (l *Linear) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	xs, err := l.castInputs(inputs)
	if err != nil {
		return nil, err
	}
	if err := l.refresh(); err != nil {
		return nil, err
	}
	restore := l.swap()
	y, err := l.Linear.Forward(xs...)
	restore()
	if err != nil {
		return nil, err
	}
	if y, err = l.castAccum(y); err != nil {
		return nil, err
	}
	rows := y.Shape().TotalSize() / l.Out
	l.addFlops(2 * int64(rows) * int64(l.In) * int64(l.Out))
	return l.castOutput(y)
}

// Backward runs the native backward against the same quantized weight view
// the forward used. Casts and the sparsifier are straight-through, so
// parameter gradients stay dense and land on the real tensors.
func (l *Linear) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	restore := l.swap()
	grads, err := l.Linear.Backward(upstream)
	restore()
	if err != nil {
		return nil, err
	}
	l.unscaleInputGrad(grads[0])
	return grads, nil
}

func (l *Linear) refresh() error {
	var err error
	if l.qWeight, err = l.quantizeWeight(l.Weight.Data); err != nil {
		return err
	}
	if l.Bias != nil {
		if l.qBias, err = l.quantizeBias(l.Bias.Data); err != nil {
			return err
		}
	}
	return nil
}

func (l *Linear) swap() func() {
	restoreW := swapData(l.Weight, l.qWeight)
	restoreB := swapData(l.Bias, l.qBias)
	return func() {
		restoreB()
		restoreW()
	}
}

// FoldWeightAndBias bakes the weight pipeline into the stored tensors.
func (l *Linear) FoldWeightAndBias() error {
	return l.fold(l.Weight, l.Bias)
}

// CheckFormatDimConsistency verifies block formats run along the
// contraction dimension: the last axis of both the input and the
// [out, in] weight.
func (l *Linear) CheckFormatDimConsistency() error {
	if err := checkBlockDim(l.InputCasts[0].Format, []int{-1}, l.Instance, "input"); err != nil {
		return err
	}
	return checkBlockDim(l.WeightCast.Format, []int{-1, 1}, l.Instance, "weight")
}

// CheckSparsenessDimConsistency verifies structured pruning runs along the
// input-feature axis, so entire dot products shrink.
func (l *Linear) CheckSparsenessDimConsistency() error {
	d, ok := sparseDimOf(l.WeightSparsifier.Sparseness)
	if !ok || d == -1 || d == 1 {
		return nil
	}
	return errors.Errorf("dmxnn: Linear weight sparseness prunes along dim %d, want the input-feature dim", d)
}
