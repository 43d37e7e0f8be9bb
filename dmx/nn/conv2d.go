package dmxnn

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/nn"
)

// Conv2d is the aware convolution. NCHW contracts over the channel and
// kernel axes, so block formats must run along the channel dimension.
type Conv2d struct {
	*nn.Conv2d
	*Base

	qWeight *tensor.Dense
	qBias   *tensor.Dense
}

// NewConv2d builds a fresh aware convolution with identity numerics.
func NewConv2d(inC, outC, kernel, stride, padding int) *Conv2d {
	return &Conv2d{Conv2d: nn.NewConv2d(inC, outC, kernel, stride, padding), Base: newConvBase()}
}

// Conv2dFromRaw wraps a native convolution, stealing its parameters.
func Conv2dFromRaw(raw nn.Module) (nn.Module, error) {
	c, ok := raw.(*nn.Conv2d)
	if !ok {
		return nil, errors.Errorf("dmxnn: expected *nn.Conv2d, got %T", raw)
	}
	return &Conv2d{Conv2d: c, Base: newConvBase()}, nil
}

func newConvBase() *Base {
	return newBase("Conv2d", 1).withAccum().withWeight(true)
}

// Forward casts the input, convolves with the quantized kernel view, then
// casts accumulator and output.
func (c *Conv2d) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	xs, err := c.castInputs(inputs)
	if err != nil {
		return nil, err
	}
	if err := c.refresh(); err != nil {
		return nil, err
	}
	restore := c.swap()
	y, err := c.Conv2d.Forward(xs...)
	restore()
	if err != nil {
		return nil, err
	}
	if y, err = c.castAccum(y); err != nil {
		return nil, err
	}
	fan := int64(c.InC) * int64(c.Kernel) * int64(c.Kernel)
	positions := int64(y.Shape().TotalSize())
	c.addFlops(2 * fan * positions)
	return c.castOutput(y)
}

// Backward runs the native backward against the quantized kernel view.
func (c *Conv2d) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	restore := c.swap()
	grads, err := c.Conv2d.Backward(upstream)
	restore()
	if err != nil {
		return nil, err
	}
	return grads, nil
}

func (c *Conv2d) refresh() error {
	var err error
	if c.qWeight, err = c.quantizeWeight(c.Weight.Data); err != nil {
		return err
	}
	if c.Bias != nil {
		if c.qBias, err = c.quantizeBias(c.Bias.Data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conv2d) swap() func() {
	restoreW := swapData(c.Weight, c.qWeight)
	restoreB := swapData(c.Bias, c.qBias)
	return func() {
		restoreB()
		restoreW()
	}
}

// FoldWeightAndBias bakes the weight pipeline into the stored tensors.
func (c *Conv2d) FoldWeightAndBias() error {
	return c.fold(c.Weight, c.Bias)
}

// CheckFormatDimConsistency verifies block formats run along the channel
// axis of the NCHW input and the [out, in, k, k] weight.
func (c *Conv2d) CheckFormatDimConsistency() error {
	if err := checkBlockDim(c.InputCasts[0].Format, []int{1}, c.Instance, "input"); err != nil {
		return err
	}
	return checkBlockDim(c.WeightCast.Format, []int{1}, c.Instance, "weight")
}

// CheckSparsenessDimConsistency verifies structured pruning runs along the
// input-channel axis.
func (c *Conv2d) CheckSparsenessDimConsistency() error {
	d, ok := sparseDimOf(c.WeightSparsifier.Sparseness)
	if !ok || d == 1 {
		return nil
	}
	return errors.Errorf("dmxnn: Conv2d weight sparseness prunes along dim %d, want the input-channel dim", d)
}
