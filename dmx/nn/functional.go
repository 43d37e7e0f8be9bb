package dmxnn

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/nn"
)

// The aware functional modules quantize the operand and result ports of
// graph positions that carry raw arithmetic. None of them owns parameters;
// gradient flow is the native one because casts are straight-through.

// ResAdd is the aware residual addition.
type ResAdd struct {
	*nn.ResAdd
	*Base
}

// NewResAdd builds a fresh aware residual add.
func NewResAdd() *ResAdd {
	return &ResAdd{ResAdd: nn.NewResAdd(), Base: newBase("ResAdd", 2)}
}

// ResAddFromRaw wraps a native residual add.
func ResAddFromRaw(raw nn.Module) (nn.Module, error) {
	r, ok := raw.(*nn.ResAdd)
	if !ok {
		return nil, errors.Errorf("dmxnn: expected *nn.ResAdd, got %T", raw)
	}
	return &ResAdd{ResAdd: r, Base: newBase("ResAdd", 2)}, nil
}

// Forward adds the two cast operands.
func (r *ResAdd) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	xs, err := r.castInputs(inputs)
	if err != nil {
		return nil, err
	}
	y, err := r.ResAdd.Forward(xs...)
	if err != nil {
		return nil, err
	}
	r.addFlops(int64(y.Shape().TotalSize()))
	return r.castOutput(y)
}

// Backward distributes the gradient to both branches.
func (r *ResAdd) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	return r.ResAdd.Backward(upstream)
}

// Mul is the aware elementwise product.
type Mul struct {
	*nn.Mul
	*Base
}

// NewMul builds a fresh aware multiply.
func NewMul() *Mul {
	return &Mul{Mul: nn.NewMul(), Base: newBase("Mul", 2)}
}

// MulFromRaw wraps a native multiply.
func MulFromRaw(raw nn.Module) (nn.Module, error) {
	m, ok := raw.(*nn.Mul)
	if !ok {
		return nil, errors.Errorf("dmxnn: expected *nn.Mul, got %T", raw)
	}
	return &Mul{Mul: m, Base: newBase("Mul", 2)}, nil
}

// Forward multiplies the two cast operands.
func (m *Mul) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	xs, err := m.castInputs(inputs)
	if err != nil {
		return nil, err
	}
	y, err := m.Mul.Forward(xs...)
	if err != nil {
		return nil, err
	}
	m.addFlops(int64(y.Shape().TotalSize()))
	return m.castOutput(y)
}

// Backward differentiates against the cached cast operands.
func (m *Mul) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	return m.Mul.Backward(upstream)
}

// MatMul is the aware batched matrix multiply, the op attention scores and
// values go through.
type MatMul struct {
	*nn.MatMul
	*Base
}

// NewMatMul builds a fresh aware matmul.
func NewMatMul() *MatMul {
	return &MatMul{MatMul: nn.NewMatMul(), Base: newMatMulBase()}
}

// MatMulFromRaw wraps a native matmul, keeping its transpose flag.
func MatMulFromRaw(raw nn.Module) (nn.Module, error) {
	m, ok := raw.(*nn.MatMul)
	if !ok {
		return nil, errors.Errorf("dmxnn: expected *nn.MatMul, got %T", raw)
	}
	return &MatMul{MatMul: m, Base: newMatMulBase()}, nil
}

func newMatMulBase() *Base {
	return newBase("MatMul", 2).withAccum()
}

// Forward multiplies the cast operands under the accumulator cast.
func (m *MatMul) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	xs, err := m.castInputs(inputs)
	if err != nil {
		return nil, err
	}
	y, err := m.MatMul.Forward(xs...)
	if err != nil {
		return nil, err
	}
	if y, err = m.castAccum(y); err != nil {
		return nil, err
	}
	inner := inputs[0].Shape()[len(inputs[0].Shape())-1]
	m.addFlops(2 * int64(y.Shape().TotalSize()) * int64(inner))
	return m.castOutput(y)
}

// Backward differentiates against the cached cast operands.
func (m *MatMul) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	return m.MatMul.Backward(upstream)
}

// CheckFormatDimConsistency verifies block formats on both operands run
// along the contracted axis.
func (m *MatMul) CheckFormatDimConsistency() error {
	if err := checkBlockDim(m.InputCasts[0].Format, []int{-1}, m.Instance, "left operand"); err != nil {
		return err
	}
	want := []int{-2}
	if m.TransposeB {
		want = []int{-1}
	}
	return checkBlockDim(m.InputCasts[1].Format, want, m.Instance, "right operand")
}

// BAddBMM is the aware fused beta*input + alpha*(b1 @ b2).
type BAddBMM struct {
	*nn.BAddBMM
	*Base
}

// NewBAddBMM builds a fresh aware fused op.
func NewBAddBMM() *BAddBMM {
	return &BAddBMM{BAddBMM: nn.NewBAddBMM(), Base: newBAddBMMBase()}
}

// BAddBMMFromRaw wraps a native fused op, keeping alpha and beta.
func BAddBMMFromRaw(raw nn.Module) (nn.Module, error) {
	m, ok := raw.(*nn.BAddBMM)
	if !ok {
		return nil, errors.Errorf("dmxnn: expected *nn.BAddBMM, got %T", raw)
	}
	return &BAddBMM{BAddBMM: m, Base: newBAddBMMBase()}, nil
}

func newBAddBMMBase() *Base {
	return newBase("BAddBMM", 3).withAccum()
}

// Forward fuses the cast operands under the accumulator cast.
func (m *BAddBMM) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	xs, err := m.castInputs(inputs)
	if err != nil {
		return nil, err
	}
	y, err := m.BAddBMM.Forward(xs...)
	if err != nil {
		return nil, err
	}
	if y, err = m.castAccum(y); err != nil {
		return nil, err
	}
	inner := inputs[1].Shape()[len(inputs[1].Shape())-1]
	m.addFlops(int64(y.Shape().TotalSize()) * (2*int64(inner) + 2))
	return m.castOutput(y)
}

// Backward differentiates against the cached cast operands.
func (m *BAddBMM) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	return m.BAddBMM.Backward(upstream)
}

// CheckFormatDimConsistency verifies block formats on the matmul operands
// run along the contracted axis; the additive input has no contraction.
func (m *BAddBMM) CheckFormatDimConsistency() error {
	if _, ok := blockDimOf(m.InputCasts[0].Format); ok {
		return errors.Errorf("dmxnn: BAddBMM additive input cannot use a block format")
	}
	if err := checkBlockDim(m.InputCasts[1].Format, []int{-1}, m.Instance, "batch1"); err != nil {
		return err
	}
	return checkBlockDim(m.InputCasts[2].Format, []int{-2}, m.Instance, "batch2")
}
