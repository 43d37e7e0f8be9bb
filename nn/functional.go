package nn

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/kernels"
)

// The binary functional modules exist so graph positions occupied by raw
// arithmetic in a source network are addressable: a residual add, an
// elementwise multiply or a batched matmul each gets a named module slot
// that the transform engine can substitute with a dmx-aware equivalent.

// ResAdd is an elementwise residual addition of two same-shaped tensors.
type ResAdd struct {
	lastShape tensor.Shape
}

// NewResAdd builds a residual-add module.
func NewResAdd() *ResAdd { return &ResAdd{} }

// Forward computes a + b.
func (r *ResAdd) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("ResAdd", inputs, 2); err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	if !sameShape(a.Shape(), b.Shape()) {
		return nil, errors.Errorf("nn: ResAdd shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	out := make([]float32, len(f32s(a)))
	kernels.Add(out, f32s(a), f32s(b))
	r.lastShape = a.Shape().Clone()
	return dense(out, []int(a.Shape())...), nil
}

// Backward distributes the gradient to both branches.
func (r *ResAdd) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	return []*tensor.Dense{upstream, upstream}, nil
}

// Mul is an elementwise product of two same-shaped tensors.
type Mul struct {
	lastA, lastB *tensor.Dense
}

// NewMul builds an elementwise-multiply module.
func NewMul() *Mul { return &Mul{} }

// Forward computes a * b.
func (m *Mul) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("Mul", inputs, 2); err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	if !sameShape(a.Shape(), b.Shape()) {
		return nil, errors.Errorf("nn: Mul shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	out := make([]float32, len(f32s(a)))
	kernels.Hadamard(out, f32s(a), f32s(b))
	m.lastA, m.lastB = a, b
	return dense(out, []int(a.Shape())...), nil
}

// Backward computes (g*b, g*a).
func (m *Mul) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if m.lastA == nil {
		return nil, errors.New("nn: Mul backward before forward")
	}
	g := f32s(upstream)
	da := make([]float32, len(g))
	db := make([]float32, len(g))
	kernels.Hadamard(da, g, f32s(m.lastB))
	kernels.Hadamard(db, g, f32s(m.lastA))
	return []*tensor.Dense{
		dense(da, []int(m.lastA.Shape())...),
		dense(db, []int(m.lastB.Shape())...),
	}, nil
}

// MatMul multiplies two 2-D or batched 3-D tensors. With TransposeB set it
// computes a b^T, the layout attention uses for query-key scores.
type MatMul struct {
	TransposeB bool

	lastA, lastB *tensor.Dense
}

// NewMatMul builds a matmul module.
func NewMatMul() *MatMul { return &MatMul{} }

// batchDims splits a shape into (batch, rows, cols), treating 2-D tensors
// as a single batch.
func batchDims(s tensor.Shape) (batch, rows, cols int, err error) {
	switch len(s) {
	case 2:
		return 1, s[0], s[1], nil
	case 3:
		return s[0], s[1], s[2], nil
	default:
		return 0, 0, 0, errors.Errorf("nn: MatMul supports 2-D and 3-D tensors, got %v", s)
	}
}

// Forward computes a @ b (or a @ b^T).
func (m *MatMul) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("MatMul", inputs, 2); err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	ba, ra, ca, err := batchDims(a.Shape())
	if err != nil {
		return nil, err
	}
	bb, rb, cb, err := batchDims(b.Shape())
	if err != nil {
		return nil, err
	}
	if ba != bb {
		return nil, errors.Errorf("nn: MatMul batch mismatch %v vs %v", a.Shape(), b.Shape())
	}

	var n int // output columns
	if m.TransposeB {
		if ca != cb {
			return nil, errors.Errorf("nn: MatMul a@b^T inner mismatch %v vs %v", a.Shape(), b.Shape())
		}
		n = rb
	} else {
		if ca != rb {
			return nil, errors.Errorf("nn: MatMul inner mismatch %v vs %v", a.Shape(), b.Shape())
		}
		n = cb
	}

	out := make([]float32, ba*ra*n)
	as, bs := f32s(a), f32s(b)
	for s := 0; s < ba; s++ {
		av := as[s*ra*ca : (s+1)*ra*ca]
		bv := bs[s*rb*cb : (s+1)*rb*cb]
		ov := out[s*ra*n : (s+1)*ra*n]
		if m.TransposeB {
			kernels.MatMulNT(ov, av, bv, ra, ca, n)
		} else {
			kernels.MatMul(ov, av, bv, ra, ca, n)
		}
	}
	m.lastA, m.lastB = a, b

	if len(a.Shape()) == 2 {
		return dense(out, ra, n), nil
	}
	return dense(out, ba, ra, n), nil
}

// Backward computes the gradients of both operands, honoring TransposeB.
func (m *MatMul) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if m.lastA == nil {
		return nil, errors.New("nn: MatMul backward before forward")
	}
	a, b := m.lastA, m.lastB
	ba, ra, ca, _ := batchDims(a.Shape())
	_, rb, cb, _ := batchDims(b.Shape())
	n := cb
	if m.TransposeB {
		n = rb
	}

	g := f32s(upstream)
	as, bs := f32s(a), f32s(b)
	da := make([]float32, len(as))
	db := make([]float32, len(bs))

	for s := 0; s < ba; s++ {
		gv := g[s*ra*n : (s+1)*ra*n]
		av := as[s*ra*ca : (s+1)*ra*ca]
		bv := bs[s*rb*cb : (s+1)*rb*cb]
		dav := da[s*ra*ca : (s+1)*ra*ca]
		dbv := db[s*rb*cb : (s+1)*rb*cb]
		if m.TransposeB {
			// y = a b^T: da = g b, db = g^T a
			kernels.MatMul(dav, gv, bv, ra, n, ca)
			kernels.MatMulTN(dbv, gv, av, ra, n, ca)
		} else {
			// y = a b: da = g b^T, db = a^T g
			kernels.MatMulNT(dav, gv, bv, ra, n, ca)
			kernels.MatMulTN(dbv, av, gv, ra, ca, n)
		}
	}
	return []*tensor.Dense{
		dense(da, []int(a.Shape())...),
		dense(db, []int(b.Shape())...),
	}, nil
}

// BAddBMM computes beta*input + alpha*(batch1 @ batch2) over 3-D tensors,
// the fused attention-score primitive.
type BAddBMM struct {
	Alpha, Beta float32

	lastB1, lastB2 *tensor.Dense
	lastShape      tensor.Shape
}

// NewBAddBMM builds the fused op with alpha = beta = 1.
func NewBAddBMM() *BAddBMM { return &BAddBMM{Alpha: 1, Beta: 1} }

// Forward computes beta*input + alpha*(b1 @ b2).
func (m *BAddBMM) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("BAddBMM", inputs, 3); err != nil {
		return nil, err
	}
	in, b1, b2 := inputs[0], inputs[1], inputs[2]
	batch, r1, c1, err := batchDims(b1.Shape())
	if err != nil {
		return nil, err
	}
	b2b, r2, c2, err := batchDims(b2.Shape())
	if err != nil {
		return nil, err
	}
	if len(b1.Shape()) != 3 || len(b2.Shape()) != 3 || batch != b2b || c1 != r2 {
		return nil, errors.Errorf("nn: BAddBMM shape mismatch %v @ %v", b1.Shape(), b2.Shape())
	}
	want := tensor.Shape{batch, r1, c2}
	if !sameShape(in.Shape(), want) {
		return nil, errors.Errorf("nn: BAddBMM input shape %v, want %v", in.Shape(), want)
	}

	out := make([]float32, batch*r1*c2)
	b1s, b2s, ins := f32s(b1), f32s(b2), f32s(in)
	for s := 0; s < batch; s++ {
		kernels.MatMul(out[s*r1*c2:(s+1)*r1*c2], b1s[s*r1*c1:(s+1)*r1*c1], b2s[s*r2*c2:(s+1)*r2*c2], r1, c1, c2)
	}
	for i := range out {
		out[i] = m.Beta*ins[i] + m.Alpha*out[i]
	}
	m.lastB1, m.lastB2 = b1, b2
	m.lastShape = want
	return dense(out, batch, r1, c2), nil
}

// Backward computes (beta*g, alpha*g@b2^T, alpha*b1^T@g).
func (m *BAddBMM) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if m.lastB1 == nil {
		return nil, errors.New("nn: BAddBMM backward before forward")
	}
	b1, b2 := m.lastB1, m.lastB2
	batch, r1, c1, _ := batchDims(b1.Shape())
	_, _, c2, _ := batchDims(b2.Shape())

	g := f32s(upstream)
	din := make([]float32, len(g))
	for i, v := range g {
		din[i] = m.Beta * v
	}

	b1s, b2s := f32s(b1), f32s(b2)
	db1 := make([]float32, len(b1s))
	db2 := make([]float32, len(b2s))
	for s := 0; s < batch; s++ {
		gv := g[s*r1*c2 : (s+1)*r1*c2]
		kernels.MatMulNT(db1[s*r1*c1:(s+1)*r1*c1], gv, b2s[s*c1*c2:(s+1)*c1*c2], r1, c2, c1)
		kernels.MatMulTN(db2[s*c1*c2:(s+1)*c1*c2], b1s[s*r1*c1:(s+1)*r1*c1], gv, r1, c1, c2)
	}
	if m.Alpha != 1 {
		kernels.Scale(db1, m.Alpha)
		kernels.Scale(db2, m.Alpha)
	}
	return []*tensor.Dense{
		dense(din, []int(m.lastShape)...),
		dense(db1, []int(b1.Shape())...),
		dense(db2, []int(b2.Shape())...),
	}, nil
}
