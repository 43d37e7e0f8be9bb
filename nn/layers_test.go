package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// numericInputGrad estimates d(sum(out*lossW))/dx by central differences.
func numericInputGrad(t *testing.T, m Module, x *tensor.Dense, lossW []float32, extra ...*tensor.Dense) []float32 {
	t.Helper()
	const h = 1e-2
	xs := f32s(x)
	grad := make([]float32, len(xs))
	loss := func() float32 {
		args := append([]*tensor.Dense{x}, extra...)
		out, err := m.Forward(args...)
		require.NoError(t, err)
		var l float32
		for i, v := range f32s(out) {
			l += v * lossW[i]
		}
		return l
	}
	for i := range xs {
		orig := xs[i]
		xs[i] = orig + h
		plus := loss()
		xs[i] = orig - h
		minus := loss()
		xs[i] = orig
		grad[i] = (plus - minus) / (2 * h)
	}
	return grad
}

// TestLinearForwardBackward verifies a hand-computed fixture end to end.
func TestLinearForwardBackward(t *testing.T) {
	l := NewLinear(2, 2, true)
	l.Weight.Data = dense([]float32{1, 2, 3, 4}, 2, 2)
	l.Bias.Data = dense([]float32{0.5, -0.5}, 2)

	x := dense([]float32{1, 1, 2, -1}, 2, 2)
	y, err := l.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{3.5, 6.5, 0.5, 1.5}, f32s(y), "forward should compute xW^T+b")

	grads, err := l.Backward(dense([]float32{1, 0, 0, 1}, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, f32s(grads[0]), "dx should be gW")
	assert.Equal(t, []float32{1, 1, 2, -1}, f32s(l.Weight.Grad), "dW should be g^T x")
	assert.Equal(t, []float32{1, 1}, f32s(l.Bias.Grad), "db should be the column sum of g")
}

// TestLinearLeadingDims verifies 3-D inputs are treated as batch.
func TestLinearLeadingDims(t *testing.T) {
	l := NewLinear(4, 3, true)
	x := zeros(2, 5, 4)
	y, err := l.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 3}, []int(y.Shape()), "leading dimensions should pass through")
}

// TestConv2dForward verifies an all-ones kernel sums receptive fields.
func TestConv2dForward(t *testing.T) {
	c := NewConv2d(1, 1, 2, 1, 0)
	c.Weight.Data = dense([]float32{1, 1, 1, 1}, 1, 1, 2, 2)
	c.Bias.Data = zeros(1)

	x := dense([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, 1, 3, 3)
	y, err := c.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, []int(y.Shape()))
	assert.Equal(t, []float32{12, 16, 24, 28}, f32s(y), "each output should sum its receptive field")
}

// TestConv2dBackwardFiniteDifference cross-checks the im2col/col2im
// gradient against central differences on a padded strided conv.
func TestConv2dBackwardFiniteDifference(t *testing.T) {
	Seed(3)
	c := NewConv2d(2, 3, 3, 2, 1)
	x := dense([]float32{
		0.5, -1, 0.3, 0.8, -0.2, 1.1, 0.4, -0.6,
		0.9, 0.1, -0.4, 0.7, -0.9, 0.2, 0.6, -0.3,
		0.2, -0.5, 1.0, -0.1, 0.3, 0.8, -0.7, 0.5,
		-0.2, 0.4, 0.1, -0.8, 0.6, -0.4, 0.9, 0.0,
	}, 1, 2, 4, 4)

	y, err := c.Forward(x)
	require.NoError(t, err)
	lossW := make([]float32, y.Shape().TotalSize())
	for i := range lossW {
		lossW[i] = float32(i%5)/5 - 0.4
	}

	grads, err := c.Backward(dense(lossW, []int(y.Shape())...))
	require.NoError(t, err)
	got := f32s(grads[0])
	want := numericInputGrad(t, c, x, lossW)
	for i := range want {
		assert.InDelta(t, float64(want[i]), float64(got[i]), 2e-2,
			"conv input gradient element %d", i)
	}
}

// TestLayerNormForward verifies normalization statistics and the affine.
func TestLayerNormForward(t *testing.T) {
	l := NewLayerNorm(4)
	x := dense([]float32{1, 2, 3, 4}, 1, 4)
	y, err := l.Forward(x)
	require.NoError(t, err)

	out := f32s(y)
	var mean float32
	for _, v := range out {
		mean += v
	}
	assert.InDelta(t, 0, float64(mean/4), 1e-6, "normalized mean should be zero")

	var variance float32
	for _, v := range out {
		variance += v * v
	}
	assert.InDelta(t, 1, float64(variance/4), 1e-4, "normalized variance should be one")
}

// TestLayerNormBackwardFiniteDifference cross-checks the closed-form
// gradient.
func TestLayerNormBackwardFiniteDifference(t *testing.T) {
	l := NewLayerNorm(4)
	l.Gamma.Data = dense([]float32{1.5, 0.5, 2, 1}, 4)
	l.Beta.Data = dense([]float32{0.1, -0.1, 0.2, 0}, 4)

	x := dense([]float32{0.5, -1, 2, 1, 0.3, -0.7, 0.9, -0.2}, 2, 4)
	y, err := l.Forward(x)
	require.NoError(t, err)
	lossW := []float32{1, -0.5, 0.3, 0.7, -0.2, 1, 0.4, -0.9}
	require.Equal(t, len(lossW), y.Shape().TotalSize())

	grads, err := l.Backward(dense(lossW, 2, 4))
	require.NoError(t, err)
	got := f32s(grads[0])
	want := numericInputGrad(t, l, x, lossW)
	for i := range want {
		assert.InDelta(t, float64(want[i]), float64(got[i]), 2e-2,
			"layernorm input gradient element %d", i)
	}
}

// TestEmbeddingGatherScatter verifies row lookup and gradient scatter.
func TestEmbeddingGatherScatter(t *testing.T) {
	e := NewEmbedding(4, 2)
	e.Weight.Data = dense([]float32{0, 1, 10, 11, 20, 21, 30, 31}, 4, 2)

	x := dense([]float32{2, 0, 2}, 3)
	y, err := e.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, []int(y.Shape()))
	assert.Equal(t, []float32{20, 21, 0, 1, 20, 21}, f32s(y), "rows should be gathered by index")

	_, err = e.Backward(dense([]float32{1, 1, 2, 2, 3, 3}, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2, 0, 0, 4, 4, 0, 0}, f32s(e.Weight.Grad),
		"gradient should scatter-add into gathered rows")

	_, err = e.Forward(dense([]float32{7}, 1))
	assert.Error(t, err, "out-of-range indices should be rejected")
}

// TestMatMulTransposeB verifies the a@b^T path and its gradients.
func TestMatMulTransposeB(t *testing.T) {
	m := &MatMul{TransposeB: true}
	a := dense([]float32{1, 2, 3, 4}, 2, 2)
	b := dense([]float32{1, 0, 0, 1}, 2, 2)
	y, err := m.Forward(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, f32s(y), "multiplying by I^T should be identity")

	lossW := []float32{0.5, -1, 2, 0.3}
	grads, err := m.Backward(dense(lossW, 2, 2))
	require.NoError(t, err)
	wantA := numericInputGrad(t, m, a, lossW, b)
	for i, w := range wantA {
		assert.InDelta(t, float64(w), float64(f32s(grads[0])[i]), 2e-2, "da element %d", i)
	}
}

// TestMatMulBatched verifies independent per-batch multiplication.
func TestMatMulBatched(t *testing.T) {
	m := NewMatMul()
	a := dense([]float32{
		1, 0, 0, 1, // batch 0: identity
		2, 0, 0, 2, // batch 1: 2*identity
	}, 2, 2, 2)
	b := dense([]float32{1, 2, 3, 4, 1, 2, 3, 4}, 2, 2, 2)
	y, err := m.Forward(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 2, 4, 6, 8}, f32s(y),
		"each batch should multiply independently")
}

// TestBAddBMM verifies the fused beta*input + alpha*bmm.
func TestBAddBMM(t *testing.T) {
	m := NewBAddBMM()
	m.Alpha = 2
	m.Beta = 0.5
	in := dense([]float32{1, 1, 1, 1}, 1, 2, 2)
	b1 := dense([]float32{1, 0, 0, 1}, 1, 2, 2)
	b2 := dense([]float32{1, 2, 3, 4}, 1, 2, 2)
	y, err := m.Forward(in, b1, b2)
	require.NoError(t, err)
	assert.Equal(t, []float32{2.5, 4.5, 6.5, 8.5}, f32s(y),
		"output should be beta*input + alpha*(b1@b2)")

	grads, err := m.Backward(dense([]float32{1, 1, 1, 1}, 1, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, f32s(grads[0]), "dinput = beta*g")
	assert.Len(t, grads, 3, "three inputs, three gradients")
}

// TestResAddAndMul verifies the elementwise binary modules.
func TestResAddAndMul(t *testing.T) {
	r := NewResAdd()
	a := dense([]float32{1, 2}, 2)
	b := dense([]float32{10, 20}, 2)
	y, err := r.Forward(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22}, f32s(y))

	grads, err := r.Backward(dense([]float32{1, 1}, 2))
	require.NoError(t, err)
	assert.Len(t, grads, 2, "both branches should receive the gradient")

	m := NewMul()
	y, err = m.Forward(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 40}, f32s(y))

	grads, err = m.Backward(dense([]float32{1, 1}, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 20}, f32s(grads[0]), "da = g*b")
	assert.Equal(t, []float32{1, 2}, f32s(grads[1]), "db = g*a")

	_, err = r.Forward(a, dense([]float32{1, 2, 3}, 3))
	assert.Error(t, err, "shape mismatches should be rejected")
}

// TestDropoutModes verifies eval pass-through and training mask semantics.
func TestDropoutModes(t *testing.T) {
	d := NewDropout(0.5)
	x := dense([]float32{1, 2, 3, 4}, 4)
	y, err := d.Forward(x)
	require.NoError(t, err)
	assert.Same(t, x, y, "eval-mode dropout should be the identity")

	SeedDropout(5)
	d.Training = true
	y, err = d.Forward(x)
	require.NoError(t, err)
	for i, v := range f32s(y) {
		ok := v == 0 || v == f32s(x)[i]*2
		assert.True(t, ok, "element %d should be dropped or rescaled by 1/(1-p)", i)
	}
}

// TestSequentialChain verifies forward chaining, backward chaining and the
// Container accessors.
func TestSequentialChain(t *testing.T) {
	seq := NewSequential(NewLinear(4, 8, true), NewReLU(), NewLinear(8, 2, true))
	x := zeros(3, 4)
	y, err := seq.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, []int(y.Shape()))

	grads, err := seq.Backward(zeros(3, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, []int(grads[0].Shape()), "backward should reach the input shape")

	kids := seq.Children()
	require.Len(t, kids, 3)
	assert.Equal(t, []string{"0", "1", "2"}, []string{kids[0].Name, kids[1].Name, kids[2].Name})

	assert.True(t, seq.Replace("1", NewGELU()), "replace should find positional names")
	assert.IsType(t, &GELU{}, seq.At(1))
	assert.False(t, seq.Replace("9", NewGELU()), "unknown names should report failure")
}

// TestFlattenRoundTrip verifies shapes through Flatten forward/backward.
func TestFlattenRoundTrip(t *testing.T) {
	f := NewFlatten()
	x := zeros(2, 3, 4)
	y, err := f.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 12}, []int(y.Shape()))

	grads, err := f.Backward(zeros(2, 12))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, []int(grads[0].Shape()))
}

// TestSGDTrainsTinyRegression verifies end-to-end optimizer compatibility:
// a two-layer net fit to a fixed linear target should reduce its loss.
func TestSGDTrainsTinyRegression(t *testing.T) {
	Seed(17)
	net := NewSequential(NewLinear(2, 8, true), NewGELU(), NewLinear(8, 1, true))
	params := Parameters(net)
	opt := NewSGD(0.02, 0.8)

	x := dense([]float32{0, 0, 0, 1, 1, 0, 1, 1}, 4, 2)
	target := []float32{0, 1, 2, 3} // y = 2a + b

	lossAt := func() float32 {
		out, err := net.Forward(x)
		require.NoError(t, err)
		var l float32
		for i, v := range f32s(out) {
			d := v - target[i]
			l += d * d
		}
		return l / 4
	}

	first := lossAt()
	for epoch := 0; epoch < 500; epoch++ {
		out, err := net.Forward(x)
		require.NoError(t, err)
		grad := make([]float32, 4)
		for i, v := range f32s(out) {
			grad[i] = 2 * (v - target[i]) / 4
		}
		ZeroGrad(params)
		_, err = net.Backward(dense(grad, 4, 1))
		require.NoError(t, err)
		opt.Step(params)
	}
	last := lossAt()
	assert.Less(t, last, first/10, "training should reduce the loss substantially")
}
