package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// TestLinearGradMatchesGorgonia cross-checks the hand-written Linear
// backward pass against gorgonia's autodiff on the same matmul, proving the
// layer system stays gradient-compatible with the host framework.
func TestLinearGradMatchesGorgonia(t *testing.T) {
	xBack := []float32{0.5, -1, 2, 1, 0.3, -0.7}             // [2,3]
	wBack := []float32{0.2, -0.4, 0.9, 1.1, 0.5, -0.3, -0.8, 0.6, 0.1, 0.7, -0.2, 0.4} // [4,3]

	// gorgonia computes y = x @ w with w in [in,out] layout
	wT := make([]float32, 12)
	for o := 0; o < 4; o++ {
		for i := 0; i < 3; i++ {
			wT[i*4+o] = wBack[o*3+i]
		}
	}

	g := G.NewGraph()
	x := G.NewMatrix(g, tensor.Float32, G.WithShape(2, 3), G.WithName("x"),
		G.WithValue(tensor.New(tensor.WithShape(2, 3), tensor.WithBacking(append([]float32(nil), xBack...)))))
	w := G.NewMatrix(g, tensor.Float32, G.WithShape(3, 4), G.WithName("w"),
		G.WithValue(tensor.New(tensor.WithShape(3, 4), tensor.WithBacking(wT))))
	y := G.Must(G.Mul(x, w))
	cost := G.Must(G.Sum(y))

	grads, err := G.Grad(cost, x, w)
	require.NoError(t, err, "symbolic differentiation should succeed")

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, vm.RunAll(), "tape machine should run the extended graph")

	refY := y.Value().Data().([]float32)
	refDX := grads[0].Value().Data().([]float32)
	refDWT := grads[1].Value().Data().([]float32) // [3,4] layout

	// the same computation through the native layer
	l := NewLinear(3, 4, false)
	l.Weight.Data = dense(append([]float32(nil), wBack...), 4, 3)
	out, err := l.Forward(dense(append([]float32(nil), xBack...), 2, 3))
	require.NoError(t, err)

	ones := []float32{1, 1, 1, 1, 1, 1, 1, 1} // d(sum)/dy
	inGrads, err := l.Backward(dense(ones, 2, 4))
	require.NoError(t, err)

	for i, v := range refY {
		assert.InDelta(t, float64(v), float64(f32s(out)[i]), 1e-5, "forward parity element %d", i)
	}
	for i, v := range refDX {
		assert.InDelta(t, float64(v), float64(f32s(inGrads[0])[i]), 1e-5, "dx parity element %d", i)
	}
	dw := f32s(l.Weight.Grad)
	for o := 0; o < 4; o++ {
		for i := 0; i < 3; i++ {
			assert.InDelta(t, float64(refDWT[i*4+o]), float64(dw[o*3+i]), 1e-5,
				"dW parity at [%d,%d]", o, i)
		}
	}
}
