package dmxnn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/nn"
)

func mat(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func TestLinearIdentityNumericsMatchesNative(t *testing.T) {
	native := nn.NewLinear(3, 2, true)
	x := mat([]float32{0.5, -1, 2, 1, 0.3, -0.7}, 2, 3)
	want, err := native.Forward(x)
	require.NoError(t, err)

	awareM, err := LinearFromRaw(native)
	require.NoError(t, err)
	aware := awareM.(*Linear)

	got, err := aware.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, want.Data(), got.Data(), "SAME casts everywhere must reproduce the native output")
	assert.Same(t, native.Weight, aware.Weight, "parameters are shared, not copied")
}

func TestLinearWeightCast(t *testing.T) {
	aware := NewLinear(2, 2, false)
	aware.Weight.Data = mat([]float32{1.2, -0.4, 0.6, 2.5}, 2, 2)
	require.NoError(t, aware.Configure(ModuleConfig{WeightFormat: "INT8"}))

	y, err := aware.Forward(mat([]float32{1, 1}, 1, 2))
	require.NoError(t, err)
	// rounded-to-even weight rows: [1, 0] and [1, 2]
	assert.Equal(t, []float32{1, 3}, y.Data().([]float32))
	assert.Equal(t, []float32{1.2, -0.4, 0.6, 2.5}, aware.Weight.Data.Data().([]float32),
		"the stored weight must stay full precision")

	grads, err := aware.Backward(mat([]float32{1, 1}, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2}, grads[0].Data().([]float32),
		"the input gradient flows through the quantized weight")
	assert.Equal(t, []float32{1, 1, 1, 1}, aware.Weight.Grad.Data().([]float32),
		"the weight gradient is dense under the straight-through estimator")
}

func TestLinearFold(t *testing.T) {
	aware := NewLinear(2, 2, false)
	aware.Weight.Data = mat([]float32{1.2, -0.4, 0.6, 2.5}, 2, 2)
	require.NoError(t, aware.Configure(ModuleConfig{WeightFormat: "INT8"}))

	before, err := aware.Forward(mat([]float32{1, 1}, 1, 2))
	require.NoError(t, err)

	require.NoError(t, aware.FoldWeightAndBias())
	assert.True(t, aware.Folded())
	assert.InDeltaSlice(t, []float32{1, 0, 1, 2}, aware.Weight.Data.Data().([]float32), 1e-9,
		"folding bakes the quantized values into the stored tensor")

	after, err := aware.Forward(mat([]float32{1, 1}, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, before.Data(), after.Data())

	err = aware.Configure(ModuleConfig{WeightFormat: "SAME"})
	assert.Error(t, err, "a folded module can no longer be reconfigured")
}

func TestLinearStructuredSparsity(t *testing.T) {
	aware := NewLinear(8, 1, false)
	aware.Weight.Data = mat([]float32{0.1, -0.5, 0.3, 0.9, 0.2, 0.8, -0.7, 0.05}, 1, 8)
	require.NoError(t, aware.Configure(ModuleConfig{WeightSparseness: "BTOPK{2:4,-1}"}))

	x := mat([]float32{1, 1, 1, 1, 1, 1, 1, 1}, 1, 8)
	y, err := aware.Forward(x)
	require.NoError(t, err)
	// survivors per block of 4: {-0.5, 0.9} and {0.8, -0.7}
	assert.InDelta(t, 0.5, float64(y.Data().([]float32)[0]), 1e-6)

	_, err = aware.Backward(mat([]float32{1}, 1, 1))
	require.NoError(t, err)
	for i, g := range aware.Weight.Grad.Data().([]float32) {
		assert.Equal(t, float32(1), g, "pruned weight %d must keep receiving gradient", i)
	}
}

func TestLinearSmoothquantScaleMigration(t *testing.T) {
	// compensated weight columns: W'[.,j] = W[.,j] * s[j]
	aware := NewLinear(2, 1, false)
	aware.Weight.Data = mat([]float32{2, 8}, 1, 2)
	aware.SmoothquantScale = []float32{2, 4}

	y, err := aware.Forward(mat([]float32{1, 1}, 1, 2))
	require.NoError(t, err)
	assert.InDelta(t, 3, float64(y.Data().([]float32)[0]), 1e-6,
		"scaled input times compensated weight equals the original product")

	grads, err := aware.Backward(mat([]float32{1}, 1, 1))
	require.NoError(t, err)
	dx := grads[0].Data().([]float32)
	assert.InDelta(t, 1, float64(dx[0]), 1e-6)
	assert.InDelta(t, 2, float64(dx[1]), 1e-6)
}

func TestLinearFlopCounting(t *testing.T) {
	aware := NewLinear(4, 5, true)
	aware.EnableFlopCounting(true)

	_, err := aware.Forward(mat(make([]float32, 12), 3, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(2*3*4*5), aware.Flops())

	aware.ResetFlops()
	assert.Zero(t, aware.Flops())
}

func TestLinearDimConsistency(t *testing.T) {
	aware := NewLinear(8, 4, false)
	require.NoError(t, aware.Configure(ModuleConfig{WeightFormat: "BFP[8|8]{4,-1}(N)"}))
	assert.NoError(t, aware.CheckFormatDimConsistency())

	require.NoError(t, aware.Configure(ModuleConfig{WeightFormat: "BFP[8|8]{4,0}(N)"}))
	assert.Error(t, aware.CheckFormatDimConsistency(),
		"blocking across output rows breaks the dot-product grouping")

	require.NoError(t, aware.Configure(ModuleConfig{WeightSparseness: "BTOPK{2:4,-1}"}))
	assert.NoError(t, aware.CheckSparsenessDimConsistency())
	require.NoError(t, aware.Configure(ModuleConfig{WeightSparseness: "TOPK{0.50,0}"}))
	assert.Error(t, aware.CheckSparsenessDimConsistency())
}

func TestConfigureRejectsMissingPorts(t *testing.T) {
	relu := NewReLU()
	assert.Error(t, relu.Configure(ModuleConfig{WeightFormat: "INT8"}),
		"ReLU has no weight port")
	assert.Error(t, relu.Configure(ModuleConfig{ApproximationFunction: "SOFTMAX(base2)"}),
		"ReLU has no approximable kernel")

	lin := NewLinear(2, 2, false)
	assert.Error(t, lin.Configure(ModuleConfig{ApproximationFunction: "GELU(poly2)"}),
		"Linear's matmul cannot be replaced by an activation approximation")
	assert.NoError(t, lin.Configure(ModuleConfig{ApproximationFunction: "NONE"}))
	assert.Error(t, lin.Configure(ModuleConfig{InputFormats: []string{"", "INT8"}}),
		"Linear has a single input")
}

func TestDmxConfigSnapshot(t *testing.T) {
	aware := NewLinear(2, 2, true)
	require.NoError(t, aware.Configure(ModuleConfig{
		InputFormats: []string{"BFP[8|8]{64,-1}(N)"},
		WeightFormat: "BFP[8|8]{64,-1}(N)",
		AccumFormat:  "FLOAT16",
		BiasFormat:   "FLOAT32",
	}))

	cfg := aware.DmxConfig()
	assert.Equal(t, "Linear", cfg.Instance)
	assert.Equal(t, []string{"BFP[8|8]{64,-1}(N)"}, cfg.InputFormats)
	assert.Equal(t, "BFP[8|8]{64,-1}(N)", cfg.WeightFormat)
	assert.Equal(t, "FP[1|5|10](N)", cfg.AccumFormat, "shorthands canonicalize to the full grammar")
	assert.Equal(t, "FP[1|8|23](N)", cfg.BiasFormat)
	assert.Equal(t, "SAME", cfg.OutputFormat)
	assert.Equal(t, "DENSE", cfg.WeightSparseness)
	assert.Empty(t, cfg.ApproximationFunction, "Linear has no approximable kernel to report")

	// the snapshot must re-apply cleanly to a fresh module
	fresh := NewLinear(2, 2, true)
	require.NoError(t, fresh.Configure(cfg))
	assert.Equal(t, cfg, fresh.DmxConfig())
}

func TestModuleConfigMerge(t *testing.T) {
	base := ModuleConfig{
		Instance:     "Linear",
		InputFormats: []string{"SAME"},
		WeightFormat: "SAME",
	}
	merged := base.Merge(ModuleConfig{
		WeightFormat:     "INT8",
		WeightSparseness: "TOPK{0.50,-1}",
	})
	assert.Equal(t, "Linear", merged.Instance)
	assert.Equal(t, []string{"SAME"}, merged.InputFormats)
	assert.Equal(t, "INT8", merged.WeightFormat)
	assert.Equal(t, "TOPK{0.50,-1}", merged.WeightSparseness)
	assert.Equal(t, "SAME", base.WeightFormat, "merge must not mutate the receiver")
}

func TestSoftmaxBase2(t *testing.T) {
	sm := NewSoftmax()
	require.NoError(t, sm.Configure(ModuleConfig{ApproximationFunction: "SOFTMAX(base2)"}))

	y, err := sm.Forward(mat([]float32{0, 1, 2}, 1, 3))
	require.NoError(t, err)
	ys := y.Data().([]float32)
	assert.InDelta(t, 1.0/7, float64(ys[0]), 1e-6)
	assert.InDelta(t, 2.0/7, float64(ys[1]), 1e-6)
	assert.InDelta(t, 4.0/7, float64(ys[2]), 1e-6)

	grads, err := sm.Backward(mat([]float32{1, 0, 0}, 1, 3))
	require.NoError(t, err)
	var sum float32
	for _, g := range grads[0].Data().([]float32) {
		sum += g
	}
	assert.InDelta(t, 0, float64(sum), 1e-6, "softmax gradients sum to zero per row")
}

func TestGELUPoly2CloseToExact(t *testing.T) {
	exact := nn.NewGELU()
	x := mat([]float32{-2, -0.5, 0, 0.5, 2}, 1, 5)
	want, err := exact.Forward(x)
	require.NoError(t, err)

	g := NewGELU()
	require.NoError(t, g.Configure(ModuleConfig{ApproximationFunction: "GELU(poly2)"}))
	got, err := g.Forward(x)
	require.NoError(t, err)

	ws, gs := want.Data().([]float32), got.Data().([]float32)
	for i := range ws {
		assert.InDelta(t, float64(ws[i]), float64(gs[i]), 0.03, "poly2 at x=%v", x.Data().([]float32)[i])
	}
}

func TestLayerNormQuake3(t *testing.T) {
	ln := NewLayerNorm(4)
	require.NoError(t, ln.Configure(ModuleConfig{ApproximationFunction: "LAYERNORM(quake3)"}))

	y, err := ln.Forward(mat([]float32{1, 2, 3, 4}, 1, 4))
	require.NoError(t, err)
	ys := y.Data().([]float32)
	var mean float32
	for _, v := range ys {
		mean += v
	}
	assert.InDelta(t, 0, float64(mean/4), 1e-3, "normalized rows are centered")

	grads, err := ln.Backward(mat([]float32{1, 0, 0, 0}, 1, 4))
	require.NoError(t, err)
	require.Len(t, grads, 1)
	assert.NotNil(t, ln.Gamma.Grad)
	assert.NotNil(t, ln.Beta.Grad)
}

func TestEmbeddingWeightCast(t *testing.T) {
	e := NewEmbedding(2, 2)
	e.Weight.Data = mat([]float32{1.4, 2.6, -0.7, 0.2}, 2, 2)
	require.NoError(t, e.Configure(ModuleConfig{WeightFormat: "INT8"}))

	y, err := e.Forward(mat([]float32{0}, 1))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 3}, y.Data().([]float32))
	assert.Equal(t, []float32{1.4, 2.6, -0.7, 0.2}, e.Weight.Data.Data().([]float32))
}

func TestMatMulAccumCast(t *testing.T) {
	m := NewMatMul()
	a := mat([]float32{1, 2, 3, 4}, 2, 2)
	b := mat([]float32{1, 0, 0, 1}, 2, 2)
	y, err := m.Forward(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, y.Data().([]float32))

	require.NoError(t, m.Configure(ModuleConfig{AccumFormat: "XP[4,0](CSN)"}))
	y, err = m.Forward(mat([]float32{10, 10}, 1, 2), mat([]float32{1, 1}, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, []float32{7}, y.Data().([]float32), "a 4-bit accumulator saturates at 7")
}

func TestMatMulDimConsistency(t *testing.T) {
	m := NewMatMul()
	require.NoError(t, m.Configure(ModuleConfig{InputFormats: []string{"BFP[8|8]{4,-1}(N)", "BFP[8|8]{4,-2}(N)"}}))
	assert.NoError(t, m.CheckFormatDimConsistency())

	m.TransposeB = true
	assert.Error(t, m.CheckFormatDimConsistency(),
		"with b transposed the contraction runs along b's last dim")
	require.NoError(t, m.Configure(ModuleConfig{InputFormats: []string{"", "BFP[8|8]{4,-1}(N)"}}))
	assert.NoError(t, m.CheckFormatDimConsistency())
}

func TestCalibratingDisablesPortCasts(t *testing.T) {
	aware := NewLinear(2, 2, false)
	require.NoError(t, aware.Configure(ModuleConfig{InputFormats: []string{"INT8"}}))

	x := mat([]float32{0.3, 0.7}, 1, 2)
	aware.SetCalibrating(true)
	assert.True(t, aware.Calibrating())
	casted, err := aware.castInputs([]*tensor.Dense{x})
	require.NoError(t, err)
	assert.Same(t, x, casted[0], "calibration must see unquantized inputs")

	aware.SetCalibrating(false)
	casted, err = aware.castInputs([]*tensor.Dense{x})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, casted[0].Data().([]float32))
}

type recordingObserver struct {
	seen []*tensor.Dense
}

func (r *recordingObserver) Observe(x *tensor.Dense) { r.seen = append(r.seen, x) }

func TestObserversSeePreCastValues(t *testing.T) {
	aware := NewLinear(2, 1, false)
	require.NoError(t, aware.Configure(ModuleConfig{InputFormats: []string{"INT8"}}))

	obs := &recordingObserver{}
	aware.InputObservers = []Observer{obs}

	x := mat([]float32{0.3, 0.7}, 1, 2)
	_, err := aware.Forward(x)
	require.NoError(t, err)
	require.Len(t, obs.seen, 1)
	assert.Same(t, x, obs.seen[0], "the observer runs before the cast")
}
