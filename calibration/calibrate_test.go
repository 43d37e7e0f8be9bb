package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/dmx"
	dmxnn "github.com/dmx-ai/mltools/dmx/nn"
	"github.com/dmx-ai/mltools/nn"
)

func ten(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func TestMinMaxObserver(t *testing.T) {
	o := NewMinMaxObserver()
	assert.Zero(t, o.AbsMax())
	o.Observe(ten([]float32{0.5, -3, 2}, 3))
	o.Observe(ten([]float32{1, -1}, 2))
	assert.Equal(t, float32(3), o.AbsMax())
}

func TestPercentileObserverClipsOutliers(t *testing.T) {
	o := NewPercentileObserver(90)
	data := make([]float32, 100)
	for i := range data {
		data[i] = float32(i + 1) // 1..100
	}
	o.Observe(ten(data, 100))
	got := float64(o.AbsMax())
	assert.Less(t, got, 100.0, "the raw maximum is clipped away")
	assert.InDelta(t, 90, got, 2)
}

func TestMovingAverageObserver(t *testing.T) {
	o := NewMovingAverageObserver(0.5)
	o.Observe(ten([]float32{4}, 1))
	assert.Equal(t, float32(4), o.AbsMax(), "the first batch seeds the average")
	o.Observe(ten([]float32{8}, 1))
	assert.InDelta(t, 6, float64(o.AbsMax()), 1e-6)
}

func calibModel(t *testing.T) (*dmx.Model, *dmxnn.Linear) {
	t.Helper()
	nn.Seed(11)
	m, err := dmx.NewModel(nn.NewSequential(nn.NewLinear(2, 2, false)))
	require.NoError(t, err)
	lin := m.NamedDmxModules()[0].Module.(*dmxnn.Linear)
	return m, lin
}

func TestCalibrateWeights(t *testing.T) {
	m, lin := calibModel(t)
	copy(lin.Weight.Data.Data().([]float32), []float32{0.5, -0.25, 0.1, 0.2})
	require.NoError(t, m.Transform(dmx.Config{"0": {WeightFormat: "INT8"}}))

	require.NoError(t, CalibrateWeights(m))
	assert.InDelta(t, 0.5/127, float64(lin.WeightCast.Scale), 1e-7)

	// with the scale in place the largest weight maps onto the grid edge
	y, err := lin.Forward(ten([]float32{1, 0}, 1, 2))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, float64(y.Data().([]float32)[0]), 1e-3)
}

func TestCalibrateActivations(t *testing.T) {
	m, lin := calibModel(t)
	require.NoError(t, m.Transform(dmx.Config{"0": {InputFormats: []string{"INT8"}}}))

	batches := [][]*tensor.Dense{
		{ten([]float32{0.5, -2}, 1, 2)},
		{ten([]float32{1.5, 0.25}, 1, 2)},
	}
	require.NoError(t, CalibrateActivations(m, batches, nil))

	assert.InDelta(t, 2.0/127, float64(lin.InputCasts[0].Scale), 1e-7)
	assert.False(t, lin.InputCasts[0].Disabled, "casts come back on after calibration")
	assert.Nil(t, lin.InputObservers, "observers are removed after calibration")

	// SAME-format ports get no scale
	assert.Zero(t, lin.OutputCast.Scale)
}

func TestSmoothQuantPreservesProducts(t *testing.T) {
	m, lin := calibModel(t)
	copy(lin.Weight.Data.Data().([]float32), []float32{1, 0.01, -0.5, 0.02})

	x := ten([]float32{0.1, 20}, 1, 2) // channel 1 is an outlier
	want, err := m.Forward(x)
	require.NoError(t, err)
	wantData := append([]float32(nil), want.Data().([]float32)...)

	require.NoError(t, SmoothQuant(m, [][]*tensor.Dense{{x}}, 0.5))
	require.Len(t, lin.SmoothquantScale, 2)
	assert.Greater(t, lin.SmoothquantScale[1], lin.SmoothquantScale[0],
		"the outlier channel gets the larger divisor")

	got, err := m.Forward(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, wantData, got.Data().([]float32), 1e-4,
		"scale migration is an identity in full precision")
}

func TestOptimalBrainCompressRoundsOnIdentityHessian(t *testing.T) {
	lin := dmxnn.NewLinear(4, 1, false)
	copy(lin.Weight.Data.Data().([]float32), []float32{0.4, 1.6, -2.3, 0.7})
	require.NoError(t, lin.Configure(dmxnn.ModuleConfig{WeightFormat: "INT8"}))

	// one-hot activations make the hessian diagonal, so error propagation
	// vanishes and obc reduces to rounding
	acts := []*tensor.Dense{ten([]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}, 4, 4)}

	require.NoError(t, OptimalBrainCompress(lin, acts, OBCOptions{}))
	assert.InDeltaSlice(t, []float32{0, 2, -2, 1}, lin.Weight.Data.Data().([]float32), 1e-6)
}

func TestOptimalBrainCompressPrunesNofM(t *testing.T) {
	lin := dmxnn.NewLinear(4, 1, false)
	copy(lin.Weight.Data.Data().([]float32), []float32{0.1, -3, 0.2, 4})
	require.NoError(t, lin.Configure(dmxnn.ModuleConfig{WeightFormat: "INT8"}))

	acts := []*tensor.Dense{ten([]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}, 4, 4)}

	require.NoError(t, OptimalBrainCompress(lin, acts, OBCOptions{PruneN: 2, PruneM: 4}))
	assert.InDeltaSlice(t, []float32{0, -3, 0, 4}, lin.Weight.Data.Data().([]float32), 1e-6)
}

func TestOptimalBrainCompressRejectsBlockFormats(t *testing.T) {
	lin := dmxnn.NewLinear(4, 1, false)
	require.NoError(t, lin.Configure(dmxnn.ModuleConfig{WeightFormat: "BFP[8|8]{4,-1}(N)"}))
	err := OptimalBrainCompress(lin, []*tensor.Dense{ten(make([]float32, 4), 1, 4)}, OBCOptions{})
	assert.Error(t, err)
}
