// Package calibration turns observed tensor statistics into cast scales:
// range observers, the activation/weight calibration drivers, SmoothQuant
// scale migration and optimal brain compression for linear layers.
package calibration

import (
	"sort"

	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"
)

// Observer accumulates the dynamic range of the tensors flowing through a
// port. AbsMax reports the calibrated range, zero before any observation.
type Observer interface {
	Observe(x *tensor.Dense)
	AbsMax() float32
}

// MinMaxObserver tracks the plain absolute maximum over everything seen.
type MinMaxObserver struct {
	max float32
}

// NewMinMaxObserver builds an empty range tracker.
func NewMinMaxObserver() *MinMaxObserver { return &MinMaxObserver{} }

// Observe widens the tracked range.
func (o *MinMaxObserver) Observe(x *tensor.Dense) {
	data, ok := x.Data().([]float32)
	if !ok {
		return
	}
	for _, v := range data {
		if v < 0 {
			v = -v
		}
		if v > o.max {
			o.max = v
		}
	}
}

// AbsMax reports the widest magnitude seen.
func (o *MinMaxObserver) AbsMax() float32 { return o.max }

// PercentileObserver collects absolute values and reports an order
// statistic instead of the raw maximum, clipping outliers out of the
// calibrated range.
type PercentileObserver struct {
	// Percentile in (0, 100], e.g. 99.9.
	Percentile float64

	samples []float64
}

// NewPercentileObserver builds a clipping observer.
func NewPercentileObserver(percentile float64) *PercentileObserver {
	return &PercentileObserver{Percentile: percentile}
}

// Observe collects the batch's absolute values.
func (o *PercentileObserver) Observe(x *tensor.Dense) {
	data, ok := x.Data().([]float32)
	if !ok {
		return
	}
	for _, v := range data {
		if v < 0 {
			v = -v
		}
		o.samples = append(o.samples, float64(v))
	}
}

// AbsMax reports the configured percentile of everything collected.
func (o *PercentileObserver) AbsMax() float32 {
	if len(o.samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), o.samples...)
	sort.Float64s(sorted)
	return float32(stat.Quantile(o.Percentile/100, stat.Empirical, sorted, nil))
}

// MovingAverageObserver smooths the per-batch absolute maximum with an
// exponential moving average, the classic quantization-aware-training
// range estimate.
type MovingAverageObserver struct {
	// Momentum in [0, 1); higher keeps more history.
	Momentum float64

	avg  float64
	seen bool
}

// NewMovingAverageObserver builds a smoothed range tracker.
func NewMovingAverageObserver(momentum float64) *MovingAverageObserver {
	return &MovingAverageObserver{Momentum: momentum}
}

// Observe folds the batch's absolute maximum into the average.
func (o *MovingAverageObserver) Observe(x *tensor.Dense) {
	data, ok := x.Data().([]float32)
	if !ok {
		return
	}
	var batchMax float64
	for _, v := range data {
		f := float64(v)
		if f < 0 {
			f = -f
		}
		if f > batchMax {
			batchMax = f
		}
	}
	if !o.seen {
		o.avg = batchMax
		o.seen = true
		return
	}
	o.avg = o.Momentum*o.avg + (1-o.Momentum)*batchMax
}

// AbsMax reports the smoothed range.
func (o *MovingAverageObserver) AbsMax() float32 { return float32(o.avg) }
