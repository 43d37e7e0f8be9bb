package data

import (
	rng "github.com/leesper/go_rng"
	"gorgonia.org/tensor"
)

// SyntheticSource draws reproducible Gaussian batches, the stand-in corpus
// for calibrating models whose real inputs are unavailable.
type SyntheticSource struct {
	gauss *rng.GaussianGenerator

	mean, stddev float64
}

// NewSyntheticSource builds a seeded N(mean, stddev^2) source.
func NewSyntheticSource(seed int64, mean, stddev float64) *SyntheticSource {
	return &SyntheticSource{
		gauss:  rng.NewGaussianGenerator(seed),
		mean:   mean,
		stddev: stddev,
	}
}

// Batch draws one tensor of the given shape.
func (s *SyntheticSource) Batch(shape ...int) *tensor.Dense {
	size := 1
	for _, d := range shape {
		size *= d
	}
	data := make([]float32, size)
	for i := range data {
		data[i] = float32(s.gauss.Gaussian(s.mean, s.stddev))
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Batches draws n same-shaped batches, each wrapped as a single-input
// forward argument list the calibration drivers accept.
func (s *SyntheticSource) Batches(n int, shape ...int) [][]*tensor.Dense {
	out := make([][]*tensor.Dense, n)
	for i := range out {
		out[i] = []*tensor.Dense{s.Batch(shape...)}
	}
	return out
}
