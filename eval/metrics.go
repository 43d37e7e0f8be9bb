// Package eval scores quantized models against their full-precision
// reference: accuracy and signal-quality metrics, run records, and an
// ONNX Runtime adapter for external references.
package eval

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Top1Accuracy treats each row of logits as one example and counts the
// fraction whose argmax equals the label.
//
// Arguments:
//   - logits: A [batch, classes] tensor.
//   - labels: One class index per row.
//
// Returns:
//   - float64: Fraction of correct predictions in [0, 1].
//   - error: An error if shapes disagree.
func Top1Accuracy(logits *tensor.Dense, labels []int) (float64, error) {
	shape := logits.Shape()
	if len(shape) != 2 {
		return 0, errors.Errorf("eval: logits must be [batch, classes], got %v", shape)
	}
	rows, cols := shape[0], shape[1]
	if rows != len(labels) {
		return 0, errors.Errorf("eval: %d logit rows but %d labels", rows, len(labels))
	}
	data := logits.Data().([]float32)

	correct := 0
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		best := 0
		for c := 1; c < cols; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		if best == labels[r] {
			correct++
		}
	}
	return float64(correct) / float64(rows), nil
}

// AgreementRate counts how often two sets of logits agree on the argmax,
// the usual check that a quantized model still ranks like its reference.
func AgreementRate(a, b *tensor.Dense) (float64, error) {
	if !a.Shape().Eq(b.Shape()) {
		return 0, errors.Errorf("eval: shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	shape := a.Shape()
	if len(shape) != 2 {
		return 0, errors.Errorf("eval: logits must be [batch, classes], got %v", shape)
	}
	rows, cols := shape[0], shape[1]
	da := a.Data().([]float32)
	db := b.Data().([]float32)

	agree := 0
	for r := 0; r < rows; r++ {
		if argmax(da[r*cols:(r+1)*cols]) == argmax(db[r*cols:(r+1)*cols]) {
			agree++
		}
	}
	return float64(agree) / float64(rows), nil
}

func argmax(row []float32) int {
	best := 0
	for c := 1; c < len(row); c++ {
		if row[c] > row[best] {
			best = c
		}
	}
	return best
}

// MSE is the mean squared error between a tensor and its reference.
func MSE(got, want *tensor.Dense) (float64, error) {
	if !got.Shape().Eq(want.Shape()) {
		return 0, errors.Errorf("eval: shape mismatch %v vs %v", got.Shape(), want.Shape())
	}
	g := got.Data().([]float32)
	w := want.Data().([]float32)
	var sum float64
	for i := range g {
		d := float64(g[i]) - float64(w[i])
		sum += d * d
	}
	return sum / float64(len(g)), nil
}

// SQNR is the signal-to-quantization-noise ratio in decibels between a
// quantized tensor and its full-precision reference. Higher is better;
// an exact match returns +Inf.
func SQNR(quantized, reference *tensor.Dense) (float64, error) {
	if !quantized.Shape().Eq(reference.Shape()) {
		return 0, errors.Errorf("eval: shape mismatch %v vs %v", quantized.Shape(), reference.Shape())
	}
	q := quantized.Data().([]float32)
	r := reference.Data().([]float32)

	var signal, noise float64
	for i := range r {
		s := float64(r[i])
		d := float64(q[i]) - s
		signal += s * s
		noise += d * d
	}
	if noise == 0 {
		return math.Inf(1), nil
	}
	if signal == 0 {
		return 0, errors.New("eval: reference signal is all zeros")
	}
	return 10 * math.Log10(signal/noise), nil
}
