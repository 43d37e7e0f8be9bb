package eval

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Dataset is an in-memory labeled evaluation set. Inputs and labels are
// index-aligned; each input is one example, not a batch.
type Dataset struct {
	Inputs []*tensor.Dense
	Labels []int
}

// NewDataset pairs inputs with labels.
func NewDataset(inputs []*tensor.Dense, labels []int) (*Dataset, error) {
	if len(inputs) != len(labels) {
		return nil, errors.Errorf("eval: %d inputs but %d labels", len(inputs), len(labels))
	}
	return &Dataset{Inputs: inputs, Labels: labels}, nil
}

// Len reports the number of examples.
func (d *Dataset) Len() int { return len(d.Inputs) }

// Accuracy runs every example through forward and scores top-1 accuracy
// against the labels. Each example's output must be a [1, classes] or
// [classes] logit tensor.
func (d *Dataset) Accuracy(forward func(*tensor.Dense) (*tensor.Dense, error)) (float64, error) {
	if d.Len() == 0 {
		return 0, errors.New("eval: empty dataset")
	}
	correct := 0
	for i, x := range d.Inputs {
		y, err := forward(x)
		if err != nil {
			return 0, errors.Wrapf(err, "eval: example %d", i)
		}
		logits, ok := y.Data().([]float32)
		if !ok {
			return 0, errors.Errorf("eval: example %d produced %v logits", i, y.Dtype())
		}
		if argmax(logits) == d.Labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(d.Len()), nil
}
