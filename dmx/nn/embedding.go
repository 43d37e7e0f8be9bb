package dmxnn

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/nn"
)

// Embedding is the aware lookup table. Indices are not castable, so the
// pipeline covers only the table and the gathered output.
type Embedding struct {
	*nn.Embedding
	*Base

	qWeight *tensor.Dense
}

// NewEmbedding builds a fresh aware embedding with identity numerics.
func NewEmbedding(numEmbeddings, dim int) *Embedding {
	return &Embedding{Embedding: nn.NewEmbedding(numEmbeddings, dim), Base: newEmbeddingBase()}
}

// EmbeddingFromRaw wraps a native embedding, stealing its table.
func EmbeddingFromRaw(raw nn.Module) (nn.Module, error) {
	e, ok := raw.(*nn.Embedding)
	if !ok {
		return nil, errors.Errorf("dmxnn: expected *nn.Embedding, got %T", raw)
	}
	return &Embedding{Embedding: e, Base: newEmbeddingBase()}, nil
}

func newEmbeddingBase() *Base {
	// zero input casts: indices pass through unquantized
	return newBase("Embedding", 0).withWeight(false)
}

// Forward gathers from the quantized table view, then casts the output.
func (e *Embedding) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	var err error
	if e.qWeight, err = e.quantizeWeight(e.Weight.Data); err != nil {
		return nil, err
	}
	restore := swapData(e.Weight, e.qWeight)
	y, err := e.Embedding.Forward(inputs...)
	restore()
	if err != nil {
		return nil, err
	}
	return e.castOutput(y)
}

// Backward scatters through the quantized table view; the table gradient
// stays dense under the straight-through estimator.
func (e *Embedding) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	restore := swapData(e.Weight, e.qWeight)
	grads, err := e.Embedding.Backward(upstream)
	restore()
	return grads, err
}

// FoldWeightAndBias bakes the table pipeline into the stored tensor.
func (e *Embedding) FoldWeightAndBias() error {
	return e.fold(e.Weight, nil)
}

// CheckFormatDimConsistency verifies block formats run along the embedding
// dimension of the [num, dim] table.
func (e *Embedding) CheckFormatDimConsistency() error {
	return checkBlockDim(e.WeightCast.Format, []int{-1, 1}, e.Instance, "weight")
}
