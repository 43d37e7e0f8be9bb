package models

import "github.com/dmx-ai/mltools/nn"

// NewMLP builds a two-layer GELU classifier with a LayerNorm between the
// hidden and output projections. Inputs are [batch, in] rows; outputs are
// raw [batch, out] logits so losses and softmax stay the caller's choice.
func NewMLP(in, hidden, out int) *nn.Sequential {
	return nn.NewSequential(
		nn.NewLinear(in, hidden, true),
		nn.NewGELU(),
		nn.NewLayerNorm(hidden),
		nn.NewLinear(hidden, out, true),
	)
}
