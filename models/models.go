// Package models holds small reference networks used to exercise the
// transform pipeline end to end: an MLP classifier, a convolutional
// LeNet-style net and a single attention block.
package models

import (
	"github.com/pkg/errors"

	"github.com/dmx-ai/mltools/nn"
)

// Name identifies a reference model.
type Name string

const (
	// MLPName is a fully-connected GELU classifier.
	MLPName Name = "mlp"
	// LeNetName is a strided-convolution image classifier.
	LeNetName Name = "lenet"
	// TinyAttentionName is a single self-attention block.
	TinyAttentionName Name = "tiny_attention"
)

// Names lists every model the factory can build.
func Names() []Name {
	return []Name{MLPName, LeNetName, TinyAttentionName}
}

// NewModel builds the named reference model with its default dimensions.
//
// Arguments:
//   - name: One of the Names() entries.
//
// Returns:
//   - nn.Module: The constructed model.
//   - error: An error for unknown names.
func NewModel(name Name) (nn.Module, error) {
	switch name {
	case MLPName:
		return NewMLP(784, 128, 10), nil
	case LeNetName:
		return NewLeNet(3, 10), nil
	case TinyAttentionName:
		return NewTinyAttention(64), nil
	default:
		return nil, errors.Errorf("models: unknown model %q", name)
	}
}
