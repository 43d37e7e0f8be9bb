// Package nn is the host-side native module system: a small layer library
// over gorgonia tensors with explicit forward and backward passes. It is the
// substrate the dmx transform rewrites; every layer here has a dmx-aware
// counterpart that can be substituted in place.
package nn

import (
	"gorgonia.org/tensor"
)

// Module is a node of the computation graph. Forward consumes one or more
// float32 tensors and produces one; Backward consumes the upstream gradient
// of the output and returns the gradients with respect to each forward
// input, in order, accumulating parameter gradients internally.
//
// Backward relies on state cached by the most recent Forward call, so a
// module instance is not safe for concurrent use.
type Module interface {
	Forward(inputs ...*tensor.Dense) (*tensor.Dense, error)
	Backward(upstream *tensor.Dense) ([]*tensor.Dense, error)
}

// Parameterized is implemented by modules that own trainable parameters.
type Parameterized interface {
	Params() []*Param
}

// NamedChild is a named direct submodule of a container.
type NamedChild struct {
	Name   string
	Module Module
}

// Container is implemented by modules that hold an explicit, ordered set of
// children. The walker prefers this interface over struct reflection, and
// Replace is the hook the transform engine uses for in-place substitution.
type Container interface {
	Module
	Children() []NamedChild
	Replace(name string, m Module) bool
}
