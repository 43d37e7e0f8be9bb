package nn

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Embedding is a lookup table [NumEmbeddings, Dim]. Indices arrive as a
// float32 tensor (the carrier dtype of the whole graph) and are truncated
// to integers.
type Embedding struct {
	NumEmbeddings, Dim int
	Weight             *Param

	lastIdx   []int
	lastShape tensor.Shape
}

// NewEmbedding builds a table initialized from U(-1, 1) scaled by the
// inverse square root of the dimension.
func NewEmbedding(numEmbeddings, dim int) *Embedding {
	w := make([]float32, numEmbeddings*dim)
	uniformInit(w, 1)
	return &Embedding{
		NumEmbeddings: numEmbeddings,
		Dim:           dim,
		Weight:        NewParam("weight", dense(w, numEmbeddings, dim)),
	}
}

// Forward gathers rows; the output shape is the input shape with Dim
// appended.
func (e *Embedding) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("Embedding", inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	xs := f32s(x)
	idx := make([]int, len(xs))
	out := make([]float32, len(xs)*e.Dim)
	ws := f32s(e.Weight.Data)
	for i, v := range xs {
		j := int(v)
		if j < 0 || j >= e.NumEmbeddings {
			return nil, errors.Errorf("nn: embedding index %d out of range [0,%d)", j, e.NumEmbeddings)
		}
		idx[i] = j
		copy(out[i*e.Dim:(i+1)*e.Dim], ws[j*e.Dim:(j+1)*e.Dim])
	}
	e.lastIdx = idx
	e.lastShape = x.Shape().Clone()

	shape := append([]int{}, x.Shape()...)
	shape = append(shape, e.Dim)
	return dense(out, shape...), nil
}

// Backward scatters the upstream gradient into the gathered rows. Indices
// are not differentiable, so the input gradient is zero.
func (e *Embedding) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	if e.lastIdx == nil {
		return nil, errors.New("nn: Embedding backward before forward")
	}
	g := f32s(upstream)
	if e.Weight.RequiresGrad {
		dw := f32s(e.Weight.EnsureGrad())
		for i, j := range e.lastIdx {
			row := dw[j*e.Dim : (j+1)*e.Dim]
			for d, v := range g[i*e.Dim : (i+1)*e.Dim] {
				row[d] += v
			}
		}
	}
	return []*tensor.Dense{zeros([]int(e.lastShape)...)}, nil
}

// Params returns the lookup table.
func (e *Embedding) Params() []*Param { return []*Param{e.Weight} }
