package models

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/nn"
)

// TinyAttention is one self-attention block over [seq, dim] inputs:
// projected queries and keys score each position pair, softmax weights
// average the values, and the output projection feeds a residual
// connection and layer norm. Fields are interface typed so the transform
// engine can substitute each slot independently.
type TinyAttention struct {
	QProj nn.Module
	KProj nn.Module
	VProj nn.Module
	OProj nn.Module
	QK    nn.Module
	Attn  nn.Module
	AV    nn.Module
	Res   nn.Module
	Norm  nn.Module

	dim int
}

// NewTinyAttention builds a single-head block of the given width.
func NewTinyAttention(dim int) *TinyAttention {
	return &TinyAttention{
		QProj: nn.NewLinear(dim, dim, false),
		KProj: nn.NewLinear(dim, dim, false),
		VProj: nn.NewLinear(dim, dim, false),
		OProj: nn.NewLinear(dim, dim, true),
		QK:    &nn.MatMul{TransposeB: true},
		Attn:  nn.NewSoftmax(),
		AV:    nn.NewMatMul(),
		Res:   nn.NewResAdd(),
		Norm:  nn.NewLayerNorm(dim),
		dim:   dim,
	}
}

// Forward runs the block over a [seq, dim] input.
func (t *TinyAttention) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("models: TinyAttention wants 1 input, got %d", len(inputs))
	}
	x := inputs[0]
	if len(x.Shape()) != 2 || x.Shape()[1] != t.dim {
		return nil, errors.Errorf("models: TinyAttention wants [seq, %d], got %v", t.dim, x.Shape())
	}

	q, err := t.QProj.Forward(x)
	if err != nil {
		return nil, err
	}
	k, err := t.KProj.Forward(x)
	if err != nil {
		return nil, err
	}
	v, err := t.VProj.Forward(x)
	if err != nil {
		return nil, err
	}

	// scaling the queries up front keeps the score matmul a plain q @ k^T
	scores, err := t.QK.Forward(scaled(q, t.invSqrtDim()), k)
	if err != nil {
		return nil, err
	}
	attn, err := t.Attn.Forward(scores)
	if err != nil {
		return nil, err
	}
	ctx, err := t.AV.Forward(attn, v)
	if err != nil {
		return nil, err
	}
	o, err := t.OProj.Forward(ctx)
	if err != nil {
		return nil, err
	}
	res, err := t.Res.Forward(o, x)
	if err != nil {
		return nil, err
	}
	return t.Norm.Forward(res)
}

// Backward propagates through the block in reverse, accumulating the four
// paths the input feeds: the residual skip and the three projections.
func (t *TinyAttention) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	dres, err := t.Norm.Backward(upstream)
	if err != nil {
		return nil, err
	}
	resGrads, err := t.Res.Backward(dres[0])
	if err != nil {
		return nil, err
	}
	do, dskip := resGrads[0], resGrads[1]

	dctx, err := t.OProj.Backward(do)
	if err != nil {
		return nil, err
	}
	avGrads, err := t.AV.Backward(dctx[0])
	if err != nil {
		return nil, err
	}
	dattn, dv := avGrads[0], avGrads[1]

	dscores, err := t.Attn.Backward(dattn)
	if err != nil {
		return nil, err
	}
	qkGrads, err := t.QK.Backward(dscores[0])
	if err != nil {
		return nil, err
	}
	dq, dk := scaled(qkGrads[0], t.invSqrtDim()), qkGrads[1]

	dxq, err := t.QProj.Backward(dq)
	if err != nil {
		return nil, err
	}
	dxk, err := t.KProj.Backward(dk)
	if err != nil {
		return nil, err
	}
	dxv, err := t.VProj.Backward(dv)
	if err != nil {
		return nil, err
	}

	dx := dskip.Data().([]float32)
	out := make([]float32, len(dx))
	copy(out, dx)
	for _, g := range []*tensor.Dense{dxq[0], dxk[0], dxv[0]} {
		for i, v := range g.Data().([]float32) {
			out[i] += v
		}
	}
	shape := []int(dskip.Shape())
	return []*tensor.Dense{tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out))}, nil
}

func (t *TinyAttention) invSqrtDim() float32 {
	return 1 / math32.Sqrt(float32(t.dim))
}

func scaled(x *tensor.Dense, c float32) *tensor.Dense {
	src := x.Data().([]float32)
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = v * c
	}
	shape := []int(x.Shape())
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out))
}
