package nn

import (
	"sync"

	rng "github.com/leesper/go_rng"
	"gorgonia.org/tensor"
)

// Param is a named trainable tensor with its accumulated gradient.
type Param struct {
	Name string
	// Data is the parameter value. Aware modules temporarily swap in their
	// quantized view of this tensor, so anything holding a reference should
	// go through the Param rather than caching the Dense.
	Data *tensor.Dense
	// Grad is allocated lazily on first accumulation.
	Grad *tensor.Dense
	// RequiresGrad gates gradient accumulation.
	RequiresGrad bool
}

// NewParam wraps a tensor as a trainable parameter.
func NewParam(name string, data *tensor.Dense) *Param {
	return &Param{Name: name, Data: data, RequiresGrad: true}
}

// EnsureGrad returns the gradient tensor, allocating a zeroed one shaped
// like Data on first use.
func (p *Param) EnsureGrad() *tensor.Dense {
	if p.Grad == nil {
		shape := p.Data.Shape()
		p.Grad = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(make([]float32, shape.TotalSize())))
	}
	return p.Grad
}

// ZeroGrad clears the accumulated gradient in place.
func (p *Param) ZeroGrad() {
	if p.Grad == nil {
		return
	}
	data := p.Grad.Data().([]float32)
	for i := range data {
		data[i] = 0
	}
}

var (
	initMu  sync.Mutex
	initRNG = rng.NewUniformGenerator(1)
)

// Seed reseeds the parameter initialization RNG so freshly built models are
// reproducible.
func Seed(seed int64) {
	initMu.Lock()
	initRNG = rng.NewUniformGenerator(seed)
	initMu.Unlock()
}

// uniformInit fills data with samples from U(-bound, bound).
func uniformInit(data []float32, bound float32) {
	initMu.Lock()
	for i := range data {
		data[i] = (initRNG.Float32()*2 - 1) * bound
	}
	initMu.Unlock()
}
