package dmxnn

import "github.com/dmx-ai/mltools/nn"

// Entry pairs a native module type, given by example, with the constructor
// of its aware counterpart.
type Entry struct {
	Native  nn.Module
	FromRaw func(raw nn.Module) (nn.Module, error)
}

// Catalog returns the full native-to-aware mapping. The dmx package feeds
// it to the transform registry when awareness is activated.
func Catalog() []Entry {
	return []Entry{
		{&nn.Linear{}, LinearFromRaw},
		{&nn.Conv2d{}, Conv2dFromRaw},
		{&nn.Embedding{}, EmbeddingFromRaw},
		{&nn.LayerNorm{}, LayerNormFromRaw},
		{&nn.Softmax{}, SoftmaxFromRaw},
		{&nn.GELU{}, GELUFromRaw},
		{&nn.ReLU{}, ReLUFromRaw},
		{&nn.ResAdd{}, ResAddFromRaw},
		{&nn.Mul{}, MulFromRaw},
		{&nn.MatMul{}, MatMulFromRaw},
		{&nn.BAddBMM{}, BAddBMMFromRaw},
	}
}
