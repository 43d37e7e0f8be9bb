package transform

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/nn"
	"github.com/dmx-ai/mltools/numerics"
)

// QDQEntry records one quantize/dequantize pair materialized by QDQAttr:
// the dotted path of the parameter and its companion scale and zero-point
// tensors.
type QDQEntry struct {
	Path      string
	Scale     *tensor.Dense
	ZeroPoint *tensor.Dense
}

// QDQAttr wraps every parameter named attr in the tree with an explicit
// quantize/dequantize pair in the given format: it computes a symmetric
// per-tensor scale from the parameter's absolute maximum, materializes
// scalar scale and zero-point companion tensors, and rewrites the parameter
// in place to its fake-quantized values. The returned entries describe each
// wrapped parameter.
func QDQAttr(root nn.Module, attr string, f numerics.Format) ([]QDQEntry, error) {
	maxVal := f.MaxValue()
	if maxVal <= 0 || math32.IsInf(maxVal, 1) {
		return nil, errors.Errorf("transform: format %s has no finite range for qdq", f)
	}

	var entries []QDQEntry
	err := nn.Walk(root, func(path string, m nn.Module, _ func(nn.Module) bool) error {
		p, ok := m.(nn.Parameterized)
		if !ok {
			return nil
		}
		for _, param := range p.Params() {
			if param.Name != attr || param.Data == nil {
				continue
			}
			data, ok := param.Data.Data().([]float32)
			if !ok {
				return errors.Errorf("transform: parameter %q.%s is not float32", path, attr)
			}
			scale := absMax(data) / maxVal
			if scale == 0 {
				scale = 1
			}
			cast := numerics.NewCastTo(f)
			cast.Scale = scale
			q, err := cast.Forward(param.Data)
			if err != nil {
				return errors.Wrapf(err, "transform: qdq on %q.%s", path, attr)
			}
			copy(data, q.Data().([]float32))
			entries = append(entries, QDQEntry{
				Path:      joinPath(path, attr),
				Scale:     tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{scale})),
				ZeroPoint: tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{0})),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func absMax(data []float32) float32 {
	var m float32
	for _, v := range data {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
