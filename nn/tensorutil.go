package nn

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// f32s returns the float32 backing of a dense tensor.
func f32s(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// dense wraps a float32 buffer in a tensor of the given shape.
func dense(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// zeros allocates a zero tensor of the given shape.
func zeros(shape ...int) *tensor.Dense {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return dense(make([]float32, n), shape...)
}

// wantInputs validates the forward arity of a module.
func wantInputs(name string, inputs []*tensor.Dense, n int) error {
	if len(inputs) != n {
		return errors.Errorf("nn: %s expects %d input(s), got %d", name, n, len(inputs))
	}
	for i, in := range inputs {
		if in == nil {
			return errors.Errorf("nn: %s input %d is nil", name, i)
		}
	}
	return nil
}

// rowsCols flattens all leading dimensions of shape into rows, keeping the
// last dimension as cols.
func rowsCols(shape tensor.Shape) (rows, cols int) {
	cols = shape[len(shape)-1]
	rows = 1
	for _, s := range shape[:len(shape)-1] {
		rows *= s
	}
	return rows, cols
}

// sameShape reports whether two shapes are identical.
func sameShape(a, b tensor.Shape) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// accumulate adds src into the param's gradient buffer.
func accumulate(p *Param, src []float32) {
	if p == nil || !p.RequiresGrad {
		return
	}
	g := f32s(p.EnsureGrad())
	for i, v := range src {
		g[i] += v
	}
}
