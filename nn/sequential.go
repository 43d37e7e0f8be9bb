package nn

import (
	"strconv"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Sequential chains modules in order under stable child names. Children
// added positionally are named "0", "1", ... the way the walker expects.
type Sequential struct {
	names   []string
	modules []Module
}

// NewSequential chains the given modules.
func NewSequential(mods ...Module) *Sequential {
	s := &Sequential{}
	for _, m := range mods {
		s.Append(m)
	}
	return s
}

// Append adds a module under the next positional name.
func (s *Sequential) Append(m Module) *Sequential {
	return s.Add(strconv.Itoa(len(s.modules)), m)
}

// Add adds a module under an explicit name.
func (s *Sequential) Add(name string, m Module) *Sequential {
	s.names = append(s.names, name)
	s.modules = append(s.modules, m)
	return s
}

// Len returns the number of children.
func (s *Sequential) Len() int { return len(s.modules) }

// At returns the i-th child.
func (s *Sequential) At(i int) Module { return s.modules[i] }

// Children implements Container.
func (s *Sequential) Children() []NamedChild {
	out := make([]NamedChild, len(s.modules))
	for i, m := range s.modules {
		out[i] = NamedChild{Name: s.names[i], Module: m}
	}
	return out
}

// Replace implements Container: the transform engine swaps children in
// place through it.
func (s *Sequential) Replace(name string, m Module) bool {
	for i, n := range s.names {
		if n == name {
			s.modules[i] = m
			return true
		}
	}
	return false
}

// Forward chains the children left to right.
func (s *Sequential) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if err := wantInputs("Sequential", inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	for i, m := range s.modules {
		y, err := m.Forward(x)
		if err != nil {
			return nil, errors.Wrapf(err, "sequential child %s", s.names[i])
		}
		x = y
	}
	return x, nil
}

// Backward chains the children right to left.
func (s *Sequential) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	g := upstream
	for i := len(s.modules) - 1; i >= 0; i-- {
		grads, err := s.modules[i].Backward(g)
		if err != nil {
			return nil, errors.Wrapf(err, "sequential child %s", s.names[i])
		}
		if len(grads) == 0 {
			return nil, errors.Errorf("nn: sequential child %s returned no input gradient", s.names[i])
		}
		g = grads[0]
	}
	return []*tensor.Dense{g}, nil
}
