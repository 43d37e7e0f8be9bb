package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// twoTower is a plain struct module used to exercise the reflection walker:
// interface fields, a concrete-typed field, a slice and an unexported field.
type twoTower struct {
	Left   Module
	Right  Module
	Merge  *ResAdd  // concrete-typed slot
	Extras []Module //nolint:structcheck
	hidden Module   // unexported: invisible to the walker
}

func (m *twoTower) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	l, err := m.Left.Forward(inputs[0])
	if err != nil {
		return nil, err
	}
	r, err := m.Right.Forward(inputs[0])
	if err != nil {
		return nil, err
	}
	return m.Merge.Forward(l, r)
}

func (m *twoTower) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	return []*tensor.Dense{upstream}, nil
}

// TestNamedModulesPaths verifies depth-first dotted paths across containers
// and reflected struct fields.
func TestNamedModulesPaths(t *testing.T) {
	model := &twoTower{
		Left:   NewSequential(NewLinear(2, 2, true), NewReLU()),
		Right:  NewLinear(2, 2, false),
		Merge:  NewResAdd(),
		Extras: []Module{NewGELU()},
		hidden: NewReLU(),
	}

	names := make([]string, 0)
	for _, nm := range NamedModules(model) {
		names = append(names, nm.Name)
	}
	assert.Equal(t, []string{
		"", "left", "left.0", "left.1", "right", "merge", "extras.0",
	}, names, "walker should produce stable depth-first dotted paths")
}

// TestWalkReplace verifies interface slots accept replacements and
// concrete-typed slots report failure.
func TestWalkReplace(t *testing.T) {
	model := &twoTower{
		Left:  NewLinear(2, 2, true),
		Right: NewLinear(2, 2, true),
		Merge: NewResAdd(),
	}

	replaced := map[string]bool{}
	err := Walk(model, func(path string, m Module, replace func(Module) bool) error {
		if _, ok := m.(*Linear); ok && replace != nil {
			replaced[path] = replace(NewIdentity())
		}
		if _, ok := m.(*ResAdd); ok && replace != nil {
			// an *Identity cannot sit in a *ResAdd-typed field
			replaced[path] = replace(NewIdentity())
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, replaced["left"], "interface field should accept a replacement")
	assert.True(t, replaced["right"], "interface field should accept a replacement")
	assert.False(t, replaced["merge"], "concrete-typed field should refuse a replacement")
	assert.IsType(t, &Identity{}, model.Left)
	assert.IsType(t, &ResAdd{}, model.Merge)
}

// TestWalkSkipChildren verifies subtree pruning.
func TestWalkSkipChildren(t *testing.T) {
	model := NewSequential(
		NewSequential(NewLinear(2, 2, true)),
		NewReLU(),
	)
	var visited []string
	err := Walk(model, func(path string, m Module, _ func(Module) bool) error {
		visited = append(visited, path)
		if path == "0" {
			return SkipChildren
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"", "0", "1"}, visited, "children of a skipped node should not be visited")
}

// TestParametersCollects verifies parameter collection across the tree.
func TestParametersCollects(t *testing.T) {
	model := NewSequential(NewLinear(2, 4, true), NewReLU(), NewLinear(4, 1, false))
	params := Parameters(model)
	assert.Len(t, params, 3, "two weights and one bias")

	named := NamedParameters(model)
	keys := make([]string, len(named))
	for i, np := range named {
		keys[i] = np.Name
	}
	assert.Equal(t, []string{"0.weight", "0.bias", "2.weight"}, keys,
		"checkpoint keys should combine module path and param name")
}
