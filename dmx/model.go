package dmx

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	dmxnn "github.com/dmx-ai/mltools/dmx/nn"
	"github.com/dmx-ai/mltools/nn"
	"github.com/dmx-ai/mltools/transform"
)

// Model wraps a substituted module tree between an untransformed head and
// tail: the body carries the aware layers, the head and tail stay native
// (preprocessing, final projections and the like).
type Model struct {
	Head nn.Module
	Body nn.Module
	Tail nn.Module
}

// ModelOption customizes NewModel.
type ModelOption func(*Model)

// WithHead sets the untransformed input stage.
func WithHead(m nn.Module) ModelOption { return func(mdl *Model) { mdl.Head = m } }

// WithTail sets the untransformed output stage.
func WithTail(m nn.Module) ModelOption { return func(mdl *Model) { mdl.Tail = m } }

// NewModel activates awareness and substitutes every mapped layer of body
// in place. The returned model's body computes identically to the input
// until a configuration assigns real formats.
func NewModel(body nn.Module, opts ...ModelOption) (*Model, error) {
	Aware()
	root, report, err := transform.Substitute(body)
	if err != nil {
		return nil, err
	}
	if len(report.Skipped) > 0 {
		return nil, errors.Errorf("dmx: modules %v sit in concrete-typed slots and cannot be made aware", report.Skipped)
	}
	m := &Model{Head: nn.NewIdentity(), Body: root, Tail: nn.NewIdentity()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Forward runs head, body and tail in order. Extra inputs beyond the first
// go to the body only, matching multi-input bodies behind a single-tensor
// head.
func (m *Model) Forward(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if len(inputs) == 0 {
		return nil, errors.New("dmx: model forward needs at least one input")
	}
	x, err := m.Head.Forward(inputs[0])
	if err != nil {
		return nil, errors.Wrap(err, "dmx: head")
	}
	bodyIn := append([]*tensor.Dense{x}, inputs[1:]...)
	y, err := m.Body.Forward(bodyIn...)
	if err != nil {
		return nil, errors.Wrap(err, "dmx: body")
	}
	out, err := m.Tail.Forward(y)
	return out, errors.Wrap(err, "dmx: tail")
}

// Backward propagates the upstream gradient through tail, body and head,
// returning the gradients with respect to the model inputs.
func (m *Model) Backward(upstream *tensor.Dense) ([]*tensor.Dense, error) {
	gs, err := m.Tail.Backward(upstream)
	if err != nil {
		return nil, errors.Wrap(err, "dmx: tail")
	}
	gs, err = m.Body.Backward(gs[0])
	if err != nil {
		return nil, errors.Wrap(err, "dmx: body")
	}
	headGrads, err := m.Head.Backward(gs[0])
	if err != nil {
		return nil, errors.Wrap(err, "dmx: head")
	}
	return append(headGrads, gs[1:]...), nil
}

// NamedDmxModule is an aware module with its dotted path inside the body.
type NamedDmxModule struct {
	Name   string
	Module dmxnn.DmxModule
}

// NamedDmxModules lists every aware module of the body, depth first.
func (m *Model) NamedDmxModules() []NamedDmxModule {
	var out []NamedDmxModule
	_ = nn.Walk(m.Body, func(path string, mod nn.Module, _ func(nn.Module) bool) error {
		if dm, ok := mod.(dmxnn.DmxModule); ok {
			out = append(out, NamedDmxModule{Name: path, Module: dm})
		}
		return nil
	})
	return out
}

// Transform applies cfg module by module, then the rules in order. Config
// entries naming modules the model does not have are an error; rules apply
// only where they match.
func (m *Model) Transform(cfg Config, rules ...*ConfigRule) error {
	if cfg != nil {
		byName := make(map[string]dmxnn.DmxModule)
		for _, nm := range m.NamedDmxModules() {
			byName[nm.Name] = nm.Module
		}
		for _, name := range cfg.sortedNames() {
			mod, ok := byName[name]
			if !ok {
				return errors.Errorf("dmx: config names unknown module %q", name)
			}
			if err := mod.Configure(cfg[name]); err != nil {
				return errors.Wrapf(err, "dmx: configuring %q", name)
			}
		}
	}
	for _, r := range rules {
		if err := r.ApplyTo(m); err != nil {
			return err
		}
	}
	return nil
}

// TransformFile reads a YAML configuration and applies it plus the rules.
func (m *Model) TransformFile(path string, rules ...*ConfigRule) error {
	cfg, err := FromYAMLFile(path)
	if err != nil {
		return err
	}
	return m.Transform(cfg, rules...)
}

// Freeze writes the model's current configuration to a YAML file.
func (m *Model) Freeze(path string) error {
	return FromModel(m).ToYAMLFile(path)
}

// Thaw restores a previously frozen configuration.
func (m *Model) Thaw(path string) error {
	return m.TransformFile(path)
}

// WithFrozenConfig runs fn and restores the configuration the model had
// before, whatever fn changed.
func (m *Model) WithFrozenConfig(fn func() error) error {
	saved := FromModel(m)
	ferr := fn()
	if rerr := m.Transform(saved); rerr != nil {
		if ferr != nil {
			return errors.Wrapf(ferr, "dmx: restoring config also failed: %v", rerr)
		}
		return errors.Wrap(rerr, "dmx: restoring config")
	}
	return ferr
}

type foldable interface {
	FoldWeightAndBias() error
}

// FoldWeightsAndBiases bakes every aware weight pipeline into the stored
// tensors. Irreversible: folded modules refuse reconfiguration.
func (m *Model) FoldWeightsAndBiases() error {
	for _, nm := range m.NamedDmxModules() {
		if f, ok := nm.Module.(foldable); ok {
			if err := f.FoldWeightAndBias(); err != nil {
				return errors.Wrapf(err, "dmx: folding %q", nm.Name)
			}
		}
	}
	return nil
}

type formatDimChecker interface {
	CheckFormatDimConsistency() error
}

type sparsenessDimChecker interface {
	CheckSparsenessDimConsistency() error
}

// CheckDimConsistency verifies every aware module's block formats and
// structured sparseness run along the dimensions its computation contracts
// over.
func (m *Model) CheckDimConsistency() error {
	for _, nm := range m.NamedDmxModules() {
		if c, ok := nm.Module.(formatDimChecker); ok {
			if err := c.CheckFormatDimConsistency(); err != nil {
				return errors.Wrapf(err, "dmx: %q", nm.Name)
			}
		}
		if c, ok := nm.Module.(sparsenessDimChecker); ok {
			if err := c.CheckSparsenessDimConsistency(); err != nil {
				return errors.Wrapf(err, "dmx: %q", nm.Name)
			}
		}
	}
	return nil
}

// CountingFlops resets every aware FLOP counter, runs fn, and returns the
// FLOPs the body accumulated. A model statistic, not a performance measure.
func (m *Model) CountingFlops(fn func() error) (int64, error) {
	mods := m.NamedDmxModules()
	for _, nm := range mods {
		nm.Module.ResetFlops()
		nm.Module.EnableFlopCounting(true)
	}
	defer func() {
		for _, nm := range mods {
			nm.Module.EnableFlopCounting(false)
		}
	}()
	if err := fn(); err != nil {
		return 0, err
	}
	var total int64
	for _, nm := range mods {
		total += nm.Module.Flops()
	}
	return total, nil
}

// Parameters collects every trainable parameter across head, body and tail.
func (m *Model) Parameters() []*nn.Param {
	var out []*nn.Param
	for _, part := range []nn.Module{m.Head, m.Body, m.Tail} {
		out = append(out, nn.Parameters(part)...)
	}
	return out
}
