// Package dmxnn holds the dmx-aware counterparts of the native nn layers.
// Each aware layer embeds its native twin, keeps the native math and
// parameter tensors, and threads every port through a numerical pipeline:
// cast inputs, sparsify and cast weights, compute (exactly or approximately)
// under an accumulator cast, cast the output.
package dmxnn

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/approx"
	"github.com/dmx-ai/mltools/nn"
	"github.com/dmx-ai/mltools/numerics"
	"github.com/dmx-ai/mltools/sparsity"
)

// Observer receives pre-cast tensors during calibration. The calibration
// package's observers satisfy it structurally.
type Observer interface {
	Observe(x *tensor.Dense)
}

// DmxModule is the contract every aware layer fulfills: a module that can
// report and accept its numerical configuration and account its FLOPs.
type DmxModule interface {
	nn.Module
	DmxAware()
	DmxConfig() ModuleConfig
	Configure(cfg ModuleConfig) error
	EnableFlopCounting(on bool)
	Flops() int64
	ResetFlops()
}

// Base is the shared aware-module state: one cast per port, the weight
// sparsifier, the approximation selector, calibration hooks and the FLOP
// counter. Ports a layer does not have stay nil.
type Base struct {
	Instance string

	InputCasts []*numerics.CastTo
	OutputCast *numerics.CastTo
	AccumCast  *numerics.CastTo
	WeightCast *numerics.CastTo
	BiasCast   *numerics.CastTo

	WeightSparsifier *sparsity.Sparsify
	Approx           approx.Function

	// SmoothquantScale divides each input channel before the input cast;
	// the matching multiplication is folded into the weight columns.
	SmoothquantScale []float32

	InputObservers []Observer
	WeightObserver Observer
	OutputObserver Observer

	allowedApprox []approx.Function

	calibrating bool
	folded      bool
	countFlops  bool
	flops       int64
}

func newBase(instance string, nIn int) *Base {
	b := &Base{Instance: instance}
	for i := 0; i < nIn; i++ {
		b.InputCasts = append(b.InputCasts, numerics.NewCastTo(numerics.Same{}))
	}
	b.OutputCast = numerics.NewCastTo(numerics.Same{})
	return b
}

func (b *Base) withAccum() *Base {
	b.AccumCast = numerics.NewCastTo(numerics.Same{})
	return b
}

func (b *Base) withWeight(bias bool) *Base {
	b.WeightCast = numerics.NewCastTo(numerics.Same{})
	if bias {
		b.BiasCast = numerics.NewCastTo(numerics.Same{})
	}
	b.WeightSparsifier = sparsity.NewSparsify(sparsity.Dense{})
	return b
}

func (b *Base) withApprox(fns ...approx.Function) *Base {
	b.allowedApprox = fns
	return b
}

// DmxAware marks the module for the transform engine.
func (b *Base) DmxAware() {}

// BaseState exposes the shared aware state; calibration drivers reach the
// port casts and observer slots through it.
func (b *Base) BaseState() *Base { return b }

// Folded reports whether the weight pipeline has been baked into the stored
// tensors.
func (b *Base) Folded() bool { return b.folded }

// SetCalibrating toggles the input and output casts so observers see
// unquantized values while statistics are collected. Weight casts stay
// active.
func (b *Base) SetCalibrating(on bool) {
	b.calibrating = on
	for _, c := range b.InputCasts {
		c.Disabled = on
	}
	if b.OutputCast != nil {
		b.OutputCast.Disabled = on
	}
}

// Calibrating reports the calibration flag.
func (b *Base) Calibrating() bool { return b.calibrating }

// EnableFlopCounting toggles FLOP accounting on the module.
func (b *Base) EnableFlopCounting(on bool) { b.countFlops = on }

// Flops returns FLOPs accumulated since the last reset.
func (b *Base) Flops() int64 { return atomic.LoadInt64(&b.flops) }

// ResetFlops clears the counter.
func (b *Base) ResetFlops() { atomic.StoreInt64(&b.flops, 0) }

func (b *Base) addFlops(n int64) {
	if b.countFlops {
		atomic.AddInt64(&b.flops, n)
	}
}

// castInputs runs every input through smoothquant scaling, its observer and
// its cast, in that order.
func (b *Base) castInputs(inputs []*tensor.Dense) ([]*tensor.Dense, error) {
	if len(b.InputCasts) > 0 && len(inputs) != len(b.InputCasts) {
		return nil, errors.Errorf("dmxnn: %s expects %d inputs, got %d",
			b.Instance, len(b.InputCasts), len(inputs))
	}
	out := make([]*tensor.Dense, len(inputs))
	for i, x := range inputs {
		if i == 0 && len(b.SmoothquantScale) > 0 {
			var err error
			if x, err = divideChannels(x, b.SmoothquantScale); err != nil {
				return nil, errors.Wrapf(err, "dmxnn: %s smoothquant", b.Instance)
			}
		}
		if i < len(b.InputObservers) && b.InputObservers[i] != nil {
			b.InputObservers[i].Observe(x)
		}
		if i < len(b.InputCasts) {
			y, err := b.InputCasts[i].Forward(x)
			if err != nil {
				return nil, errors.Wrapf(err, "dmxnn: %s input %d", b.Instance, i)
			}
			x = y
		}
		out[i] = x
	}
	return out, nil
}

// castAccum models the accumulator precision of the compute.
func (b *Base) castAccum(y *tensor.Dense) (*tensor.Dense, error) {
	if b.AccumCast == nil {
		return y, nil
	}
	out, err := b.AccumCast.Forward(y)
	return out, errors.Wrapf(err, "dmxnn: %s accumulator", b.Instance)
}

// castOutput observes then casts the layer output.
func (b *Base) castOutput(y *tensor.Dense) (*tensor.Dense, error) {
	if b.OutputObserver != nil {
		b.OutputObserver.Observe(y)
	}
	if b.OutputCast == nil {
		return y, nil
	}
	out, err := b.OutputCast.Forward(y)
	return out, errors.Wrapf(err, "dmxnn: %s output", b.Instance)
}

// quantizeWeight runs the weight pipeline: observe, sparsify, cast. After a
// fold it returns the tensor untouched.
func (b *Base) quantizeWeight(w *tensor.Dense) (*tensor.Dense, error) {
	if b.folded {
		return w, nil
	}
	if b.WeightObserver != nil {
		b.WeightObserver.Observe(w)
	}
	if b.WeightSparsifier != nil {
		var err error
		if w, err = b.WeightSparsifier.Forward(w); err != nil {
			return nil, errors.Wrapf(err, "dmxnn: %s weight sparsifier", b.Instance)
		}
	}
	if b.WeightCast == nil {
		return w, nil
	}
	out, err := b.WeightCast.Forward(w)
	return out, errors.Wrapf(err, "dmxnn: %s weight", b.Instance)
}

// quantizeBias casts the bias.
func (b *Base) quantizeBias(bias *tensor.Dense) (*tensor.Dense, error) {
	if b.folded || b.BiasCast == nil || bias == nil {
		return bias, nil
	}
	out, err := b.BiasCast.Forward(bias)
	return out, errors.Wrapf(err, "dmxnn: %s bias", b.Instance)
}

// fold bakes the weight pipeline into the parameter backings and disables
// it for subsequent passes.
func (b *Base) fold(weight, bias *nn.Param) error {
	if b.folded {
		return nil
	}
	if weight != nil {
		q, err := b.quantizeWeight(weight.Data)
		if err != nil {
			return err
		}
		if q != weight.Data {
			copy(weight.Data.Data().([]float32), q.Data().([]float32))
		}
	}
	if bias != nil {
		q, err := b.quantizeBias(bias.Data)
		if err != nil {
			return err
		}
		if q != bias.Data {
			copy(bias.Data.Data().([]float32), q.Data().([]float32))
		}
	}
	b.folded = true
	return nil
}

// unscaleInputGrad maps the gradient of the scaled input back to the
// original input under the smoothquant division.
func (b *Base) unscaleInputGrad(g *tensor.Dense) {
	if len(b.SmoothquantScale) == 0 || g == nil {
		return
	}
	data, ok := g.Data().([]float32)
	if !ok {
		return
	}
	cols := g.Shape()[len(g.Shape())-1]
	if cols != len(b.SmoothquantScale) {
		return
	}
	for i := range data {
		if s := b.SmoothquantScale[i%cols]; s != 0 {
			data[i] /= s
		}
	}
}

// DmxConfig snapshots every configured port as strings.
func (b *Base) DmxConfig() ModuleConfig {
	cfg := ModuleConfig{Instance: b.Instance}
	for _, c := range b.InputCasts {
		cfg.InputFormats = append(cfg.InputFormats, c.Format.String())
	}
	if b.OutputCast != nil {
		cfg.OutputFormat = b.OutputCast.Format.String()
	}
	if b.AccumCast != nil {
		cfg.AccumFormat = b.AccumCast.Format.String()
	}
	if b.WeightCast != nil {
		cfg.WeightFormat = b.WeightCast.Format.String()
	}
	if b.BiasCast != nil {
		cfg.BiasFormat = b.BiasCast.Format.String()
	}
	if b.WeightSparsifier != nil {
		cfg.WeightSparseness = b.WeightSparsifier.Sparseness.String()
	}
	if len(b.allowedApprox) > 0 {
		cfg.ApproximationFunction = b.Approx.String()
	}
	return cfg
}

// Configure applies the set fields of cfg to the module's ports. Fields
// targeting a port the module does not have are an error, as is an
// approximation function the layer's kernel cannot honor.
func (b *Base) Configure(cfg ModuleConfig) error {
	if b.folded {
		return errors.Errorf("dmxnn: %s is folded and can no longer be configured", b.Instance)
	}
	for i, s := range cfg.InputFormats {
		if s == "" {
			continue
		}
		if i >= len(b.InputCasts) {
			return errors.Errorf("dmxnn: %s has %d inputs, config names input %d",
				b.Instance, len(b.InputCasts), i)
		}
		f, err := numerics.ParseFormat(s)
		if err != nil {
			return err
		}
		b.InputCasts[i].Format = f
	}
	if err := setCast(b.OutputCast, cfg.OutputFormat, b.Instance, "output"); err != nil {
		return err
	}
	if err := setCast(b.AccumCast, cfg.AccumFormat, b.Instance, "accumulator"); err != nil {
		return err
	}
	if err := setCast(b.WeightCast, cfg.WeightFormat, b.Instance, "weight"); err != nil {
		return err
	}
	if err := setCast(b.BiasCast, cfg.BiasFormat, b.Instance, "bias"); err != nil {
		return err
	}
	if cfg.WeightSparseness != "" {
		if b.WeightSparsifier == nil {
			return errors.Errorf("dmxnn: %s has no weight to sparsify", b.Instance)
		}
		sp, err := sparsity.ParseSparseness(cfg.WeightSparseness)
		if err != nil {
			return err
		}
		b.WeightSparsifier.SetSparseness(sp)
	}
	if cfg.ApproximationFunction != "" {
		fn, err := approx.ParseFunction(cfg.ApproximationFunction)
		if err != nil {
			return err
		}
		if !fn.IsNone() && !approxAllowed(b.allowedApprox, fn) {
			return errors.Errorf("dmxnn: %s cannot compute %s", b.Instance, fn)
		}
		b.Approx = fn
	}
	return nil
}

func setCast(c *numerics.CastTo, format, instance, port string) error {
	if format == "" {
		return nil
	}
	if c == nil {
		return errors.Errorf("dmxnn: %s has no %s port", instance, port)
	}
	f, err := numerics.ParseFormat(format)
	if err != nil {
		return err
	}
	c.Format = f
	return nil
}

func approxAllowed(allowed []approx.Function, fn approx.Function) bool {
	for _, a := range allowed {
		if a == fn {
			return true
		}
	}
	return false
}

// swapData substitutes a quantized view into a parameter for the duration
// of a native forward or backward call. The gradient tensor is untouched,
// so accumulation lands on the real parameter either way.
func swapData(p *nn.Param, q *tensor.Dense) func() {
	if p == nil || q == nil || q == p.Data {
		return func() {}
	}
	orig := p.Data
	p.Data = q
	return func() { p.Data = orig }
}

func divideChannels(x *tensor.Dense, scale []float32) (*tensor.Dense, error) {
	data, ok := x.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("dmxnn: expected float32 tensor, got %v", x.Dtype())
	}
	shape := x.Shape()
	cols := shape[len(shape)-1]
	if cols != len(scale) {
		return nil, errors.Errorf("dmxnn: smoothquant scale has %d channels, input has %d",
			len(scale), cols)
	}
	out := make([]float32, len(data))
	for i, v := range data {
		if s := scale[i%cols]; s != 0 {
			out[i] = v / s
		} else {
			out[i] = v
		}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}

// blockDimOf extracts the block dimension of a block format.
func blockDimOf(f numerics.Format) (int, bool) {
	switch ff := f.(type) {
	case numerics.BlockFloatingPoint:
		return ff.BlockDim, true
	case numerics.ScaledBlockFloatingPoint:
		return ff.BlockDim, true
	}
	return 0, false
}

// checkBlockDim verifies a block format runs along one of the allowed
// dimensions, the ones the layer contracts over.
func checkBlockDim(f numerics.Format, allowed []int, instance, what string) error {
	d, ok := blockDimOf(f)
	if !ok {
		return nil
	}
	for _, a := range allowed {
		if d == a {
			return nil
		}
	}
	return errors.Errorf("dmxnn: %s %s format %s blocks along dim %d, want one of %v",
		instance, what, f, d, allowed)
}

// sparseDimOf extracts the pruning dimension of a structured sparseness.
func sparseDimOf(s sparsity.Sparseness) (int, bool) {
	switch ss := s.(type) {
	case sparsity.TopK:
		return ss.Dim, true
	case sparsity.BTopK:
		return ss.Dim, true
	}
	return 0, false
}
