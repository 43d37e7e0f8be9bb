package numerics

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// CastTo is the stateful fake-quantization operator attached to every port
// of a dmx-aware module. It owns a target Format, an optional calibrated
// scale, and an enabled flag. Forward produces a float32 tensor whose values
// are representable in the target format; Backward is a straight-through
// estimator.
type CastTo struct {
	Format Format
	// Scale is a calibrated per-tensor scale: values are divided by it
	// before the cast and multiplied back after. Zero means uncalibrated.
	Scale float32
	// ChannelScale is an optional per-channel scale along the last tensor
	// dimension, used when per-tensor scaling is too coarse.
	ChannelScale []float32
	// Disabled bypasses the cast entirely, e.g. while observers collect
	// calibration statistics.
	Disabled bool
}

// NewCastTo returns a cast operator for the given format with no scale.
func NewCastTo(f Format) *CastTo {
	return &CastTo{Format: f}
}

// CastToFromString parses s and wraps it in a CastTo.
func CastToFromString(s string) (*CastTo, error) {
	f, err := ParseFormat(s)
	if err != nil {
		return nil, err
	}
	return NewCastTo(f), nil
}

// IsSame reports whether the cast is the identity format.
func (c *CastTo) IsSame() bool {
	_, ok := c.Format.(Same)
	return ok
}

// Forward fake-quantizes x. The SAME format and disabled casts return the
// input tensor itself without allocating; every other format returns a new
// tensor of identical shape.
func (c *CastTo) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	if c == nil || c.Disabled || c.IsSame() {
		return x, nil
	}
	src, ok := x.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("numerics: cast requires a float32 tensor, got %v", x.Dtype())
	}
	shape := x.Shape()
	data := make([]float32, len(src))
	copy(data, src)

	c.divideScale(data, shape)
	if err := c.apply(data, shape); err != nil {
		return nil, err
	}
	c.multiplyScale(data, shape)

	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}

// Backward passes the upstream gradient through unchanged (straight-through
// estimator): the quantization grid is treated as identity for gradients.
func (c *CastTo) Backward(upstream *tensor.Dense) *tensor.Dense {
	return upstream
}

// apply runs the format kernel over data in place.
func (c *CastTo) apply(data []float32, shape []int) error {
	switch f := c.Format.(type) {
	case Same:
		return nil
	case FloatingPoint:
		round := f.Rounding.rounder()
		for i, v := range data {
			data[i] = f.castValue(v, round)
		}
		return nil
	case FixedPoint:
		round := f.Rounding.rounder()
		for i, v := range data {
			data[i] = f.castValue(v, round)
		}
		return nil
	case BlockFloatingPoint:
		return f.castTensor(data, shape)
	case ScaledBlockFloatingPoint:
		return f.castTensor(data, shape)
	default:
		return errors.Errorf("numerics: unsupported format %T", c.Format)
	}
}

func (c *CastTo) divideScale(data []float32, shape []int) {
	if c.Scale > 0 && c.Scale != 1 {
		inv := 1 / c.Scale
		for i := range data {
			data[i] *= inv
		}
	}
	if len(c.ChannelScale) > 0 {
		cols := shape[len(shape)-1]
		if cols == len(c.ChannelScale) {
			for i := range data {
				if s := c.ChannelScale[i%cols]; s > 0 {
					data[i] /= s
				}
			}
		}
	}
}

func (c *CastTo) multiplyScale(data []float32, shape []int) {
	if c.Scale > 0 && c.Scale != 1 {
		for i := range data {
			data[i] *= c.Scale
		}
	}
	if len(c.ChannelScale) > 0 {
		cols := shape[len(shape)-1]
		if cols == len(c.ChannelScale) {
			for i := range data {
				if s := c.ChannelScale[i%cols]; s > 0 {
					data[i] *= s
				}
			}
		}
	}
}
