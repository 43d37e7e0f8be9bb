package calibration

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/dmx"
	dmxnn "github.com/dmx-ai/mltools/dmx/nn"
	"github.com/dmx-ai/mltools/numerics"
)

type weighted interface {
	BaseState() *dmxnn.Base
}

// weightTensor returns the tensor an aware module's weight cast applies to.
func weightTensor(m dmxnn.DmxModule) *tensor.Dense {
	switch l := m.(type) {
	case *dmxnn.Linear:
		return l.Weight.Data
	case *dmxnn.Conv2d:
		return l.Weight.Data
	case *dmxnn.Embedding:
		return l.Weight.Data
	case *dmxnn.LayerNorm:
		return l.Gamma.Data
	}
	return nil
}

// scaleFor maps an observed range to a cast scale. Formats with unbounded
// per-element range (SAME, the block formats) adapt on their own and keep
// a unit scale.
func scaleFor(f numerics.Format, absMax float32) (float32, bool) {
	maxVal := f.MaxValue()
	if math32.IsInf(maxVal, 1) || absMax <= 0 {
		return 0, false
	}
	return absMax / maxVal, true
}

// CalibrateWeights sets a per-tensor scale on every finite-range weight
// cast from the stored weight's absolute maximum. No data needed: weights
// are static.
func CalibrateWeights(m *dmx.Model) error {
	for _, nm := range m.NamedDmxModules() {
		w, ok := nm.Module.(weighted)
		if !ok {
			continue
		}
		base := w.BaseState()
		if base.WeightCast == nil {
			continue
		}
		wt := weightTensor(nm.Module)
		if wt == nil {
			continue
		}
		obs := NewMinMaxObserver()
		obs.Observe(wt)
		if s, ok := scaleFor(base.WeightCast.Format, obs.AbsMax()); ok {
			base.WeightCast.Scale = s
		}
	}
	return nil
}

// CalibrateActivations streams batches through the model with port casts
// disabled, observes every finite-range input and output port, and commits
// the resulting scales. newObserver builds one observer per port;
// NewMinMaxObserver is the usual choice.
func CalibrateActivations(m *dmx.Model, batches [][]*tensor.Dense, newObserver func() Observer) error {
	if newObserver == nil {
		newObserver = func() Observer { return NewMinMaxObserver() }
	}

	type port struct {
		cast *numerics.CastTo
		obs  Observer
	}
	var ports []port

	var bases []*dmxnn.Base
	for _, nm := range m.NamedDmxModules() {
		w, ok := nm.Module.(weighted)
		if !ok {
			continue
		}
		base := w.BaseState()
		bases = append(bases, base)

		base.InputObservers = make([]dmxnn.Observer, len(base.InputCasts))
		for i, c := range base.InputCasts {
			if _, finite := scaleFor(c.Format, 1); !finite {
				continue
			}
			o := newObserver()
			base.InputObservers[i] = o
			ports = append(ports, port{c, o})
		}
		if base.OutputCast != nil {
			if _, finite := scaleFor(base.OutputCast.Format, 1); finite {
				o := newObserver()
				base.OutputObserver = o
				ports = append(ports, port{base.OutputCast, o})
			}
		}
		base.SetCalibrating(true)
	}
	defer func() {
		for _, base := range bases {
			base.SetCalibrating(false)
			base.InputObservers = nil
			base.OutputObserver = nil
		}
	}()

	for i, batch := range batches {
		if _, err := m.Forward(batch...); err != nil {
			return errors.Wrapf(err, "calibration: batch %d", i)
		}
	}

	for _, p := range ports {
		if s, ok := scaleFor(p.cast.Format, p.obs.AbsMax()); ok {
			p.cast.Scale = s
		}
	}
	return nil
}
