package calibration

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/dmx-ai/mltools/dmx"
	dmxnn "github.com/dmx-ai/mltools/dmx/nn"
)

// channelMaxObserver records the absolute maximum per last-dimension
// channel.
type channelMaxObserver struct {
	max []float32
}

func (o *channelMaxObserver) Observe(x *tensor.Dense) {
	data, ok := x.Data().([]float32)
	if !ok {
		return
	}
	shape := x.Shape()
	cols := shape[len(shape)-1]
	for len(o.max) < cols {
		o.max = append(o.max, 0)
	}
	for i, v := range data {
		if v < 0 {
			v = -v
		}
		if j := i % cols; v > o.max[j] {
			o.max[j] = v
		}
	}
}

// AbsMax reports the largest channel range, for the Observer interface.
func (o *channelMaxObserver) AbsMax() float32 {
	var m float32
	for _, v := range o.max {
		if v > m {
			m = v
		}
	}
	return m
}

// SmoothQuant migrates quantization difficulty from activations into the
// weights of every aware linear layer: each input channel j is divided by
// s_j = actMax_j^alpha / wMax_j^(1-alpha) at runtime while the weight
// column j is multiplied by s_j once, keeping the product bit-exact in
// full precision but flattening activation outliers before the input cast.
func SmoothQuant(m *dmx.Model, batches [][]*tensor.Dense, alpha float64) error {
	if alpha <= 0 || alpha >= 1 {
		return errors.Errorf("calibration: smoothquant alpha %v outside (0,1)", alpha)
	}

	linears := make([]*dmxnn.Linear, 0)
	observers := make([]*channelMaxObserver, 0)
	for _, nm := range m.NamedDmxModules() {
		l, ok := nm.Module.(*dmxnn.Linear)
		if !ok {
			continue
		}
		obs := &channelMaxObserver{}
		l.InputObservers = []dmxnn.Observer{obs}
		l.SetCalibrating(true)
		linears = append(linears, l)
		observers = append(observers, obs)
	}
	defer func() {
		for _, l := range linears {
			l.SetCalibrating(false)
			l.InputObservers = nil
		}
	}()
	if len(linears) == 0 {
		return nil
	}

	for i, batch := range batches {
		if _, err := m.Forward(batch...); err != nil {
			return errors.Wrapf(err, "calibration: smoothquant batch %d", i)
		}
	}

	for i, l := range linears {
		actMax := observers[i].max
		if len(actMax) != l.In {
			return errors.Errorf("calibration: observed %d channels on a %d-feature linear",
				len(actMax), l.In)
		}
		w := l.Weight.Data.Data().([]float32)

		scale := make([]float32, l.In)
		for j := 0; j < l.In; j++ {
			var wMax float32
			for o := 0; o < l.Out; o++ {
				v := w[o*l.In+j]
				if v < 0 {
					v = -v
				}
				if v > wMax {
					wMax = v
				}
			}
			if actMax[j] == 0 || wMax == 0 {
				scale[j] = 1
				continue
			}
			s := math32.Pow(actMax[j], float32(alpha)) / math32.Pow(wMax, 1-float32(alpha))
			if s <= 0 || math32.IsInf(s, 0) || math32.IsNaN(s) {
				s = 1
			}
			scale[j] = s
		}

		for o := 0; o < l.Out; o++ {
			for j := 0; j < l.In; j++ {
				w[o*l.In+j] *= scale[j]
			}
		}
		l.SmoothquantScale = scale
	}
	return nil
}
