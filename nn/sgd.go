package nn

// SGD is a plain stochastic gradient descent step with optional momentum,
// enough to prove transformed models remain optimizer-compatible.
type SGD struct {
	LR       float32
	Momentum float32

	velocity map[*Param][]float32
}

// NewSGD builds an optimizer.
func NewSGD(lr, momentum float32) *SGD {
	return &SGD{LR: lr, Momentum: momentum, velocity: make(map[*Param][]float32)}
}

// Step applies one update to every parameter with an accumulated gradient.
func (o *SGD) Step(params []*Param) {
	for _, p := range params {
		if p == nil || !p.RequiresGrad || p.Grad == nil {
			continue
		}
		w := p.Data.Data().([]float32)
		g := p.Grad.Data().([]float32)
		if o.Momentum > 0 {
			v, ok := o.velocity[p]
			if !ok {
				v = make([]float32, len(w))
				o.velocity[p] = v
			}
			for i := range w {
				v[i] = o.Momentum*v[i] + g[i]
				w[i] -= o.LR * v[i]
			}
		} else {
			for i := range w {
				w[i] -= o.LR * g[i]
			}
		}
	}
}

// ZeroGrad clears the gradients of all params.
func ZeroGrad(params []*Param) {
	for _, p := range params {
		if p != nil {
			p.ZeroGrad()
		}
	}
}
