package calibration

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	dmxnn "github.com/dmx-ai/mltools/dmx/nn"
	"github.com/dmx-ai/mltools/numerics"
)

// OBCOptions tunes optimal brain compression of a linear layer.
type OBCOptions struct {
	// Damping is the fraction of the mean Hessian diagonal added back to
	// the diagonal before inversion. Defaults to 0.01.
	Damping float64
	// PruneN/PruneM request joint N:M pruning: within each group of PruneM
	// input channels only PruneN survive. Zero disables pruning.
	PruneN, PruneM int
}

// OptimalBrainCompress quantizes (and optionally prunes) the weight of an
// aware linear layer column by column, propagating each column's rounding
// error into the not-yet-quantized columns through the inverse Hessian of
// the layer's inputs. The quantized values are written into the stored
// weight; the layer's own weight cast reproduces them bit-exactly at
// runtime because element formats are idempotent.
//
// activations are calibration inputs of shape [..., in]; the second-order
// statistics come from them alone, no labels needed.
func OptimalBrainCompress(l *dmxnn.Linear, activations []*tensor.Dense, opts OBCOptions) error {
	if l.Folded() {
		return errors.New("calibration: cannot compress a folded layer")
	}
	if _, blocked := blockFormat(l.WeightCast.Format); blocked {
		return errors.New("calibration: obc needs an element-wise weight format, not a block format")
	}
	if opts.PruneM > 0 && (opts.PruneN <= 0 || opts.PruneN > opts.PruneM || l.In%opts.PruneM != 0) {
		return errors.Errorf("calibration: bad %d:%d pruning for %d input features",
			opts.PruneN, opts.PruneM, l.In)
	}
	damping := opts.Damping
	if damping <= 0 {
		damping = 0.01
	}

	hinv, err := inverseHessian(activations, l.In, damping)
	if err != nil {
		return err
	}

	w := l.Weight.Data.Data().([]float32)
	quantize := columnQuantizer(l.WeightCast)

	for j := 0; j < l.In; j++ {
		d := hinv.At(j, j)

		for o := 0; o < l.Out; o++ {
			// at each pruning-group boundary, pick the survivors for this
			// row by hessian-weighted saliency
			if opts.PruneM > 0 && j%opts.PruneM == 0 {
				keep := groupSurvivors(w, hinv, o, j, l.In, opts.PruneN, opts.PruneM)
				applyGroupMask(w, o, j, l.In, keep)
			}
			v := w[o*l.In+j]
			q := quantize(v)
			errTerm := (float64(v) - float64(q)) / d
			w[o*l.In+j] = q
			for k := j + 1; k < l.In; k++ {
				w[o*l.In+k] -= float32(errTerm * hinv.At(j, k))
			}
		}
	}
	if l.WeightSparsifier != nil {
		l.WeightSparsifier.MarkDirty()
	}
	return nil
}

// inverseHessian builds (2/n) X^T X + damp*I and inverts it.
func inverseHessian(activations []*tensor.Dense, in int, damping float64) (*mat.Dense, error) {
	h := mat.NewSymDense(in, nil)
	rows := 0
	for _, a := range activations {
		data, ok := a.Data().([]float32)
		if !ok {
			return nil, errors.Errorf("calibration: activation tensor is %v, want float32", a.Dtype())
		}
		shape := a.Shape()
		if shape[len(shape)-1] != in {
			return nil, errors.Errorf("calibration: activation has %d features, layer wants %d",
				shape[len(shape)-1], in)
		}
		n := len(data) / in
		for r := 0; r < n; r++ {
			row := data[r*in : (r+1)*in]
			for i := 0; i < in; i++ {
				for k := i; k < in; k++ {
					h.SetSym(i, k, h.At(i, k)+2*float64(row[i])*float64(row[k]))
				}
			}
		}
		rows += n
	}
	if rows == 0 {
		return nil, errors.New("calibration: no activation rows for the hessian")
	}

	var meanDiag float64
	for i := 0; i < in; i++ {
		meanDiag += h.At(i, i)
	}
	meanDiag /= float64(in * rows)
	for i := 0; i < in; i++ {
		h.SetSym(i, i, h.At(i, i)/float64(rows)+damping*meanDiag)
		for k := i + 1; k < in; k++ {
			h.SetSym(i, k, h.At(i, k)/float64(rows))
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(h) {
		return nil, errors.New("calibration: hessian is not positive definite, raise damping")
	}
	var hinvSym mat.SymDense
	if err := chol.InverseTo(&hinvSym); err != nil {
		return nil, errors.Wrap(err, "calibration: inverting hessian")
	}
	hinv := mat.NewDense(in, in, nil)
	hinv.Copy(&hinvSym)
	return hinv, nil
}

// columnQuantizer returns a scalar fake-quantizer backed by the cast's
// format and scale.
func columnQuantizer(c *numerics.CastTo) func(float32) float32 {
	buf := tensor.New(tensor.WithShape(1), tensor.WithBacking(make([]float32, 1)))
	return func(v float32) float32 {
		buf.Data().([]float32)[0] = v
		out, err := c.Forward(buf)
		if err != nil {
			return v
		}
		return out.Data().([]float32)[0]
	}
}

// groupSurvivors ranks the M columns of the group starting at j for output
// row o by w^2 / hinv_jj and keeps the N best.
func groupSurvivors(w []float32, hinv *mat.Dense, o, j, in, n, m int) []bool {
	type cand struct {
		idx      int
		saliency float64
	}
	cands := make([]cand, m)
	for t := 0; t < m; t++ {
		v := float64(w[o*in+j+t])
		cands[t] = cand{t, v * v / hinv.At(j+t, j+t)}
	}
	// selection of the n largest, m is small
	keep := make([]bool, m)
	for picked := 0; picked < n; picked++ {
		best := -1
		for t := range cands {
			if keep[t] {
				continue
			}
			if best == -1 || cands[t].saliency > cands[best].saliency {
				best = t
			}
		}
		keep[best] = true
	}
	return keep
}

// applyGroupMask zeroes the pruned columns of the group for row o.
func applyGroupMask(w []float32, o, j, in int, keep []bool) {
	for t, k := range keep {
		if !k {
			w[o*in+j+t] = 0
		}
	}
}

func blockFormat(f numerics.Format) (numerics.Format, bool) {
	switch f.(type) {
	case numerics.BlockFloatingPoint, numerics.ScaledBlockFloatingPoint:
		return f, true
	}
	return f, false
}
