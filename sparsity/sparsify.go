package sparsity

import (
	"sort"
	"sync"
	"time"

	"github.com/chewxy/math32"
	rng "github.com/leesper/go_rng"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ScoreFunc maps a weight buffer to a same-length score buffer. Higher
// scores survive pruning.
type ScoreFunc func(w []float32) []float32

// MagnitudeScore is the default score: the absolute weight value.
func MagnitudeScore(w []float32) []float32 {
	s := make([]float32, len(w))
	for i, v := range w {
		s[i] = math32.Abs(v)
	}
	return s
}

var (
	rngMu      sync.Mutex
	uniformRNG = rng.NewUniformGenerator(time.Now().UnixNano())
)

// Seed reseeds the package RNG used by Bernoulli masks.
func Seed(seed int64) {
	rngMu.Lock()
	uniformRNG = rng.NewUniformGenerator(seed)
	rngMu.Unlock()
}

func randFloat64() float64 {
	rngMu.Lock()
	v := uniformRNG.Float64()
	rngMu.Unlock()
	return v
}

// Sparsify is the stateful pruning overlay attached to a weight parameter.
// It owns the current 0/1 mask, the sparseness pattern, and the score
// function. The mask is computed lazily on first use and recomputed when
// marked dirty, so pruning decisions persist across forward passes until
// explicitly refreshed.
type Sparsify struct {
	Sparseness Sparseness
	Score      ScoreFunc

	mask  *tensor.Dense
	dirty bool
}

// NewSparsify returns an overlay for the given pattern with magnitude
// scoring.
func NewSparsify(s Sparseness) *Sparsify {
	return &Sparsify{Sparseness: s, Score: MagnitudeScore, dirty: true}
}

// SparsifyFromString parses the pattern and wraps it in a Sparsify.
func SparsifyFromString(s string) (*Sparsify, error) {
	sp, err := ParseSparseness(s)
	if err != nil {
		return nil, err
	}
	return NewSparsify(sp), nil
}

// IsDense reports whether the overlay is the no-op pattern.
func (s *Sparsify) IsDense() bool {
	if s == nil || s.Sparseness == nil {
		return true
	}
	_, ok := s.Sparseness.(Dense)
	return ok
}

// Mask returns the current mask tensor, nil for DENSE or before the first
// forward pass.
func (s *Sparsify) Mask() *tensor.Dense { return s.mask }

// MarkDirty forces mask recomputation on the next forward pass, e.g. after
// an optimizer step changed the weights.
func (s *Sparsify) MarkDirty() { s.dirty = true }

// SetSparseness swaps the pattern and invalidates the mask.
func (s *Sparsify) SetSparseness(sp Sparseness) {
	s.Sparseness = sp
	s.mask = nil
	s.dirty = true
}

// UpdateMask recomputes the mask from the current weight scores.
func (s *Sparsify) UpdateMask(w *tensor.Dense) error {
	if s.IsDense() {
		s.mask = nil
		s.dirty = false
		return nil
	}
	data, ok := w.Data().([]float32)
	if !ok {
		return errors.Errorf("sparsity: mask requires a float32 tensor, got %v", w.Dtype())
	}
	score := s.Score
	if score == nil {
		score = MagnitudeScore
	}
	scores := score(data)
	mask := make([]float32, len(data))
	shape := []int(w.Shape())

	var err error
	switch sp := s.Sparseness.(type) {
	case TopK:
		err = topKMask(mask, scores, shape, sp)
	case BTopK:
		err = bTopKMask(mask, scores, shape, sp)
	case Bernoulli:
		bernoulliMask(mask, scores, sp.Ratio)
	default:
		err = errors.Errorf("sparsity: unsupported sparseness %T", s.Sparseness)
	}
	if err != nil {
		return err
	}
	s.mask = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(mask))
	s.dirty = false
	return nil
}

// Forward multiplies the weight by the mask elementwise, computing the mask
// first if it is missing or stale. DENSE is a zero-cost pass-through.
func (s *Sparsify) Forward(w *tensor.Dense) (*tensor.Dense, error) {
	if s.IsDense() {
		return w, nil
	}
	if s.mask == nil || s.dirty {
		if err := s.UpdateMask(w); err != nil {
			return nil, err
		}
	}
	if !s.mask.Shape().Eq(w.Shape()) {
		return nil, errors.Errorf("sparsity: mask shape %v does not match weight shape %v",
			s.mask.Shape(), w.Shape())
	}
	src := w.Data().([]float32)
	m := s.mask.Data().([]float32)
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = v * m[i]
	}
	return tensor.New(tensor.WithShape(w.Shape()...), tensor.WithBacking(out)), nil
}

// Backward passes the upstream gradient through unchanged. The mask is
// deliberately not applied: pruned weights keep receiving gradient so they
// can revive during sparse training.
func (s *Sparsify) Backward(upstream *tensor.Dense) *tensor.Dense {
	return upstream
}

// Density returns the realized density of the current mask, 1 if no mask is
// materialized.
func (s *Sparsify) Density() float64 {
	if s.mask == nil {
		return 1
	}
	m := s.mask.Data().([]float32)
	if len(m) == 0 {
		return 1
	}
	var kept int
	for _, v := range m {
		if v != 0 {
			kept++
		}
	}
	return float64(kept) / float64(len(m))
}

func resolveDim(shape []int, dim int) (outer, n, inner int, err error) {
	d := dim
	if d < 0 {
		d += len(shape)
	}
	if d < 0 || d >= len(shape) {
		return 0, 0, 0, errors.Errorf("sparsity: dimension %d out of range for shape %v", dim, shape)
	}
	outer, inner = 1, 1
	for i := 0; i < d; i++ {
		outer *= shape[i]
	}
	for i := d + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, shape[d], inner, nil
}

func forEachLine(shape []int, dim int, visit func(at func(k int) int, n int)) error {
	outer, n, inner, err := resolveDim(shape, dim)
	if err != nil {
		return err
	}
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			base := o*n*inner + i
			visit(func(k int) int { return base + k*inner }, n)
		}
	}
	return nil
}

func topKMask(mask, scores []float32, shape []int, sp TopK) error {
	return forEachLine(shape, sp.Dim, func(at func(int) int, n int) {
		keep := int(math32.Ceil(float32(sp.Ratio) * float32(n)))
		if keep >= n {
			for k := 0; k < n; k++ {
				mask[at(k)] = 1
			}
			return
		}
		order := make([]int, n)
		for k := range order {
			order[k] = k
		}
		sort.Slice(order, func(a, b int) bool {
			return scores[at(order[a])] > scores[at(order[b])]
		})
		for _, k := range order[:keep] {
			mask[at(k)] = 1
		}
	})
}

func bTopKMask(mask, scores []float32, shape []int, sp BTopK) error {
	d := sp.Dim
	if d < 0 {
		d += len(shape)
	}
	if d >= 0 && d < len(shape) && shape[d]%sp.M != 0 {
		return errors.Errorf("sparsity: BTOPK needs dimension %d (size %d) divisible by %d",
			sp.Dim, shape[d], sp.M)
	}
	return forEachLine(shape, sp.Dim, func(at func(int) int, n int) {
		order := make([]int, sp.M)
		for start := 0; start < n; start += sp.M {
			for k := range order {
				order[k] = start + k
			}
			sort.Slice(order, func(a, b int) bool {
				return scores[at(order[a])] > scores[at(order[b])]
			})
			for _, k := range order[:sp.N] {
				mask[at(k)] = 1
			}
		}
	})
}

func bernoulliMask(mask, scores []float32, ratio float64) {
	var sum float64
	for _, v := range scores {
		sum += float64(v)
	}
	if sum == 0 {
		// all scores zero: fall back to uniform keep probability
		for i := range mask {
			if randFloat64() < ratio {
				mask[i] = 1
			}
		}
		return
	}
	mean := sum / float64(len(scores))
	for i, v := range scores {
		p := ratio * float64(v) / mean
		if p > 1 {
			p = 1
		}
		if randFloat64() < p {
			mask[i] = 1
		}
	}
}
