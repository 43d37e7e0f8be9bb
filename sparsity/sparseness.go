// Package sparsity implements structured weight sparsity as a stateful,
// mutable mask overlay on parameter tensors.
//
// Sparseness patterns are described textually so they round-trip through
// configuration files:
//
//	DENSE         no masking
//	TOPK{r,d}     keep the top r fraction by score along dimension d
//	BTOPK{n:m,d}  in every m-element block along dimension d, keep the n
//	              largest by score (N:M semi-structured sparsity)
//	BERN{r}       Bernoulli sampling with keep probabilities derived from
//	              scores, r expected density
package sparsity

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Sparseness is a structured sparsity pattern.
type Sparseness interface {
	String() string
	// TargetDensity is the fraction of weights the pattern aims to keep.
	TargetDensity() float64
	sparseness()
}

// Dense is the no-op pattern: no mask is ever materialized.
type Dense struct{}

func (Dense) String() string         { return "DENSE" }
func (Dense) TargetDensity() float64 { return 1 }
func (Dense) sparseness()            {}

// TopK keeps the top Ratio fraction of weights by score along Dim
// (negative Dim counts from the end).
type TopK struct {
	Ratio float64
	Dim   int
}

func (s TopK) String() string {
	return "TOPK{" + formatRatio(s.Ratio) + "," + strconv.Itoa(s.Dim) + "}"
}
func (s TopK) TargetDensity() float64 { return s.Ratio }
func (TopK) sparseness()              {}

// BTopK keeps the N highest-scoring weights in every M-element block along
// Dim. N:M sparsity is the shape accelerator hardware prunes to.
type BTopK struct {
	N, M int
	Dim  int
}

func (s BTopK) String() string {
	return "BTOPK{" + strconv.Itoa(s.N) + ":" + strconv.Itoa(s.M) + "," + strconv.Itoa(s.Dim) + "}"
}
func (s BTopK) TargetDensity() float64 { return float64(s.N) / float64(s.M) }
func (BTopK) sparseness()              {}

// Bernoulli keeps each weight independently with a probability proportional
// to its score, normalized so the expected density is Ratio.
type Bernoulli struct {
	Ratio float64
}

func (s Bernoulli) String() string         { return "BERN{" + formatRatio(s.Ratio) + "}" }
func (s Bernoulli) TargetDensity() float64 { return s.Ratio }
func (Bernoulli) sparseness()              {}

func formatRatio(r float64) string {
	return strconv.FormatFloat(r, 'f', 2, 64)
}

var (
	topkRe  = regexp.MustCompile(`^TOPK\{(0?\.\d+|1\.00|[01](?:\.\d+)?),(-?\d+)\}$`)
	btopkRe = regexp.MustCompile(`^BTOPK\{(\d+):(\d+),(-?\d+)\}$`)
	bernRe  = regexp.MustCompile(`^BERN\{(0?\.\d+|[01](?:\.\d+)?)\}$`)
)

// ParseSparseness parses the textual pattern language.
func ParseSparseness(s string) (Sparseness, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "DENSE" {
		return Dense{}, nil
	}
	if m := topkRe.FindStringSubmatch(s); m != nil {
		r, _ := strconv.ParseFloat(m[1], 64)
		d, _ := strconv.Atoi(m[2])
		if r <= 0 || r > 1 {
			return nil, errors.Errorf("sparsity: TOPK ratio must be in (0,1], got %q", s)
		}
		return TopK{Ratio: r, Dim: d}, nil
	}
	if m := btopkRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if mm < 1 || n < 1 || n > mm {
			return nil, errors.Errorf("sparsity: BTOPK needs 1 <= n <= m, got %q", s)
		}
		return BTopK{N: n, M: mm, Dim: d}, nil
	}
	if m := bernRe.FindStringSubmatch(s); m != nil {
		r, _ := strconv.ParseFloat(m[1], 64)
		if r <= 0 || r > 1 {
			return nil, errors.Errorf("sparsity: BERN ratio must be in (0,1], got %q", s)
		}
		return Bernoulli{Ratio: r}, nil
	}
	return nil, errors.Errorf("sparsity: unparseable sparseness %q", s)
}

// MustParseSparseness is ParseSparseness for compile-time-constant strings.
func MustParseSparseness(s string) Sparseness {
	sp, err := ParseSparseness(s)
	if err != nil {
		panic(err)
	}
	return sp
}
