// Package approx implements hardware-friendly approximations of the
// transcendental layers: a base-2 softmax, a polynomial GELU, and a
// Quake III inverse-square-root layer normalization. Each approximation
// ships with the matching analytic backward pass so approximated models
// stay trainable.
package approx

import (
	"strings"

	"github.com/pkg/errors"
)

// Function names an approximation algorithm for a layer's computation.
// The zero-value None delegates to the exact native computation.
type Function string

const (
	// None selects the exact native computation.
	None Function = "NONE"
	// SoftmaxBase2 replaces e^x with 2^x plus renormalization.
	SoftmaxBase2 Function = "SOFTMAX(base2)"
	// GELUPoly2 replaces the Gaussian CDF with a clipped quadratic.
	GELUPoly2 Function = "GELU(poly2)"
	// LayerNormQuake3 computes 1/sqrt(var) with the Quake III bit trick.
	LayerNormQuake3 Function = "LAYERNORM(quake3)"
)

// ParseFunction validates a function string from a configuration file.
func ParseFunction(s string) (Function, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return None, nil
	}
	switch f := Function(s); f {
	case None, SoftmaxBase2, GELUPoly2, LayerNormQuake3:
		return f, nil
	default:
		return None, errors.Errorf("approx: unknown approximation function %q", s)
	}
}

// IsNone reports whether the function delegates to the native computation.
func (f Function) IsNone() bool { return f == "" || f == None }

func (f Function) String() string {
	if f == "" {
		return string(None)
	}
	return string(f)
}
