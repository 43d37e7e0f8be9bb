package numerics

import (
	"math"

	"github.com/chewxy/math32"
)

// castValue quantizes a single float32 to the floating-point format. The
// carrier stays float32; the result is exactly representable in the target.
func (f FloatingPoint) castValue(v float32, round func(float64) float64) float32 {
	if v == 0 {
		return 0
	}
	maxVal := float64(f.MaxValue())
	if math32.IsNaN(v) {
		if f.FiniteOnly {
			return float32(maxVal)
		}
		return v
	}
	if math32.IsInf(v, 0) {
		if f.FiniteOnly {
			return math32.Copysign(float32(maxVal), v)
		}
		return v
	}

	abs := math.Abs(float64(v))
	exp := math.Floor(math.Log2(abs))
	minExp := float64(1 - f.bias())
	if exp < minExp {
		// subnormal range: fixed step anchored at the smallest normal
		exp = minExp
	}
	step := math.Exp2(exp - float64(f.Mantissa))
	q := round(abs/step) * step
	if q > maxVal {
		if f.FiniteOnly {
			q = maxVal
		} else {
			return math32.Copysign(math32.Inf(1), v)
		}
	}
	return math32.Copysign(float32(q), v)
}

// castValue quantizes a single float32 to the fixed-point grid. Non-finite
// inputs collapse to the range edges (NaN to zero), since an integer format
// has no way to carry them.
func (f FixedPoint) castValue(v float32, round func(float64) float64) float32 {
	lo, hi := f.intRange()
	scale := math.Exp2(float64(f.Fraction))
	if math32.IsNaN(v) {
		return 0
	}
	var q float64
	if math32.IsInf(v, 1) {
		q = hi
	} else if math32.IsInf(v, -1) {
		q = lo
	} else {
		q = round(float64(v) * scale)
		if f.Clamp {
			q = math.Min(math.Max(q, lo), hi)
		} else if q < lo || q > hi {
			// two's-complement wraparound, as a narrow register would
			span := hi - lo + 1
			q = math.Mod(q-lo, span)
			if q < 0 {
				q += span
			}
			q += lo
		}
	}
	return float32(q / scale)
}
