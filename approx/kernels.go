package approx

import (
	"math"

	"github.com/chewxy/math32"
)

// ln2 converts between the natural and base-2 exponentials in gradients.
const ln2 = 0.6931471805599453

// SoftmaxBase2Forward computes a row-wise softmax with 2^x in place of e^x.
// The max subtraction and renormalization are unchanged, so rows still sum
// to one; only the temperature of the distribution differs from the exact
// softmax.
func SoftmaxBase2Forward(dst, src []float32, rows, cols int) {
	for r := 0; r < rows; r++ {
		in := src[r*cols : (r+1)*cols]
		out := dst[r*cols : (r+1)*cols]
		maxVal := in[0]
		for _, v := range in[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float32
		for i, v := range in {
			e := math32.Exp2(v - maxVal)
			out[i] = e
			sum += e
		}
		inv := 1 / sum
		for i := range out {
			out[i] *= inv
		}
	}
}

// SoftmaxBase2Grad computes the input gradient of the base-2 softmax given
// its output y and the upstream gradient g:
//
//	dx = ln(2) * y * (g - <g, y>)
func SoftmaxBase2Grad(dst, y, grad []float32, rows, cols int) {
	for r := 0; r < rows; r++ {
		yr := y[r*cols : (r+1)*cols]
		gr := grad[r*cols : (r+1)*cols]
		dr := dst[r*cols : (r+1)*cols]
		var dot float32
		for i, gv := range gr {
			dot += gv * yr[i]
		}
		for i := range dr {
			dr[i] = ln2 * yr[i] * (gr[i] - dot)
		}
	}
}

// Clipped-quadratic erf approximation constants (the i-BERT polynomial):
// erf(x) ~= sign(x) * (a*(min(|x|,-b)+b)^2 + 1).
const (
	erfA = -0.2888
	erfB = -1.769
)

func erfPoly(x float32) float32 {
	s := float32(1)
	if x < 0 {
		s = -1
	}
	t := math32.Min(math32.Abs(x), -erfB)
	return s * (erfA*(t+erfB)*(t+erfB) + 1)
}

func erfPolyGrad(x float32) float32 {
	if math32.Abs(x) >= -erfB {
		return 0
	}
	t := math32.Abs(x)
	// d/dx of sign(x)*(a*(t+b)^2+1) with t=|x|: the signs cancel.
	return 2 * erfA * (t + erfB)
}

// GELUPoly2Forward computes gelu(x) = 0.5*x*(1+erf(x/sqrt2)) with the
// quadratic erf segment in place of the transcendental.
func GELUPoly2Forward(dst, src []float32) {
	const invSqrt2 = 0.7071067811865476
	for i, x := range src {
		dst[i] = 0.5 * x * (1 + erfPoly(x*invSqrt2))
	}
}

// GELUPoly2Grad computes dst[i] = grad[i] * d/dx geluPoly2(x[i]).
func GELUPoly2Grad(dst, x, grad []float32) {
	const invSqrt2 = 0.7071067811865476
	for i, xv := range x {
		u := xv * invSqrt2
		d := 0.5*(1+erfPoly(u)) + 0.5*xv*erfPolyGrad(u)*invSqrt2
		dst[i] = grad[i] * d
	}
}

// RSqrt is the Quake III fast inverse square root: one magic-constant bit
// shift followed by two Newton-Raphson refinement steps.
func RSqrt(x float32) float32 {
	if x <= 0 {
		return math32.Inf(1)
	}
	i := math.Float32bits(x)
	i = 0x5f3759df - i>>1
	y := math.Float32frombits(i)
	y = y * (1.5 - 0.5*x*y*y)
	y = y * (1.5 - 0.5*x*y*y)
	return y
}

// LayerNormQuake3Forward normalizes each row of src[rows,cols] using RSqrt
// for the inverse standard deviation, then applies gamma*xhat + beta.
// The per-row mean and approximate inverse standard deviation are written
// to meanOut and invStdOut when non-nil for the backward pass.
func LayerNormQuake3Forward(dst, src, gamma, beta []float32, rows, cols int, eps float32, meanOut, invStdOut []float32) {
	for r := 0; r < rows; r++ {
		in := src[r*cols : (r+1)*cols]
		out := dst[r*cols : (r+1)*cols]

		var mean float32
		for _, v := range in {
			mean += v
		}
		mean /= float32(cols)

		var variance float32
		for _, v := range in {
			d := v - mean
			variance += d * d
		}
		variance /= float32(cols)
		invStd := RSqrt(variance + eps)

		if meanOut != nil {
			meanOut[r] = mean
		}
		if invStdOut != nil {
			invStdOut[r] = invStd
		}

		for i, v := range in {
			norm := (v - mean) * invStd
			if gamma != nil {
				norm = norm*gamma[i] + beta[i]
			}
			out[i] = norm
		}
	}
}
