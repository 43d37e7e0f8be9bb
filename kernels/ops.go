// Package kernels provides the scalar float32 compute kernels shared by the
// native layers and their dmx-aware counterparts.
//
// All kernels operate on flat []float32 buffers with explicit dimensions and
// write into caller-provided destination slices, so the layer code above them
// controls allocation. Row-major layout throughout.
package kernels

import (
	"github.com/chewxy/math32"
)

// MatMul computes dst[m,n] = a[m,k] * b[k,n].
func MatMul(dst, a, b []float32, m, k, n int) {
	for i := 0; i < m; i++ {
		row := dst[i*n : (i+1)*n]
		for x := range row {
			row[x] = 0
		}
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			brow := b[p*n : (p+1)*n]
			for j, bv := range brow {
				row[j] += av * bv
			}
		}
	}
}

// MatMulNT computes dst[m,n] = a[m,k] * bt[n,k]^T.
// This is the natural layout for Linear layers, whose weight is stored
// as [outFeatures, inFeatures].
func MatMulNT(dst, a, bt []float32, m, k, n int) {
	for i := 0; i < m; i++ {
		arow := a[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			brow := bt[j*k : (j+1)*k]
			var acc float32
			for p, av := range arow {
				acc += av * brow[p]
			}
			dst[i*n+j] = acc
		}
	}
}

// MatMulTN computes dst[k,n] = a[m,k]^T * b[m,n].
// Used for weight gradients: dW^T = x^T * grad.
func MatMulTN(dst, a, b []float32, m, k, n int) {
	for i := range dst[:k*n] {
		dst[i] = 0
	}
	for p := 0; p < m; p++ {
		arow := a[p*k : (p+1)*k]
		brow := b[p*n : (p+1)*n]
		for i, av := range arow {
			if av == 0 {
				continue
			}
			row := dst[i*n : (i+1)*n]
			for j, bv := range brow {
				row[j] += av * bv
			}
		}
	}
}

// Transpose2D writes the [cols,rows] transpose of src[rows,cols] into dst.
func Transpose2D(dst, src []float32, rows, cols int) {
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst[j*rows+i] = src[i*cols+j]
		}
	}
}

// AddBias adds bias[cols] to every row of dst[rows,cols] in place.
func AddBias(dst, bias []float32, rows, cols int) {
	for i := 0; i < rows; i++ {
		row := dst[i*cols : (i+1)*cols]
		for j := range row {
			row[j] += bias[j]
		}
	}
}

// BiasGrad accumulates the column sums of grad[rows,cols] into dst[cols].
func BiasGrad(dst, grad []float32, rows, cols int) {
	for i := 0; i < rows; i++ {
		row := grad[i*cols : (i+1)*cols]
		for j, g := range row {
			dst[j] += g
		}
	}
}

// Dot returns the inner product of a and b.
func Dot(a, b []float32) float32 {
	var acc float32
	for i, av := range a {
		acc += av * b[i]
	}
	return acc
}

// Axpy computes dst[i] += alpha * x[i].
func Axpy(dst []float32, alpha float32, x []float32) {
	for i, xv := range x {
		dst[i] += alpha * xv
	}
}

// Scale multiplies every element of dst by alpha in place.
func Scale(dst []float32, alpha float32) {
	for i := range dst {
		dst[i] *= alpha
	}
}

// Hadamard computes dst[i] = a[i] * b[i].
func Hadamard(dst, a, b []float32) {
	for i, av := range a {
		dst[i] = av * b[i]
	}
}

// Add computes dst[i] = a[i] + b[i].
func Add(dst, a, b []float32) {
	for i, av := range a {
		dst[i] = av + b[i]
	}
}

// AbsMax returns the largest absolute value in x, 0 for empty input.
func AbsMax(x []float32) float32 {
	var m float32
	for _, v := range x {
		a := math32.Abs(v)
		if a > m {
			m = a
		}
	}
	return m
}

// Softmax computes a numerically stable row-wise softmax of src[rows,cols]
// into dst. The max subtraction prevents overflow in the exponential.
func Softmax(dst, src []float32, rows, cols int) {
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
			e := math32.Exp(v - maxVal)
			out[i] = e
			sum += e
		}
		inv := 1 / sum
		for i := range out {
			out[i] *= inv
		}
	}
}

// SoftmaxGrad computes the row-wise softmax input gradient
//
//	dx = scale * y * (g - <g, y>)
//
// given the softmax output y and upstream gradient g. scale is 1 for the
// natural-base softmax and ln(2) for the base-2 variant.
func SoftmaxGrad(dst, y, grad []float32, rows, cols int, scale float32) {
	for r := 0; r < rows; r++ {
		yr := y[r*cols : (r+1)*cols]
		gr := grad[r*cols : (r+1)*cols]
		dr := dst[r*cols : (r+1)*cols]
		var dot float32
		for i, gv := range gr {
			dot += gv * yr[i]
		}
		for i := range dr {
			dr[i] = scale * yr[i] * (gr[i] - dot)
		}
	}
}

// LayerNorm normalizes each row of src[rows,cols] to zero mean and unit
// variance, then applies the affine transform gamma*x + beta. The per-row
// mean and inverse standard deviation are written to meanOut and invStdOut
// when non-nil so the backward pass can reuse them.
func LayerNorm(dst, src, gamma, beta []float32, rows, cols int, eps float32, meanOut, invStdOut []float32) {
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
		invStd := 1 / math32.Sqrt(variance+eps)

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

// LayerNormGrad computes the layer normalization backward pass. x is the
// original input, mean and invStd are the statistics saved by LayerNorm.
// dGamma and dBeta are accumulated into (not overwritten); dx is overwritten.
func LayerNormGrad(dx, dGamma, dBeta, x, gamma, grad, mean, invStd []float32, rows, cols int) {
	for r := 0; r < rows; r++ {
		xr := x[r*cols : (r+1)*cols]
		gr := grad[r*cols : (r+1)*cols]
		dr := dx[r*cols : (r+1)*cols]
		mu := mean[r]
		is := invStd[r]

		// xhat and the two reduction terms of the closed-form gradient.
		var sumG, sumGX float32
		for i, g := range gr {
			xhat := (xr[i] - mu) * is
			gg := g
			if gamma != nil {
				gg *= gamma[i]
			}
			sumG += gg
			sumGX += gg * xhat
			if dGamma != nil {
				dGamma[i] += g * xhat
			}
			if dBeta != nil {
				dBeta[i] += g
			}
		}
		n := float32(cols)
		for i, g := range gr {
			xhat := (xr[i] - mu) * is
			gg := g
			if gamma != nil {
				gg *= gamma[i]
			}
			dr[i] = is * (gg - sumG/n - xhat*sumGX/n)
		}
	}
}

// GELU computes the exact Gaussian error linear unit 0.5*x*(1+erf(x/sqrt(2))).
func GELU(dst, src []float32) {
	const invSqrt2 = 0.7071067811865476
	for i, x := range src {
		dst[i] = 0.5 * x * (1 + math32.Erf(x*invSqrt2))
	}
}

// GELUGrad computes dst[i] = grad[i] * d/dx gelu(x[i]).
func GELUGrad(dst, x, grad []float32) {
	const (
		invSqrt2   = 0.7071067811865476
		invSqrt2Pi = 0.3989422804014327
	)
	for i, xv := range x {
		cdf := 0.5 * (1 + math32.Erf(xv*invSqrt2))
		pdf := invSqrt2Pi * math32.Exp(-0.5*xv*xv)
		dst[i] = grad[i] * (cdf + xv*pdf)
	}
}

// ReLU computes dst[i] = max(0, src[i]).
func ReLU(dst, src []float32) {
	for i, v := range src {
		if v > 0 {
			dst[i] = v
		} else {
			dst[i] = 0
		}
	}
}

// ReLUGrad computes dst[i] = grad[i] where x[i] > 0, else 0.
func ReLUGrad(dst, x, grad []float32) {
	for i, v := range x {
		if v > 0 {
			dst[i] = grad[i]
		} else {
			dst[i] = 0
		}
	}
}
