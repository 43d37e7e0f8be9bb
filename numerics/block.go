package numerics

import (
	"math"

	"github.com/pkg/errors"
)

// resolveDim maps a possibly negative block dimension onto shape, returning
// the outer count, line length and inner stride for line-wise iteration.
func resolveDim(shape []int, dim int) (outer, n, inner int, err error) {
	d := dim
	if d < 0 {
		d += len(shape)
	}
	if d < 0 || d >= len(shape) {
		return 0, 0, 0, errors.Errorf("numerics: block dimension %d out of range for shape %v", dim, shape)
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

// forEachLine visits every 1-D line of data running along the resolved
// dimension, handing the visitor an index function over the n line elements.
func forEachLine(data []float32, shape []int, dim int, visit func(at func(k int) int, n int)) error {
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

// castTensor applies block floating point in place. Each block shares an
// exponent derived from its absolute maximum; a final partial block simply
// covers the tail. Zero blocks stay zero at the minimum exponent.
func (f BlockFloatingPoint) castTensor(data []float32, shape []int) error {
	round := f.Rounding.rounder()
	mantHi := math.Exp2(float64(f.Mantissa-1)) - 1
	// symmetric clamp: letting the most negative two's-complement code
	// through would bump the block absmax past 2^(exp+1) and shift the
	// shared exponent on recast
	mantLo := -mantHi
	expHi := float64(int(1)<<uint(f.ExponentBits-1)) - 1
	expLo := -float64(int(1) << uint(f.ExponentBits-1))

	return forEachLine(data, shape, f.BlockDim, func(at func(int) int, n int) {
		for start := 0; start < n; start += f.BlockSize {
			end := start + f.BlockSize
			if end > n {
				end = n
			}
			var absMax float64
			for k := start; k < end; k++ {
				a := math.Abs(float64(data[at(k)]))
				if a > absMax {
					absMax = a
				}
			}
			if absMax == 0 {
				continue
			}
			exp := math.Floor(math.Log2(absMax))
			exp = math.Min(math.Max(exp, expLo), expHi)
			// mantissa grid relative to the shared exponent; the +2 places
			// the block max inside the signed m-bit range
			step := math.Exp2(exp - float64(f.Mantissa) + 2)
			for k := start; k < end; k++ {
				idx := at(k)
				q := round(float64(data[idx]) / step)
				q = math.Min(math.Max(q, mantLo), mantHi)
				data[idx] = float32(q * step)
			}
		}
	})
}

// castTensor applies scaled block floating point in place: a low-precision
// float scale per block times clamped integer mantissas.
func (f ScaledBlockFloatingPoint) castTensor(data []float32, shape []int) error {
	sf := f.scaleFormat()
	sfRound := sf.Rounding.rounder()
	mantMax := math.Exp2(float64(f.Mantissa-1)) - 1

	return forEachLine(data, shape, f.BlockDim, func(at func(int) int, n int) {
		for start := 0; start < n; start += f.BlockSize {
			end := start + f.BlockSize
			if end > n {
				end = n
			}
			var absMax float64
			for k := start; k < end; k++ {
				a := math.Abs(float64(data[at(k)]))
				if a > absMax {
					absMax = a
				}
			}
			if absMax == 0 {
				continue
			}
			scale := float64(sf.castValue(float32(absMax/mantMax), sfRound))
			if scale == 0 {
				for k := start; k < end; k++ {
					data[at(k)] = 0
				}
				continue
			}
			for k := start; k < end; k++ {
				idx := at(k)
				q := math.RoundToEven(float64(data[idx]) / scale)
				q = math.Min(math.Max(q, -mantMax), mantMax)
				data[idx] = float32(q * scale)
			}
		}
	})
}
