package numerics

import (
	"math"
	"sync"
	"time"

	rng "github.com/leesper/go_rng"
)

// RoundingMode selects how values are snapped to the target grid.
type RoundingMode string

const (
	// RoundNearestEven rounds to the nearest grid point, ties to even.
	RoundNearestEven RoundingMode = "N"
	// RoundStochastic rounds up with probability equal to the fractional
	// remainder, giving unbiased quantization in expectation.
	RoundStochastic RoundingMode = "S"
	// RoundTowardZero truncates toward zero.
	RoundTowardZero RoundingMode = "T"
)

var (
	rngMu      sync.Mutex
	uniformRNG = rng.NewUniformGenerator(time.Now().UnixNano())
)

// Seed reseeds the package RNG used by stochastic rounding, making
// subsequent casts reproducible.
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

// rounder returns a function rounding a real value to an integer under the
// given mode.
func (m RoundingMode) rounder() func(float64) float64 {
	switch m {
	case RoundStochastic:
		return func(x float64) float64 {
			fl := math.Floor(x)
			if randFloat64() < x-fl {
				return fl + 1
			}
			return fl
		}
	case RoundTowardZero:
		return math.Trunc
	default:
		return math.RoundToEven
	}
}
