// Package numerics implements the custom low-precision numeric formats used
// by dmx-aware modules and the fake-quantization cast operator that applies
// them to float32 tensors.
//
// Formats are described by a small textual language so they can round-trip
// through YAML configuration files:
//
//	SAME                    identity, no cast
//	FP[1|e|m](<flags>)      floating point, 1 sign bit, e exponent bits,
//	                        m mantissa bits
//	XP[b,f](<flags>)        fixed point, b total bits, f fraction bits
//	BFP[m|e]{b,d}(<flags>)  block floating point, m-bit two's-complement
//	                        mantissas, e-bit shared exponent, blocks of b
//	                        elements along tensor dimension d
//	SBFP[m|e]{b,d}          scaled block floating point, per-block float
//	                        scale with an e-bit exponent times m-bit integer
//	                        mantissas
//
// Flags: N nearest-even rounding, S stochastic rounding, T toward-zero
// rounding, F finite-only (saturating) floating point, C clamping fixed
// point, U unsigned fixed point. The common IEEE-ish formats have shorthand
// names (FLOAT32, FLOAT16, BFLOAT16, FP8_E4M3, FP8_E5M2, INT8, UINT8, INT4).
package numerics

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// Format is a numeric format an element or block of a tensor can be cast to.
//
// BitWidth reports the per-element payload bits; shared block metadata
// (the BFP shared exponent, the SBFP block scale) is not amortized in.
// MaxValue reports the largest representable magnitude, or +Inf for formats
// whose range is unbounded (SAME) or block-adaptive (BFP, SBFP).
type Format interface {
	String() string
	BitWidth() int
	MaxValue() float32
	format()
}

// Same is the identity format: casting to it is a no-op.
type Same struct{}

func (Same) String() string     { return "SAME" }
func (Same) BitWidth() int      { return 32 }
func (Same) MaxValue() float32  { return math32.Inf(1) }
func (Same) format()            {}

// FloatingPoint is a sign + exponent + mantissa format in the style of IEEE
// 754, generalized to arbitrary exponent and mantissa widths. Subnormals are
// kept. With FiniteOnly set, values beyond the largest normal saturate
// instead of overflowing to infinity.
type FloatingPoint struct {
	Exponent   int
	Mantissa   int
	Rounding   RoundingMode
	FiniteOnly bool
}

func (f FloatingPoint) String() string {
	flags := ""
	if f.FiniteOnly {
		flags += "F"
	}
	flags += string(f.Rounding)
	return "FP[1|" + strconv.Itoa(f.Exponent) + "|" + strconv.Itoa(f.Mantissa) + "](" + flags + ")"
}

func (f FloatingPoint) BitWidth() int { return 1 + f.Exponent + f.Mantissa }

func (f FloatingPoint) bias() int { return 1<<(uint(f.Exponent)-1) - 1 }

func (f FloatingPoint) MaxValue() float32 {
	return (2 - math32.Exp2(-float32(f.Mantissa))) * math32.Exp2(float32(f.bias()))
}

func (FloatingPoint) format() {}

// FixedPoint is a b-bit integer format with f fraction bits, i.e. an integer
// grid with step 2^-f. Negative f widens the step beyond 1. With Clamp set,
// out-of-range values saturate; otherwise they wrap in two's complement the
// way narrow hardware registers do.
type FixedPoint struct {
	Bits      int
	Fraction  int
	Clamp     bool
	Symmetric bool
	Unsigned  bool
	Rounding  RoundingMode
}

func (f FixedPoint) String() string {
	flags := ""
	if f.Clamp {
		flags += "C"
	}
	if f.Symmetric {
		flags += "S"
	}
	if f.Unsigned {
		flags += "U"
	}
	// S is taken by the symmetric flag, so stochastic rounding prints as R
	// in fixed-point flag strings.
	if f.Rounding == RoundStochastic {
		flags += "R"
	} else {
		flags += string(f.Rounding)
	}
	return "XP[" + strconv.Itoa(f.Bits) + "," + strconv.Itoa(f.Fraction) + "](" + flags + ")"
}

func (f FixedPoint) BitWidth() int { return f.Bits }

// intRange returns the representable integer range [lo, hi].
func (f FixedPoint) intRange() (float64, float64) {
	if f.Unsigned {
		return 0, float64(uint64(1)<<uint(f.Bits)) - 1
	}
	hi := float64(uint64(1)<<uint(f.Bits-1)) - 1
	lo := -hi
	if !f.Symmetric {
		lo--
	}
	return lo, hi
}

func (f FixedPoint) MaxValue() float32 {
	_, hi := f.intRange()
	return float32(hi) * math32.Exp2(-float32(f.Fraction))
}

func (FixedPoint) format() {}

// BlockFloatingPoint shares one e-bit exponent across a block of b elements
// along tensor dimension d (negative d counts from the end). Each element
// keeps an m-bit two's-complement mantissa relative to the shared exponent.
type BlockFloatingPoint struct {
	Mantissa     int
	ExponentBits int
	BlockSize    int
	BlockDim     int
	Rounding     RoundingMode
}

func (f BlockFloatingPoint) String() string {
	return "BFP[" + strconv.Itoa(f.Mantissa) + "|" + strconv.Itoa(f.ExponentBits) + "]{" +
		strconv.Itoa(f.BlockSize) + "," + strconv.Itoa(f.BlockDim) + "}(" + string(f.Rounding) + ")"
}

func (f BlockFloatingPoint) BitWidth() int     { return f.Mantissa }
func (f BlockFloatingPoint) MaxValue() float32 { return math32.Inf(1) }
func (BlockFloatingPoint) format()             {}

// ScaledBlockFloatingPoint stores, per block of b elements along dimension d,
// a low-precision floating-point scale (1 sign, e exponent and 10 mantissa
// bits) and m-bit signed integer mantissas. This is the GGUF Q8_0 layout
// generalized to arbitrary mantissa width and block geometry.
type ScaledBlockFloatingPoint struct {
	Mantissa          int
	ScaleExponentBits int
	BlockSize         int
	BlockDim          int
}

func (f ScaledBlockFloatingPoint) String() string {
	return "SBFP[" + strconv.Itoa(f.Mantissa) + "|" + strconv.Itoa(f.ScaleExponentBits) + "]{" +
		strconv.Itoa(f.BlockSize) + "," + strconv.Itoa(f.BlockDim) + "}"
}

func (f ScaledBlockFloatingPoint) BitWidth() int     { return f.Mantissa }
func (f ScaledBlockFloatingPoint) MaxValue() float32 { return math32.Inf(1) }
func (ScaledBlockFloatingPoint) format()             {}

// scaleFormat is the format the per-block scale itself is stored in.
func (f ScaledBlockFloatingPoint) scaleFormat() FloatingPoint {
	return FloatingPoint{Exponent: f.ScaleExponentBits, Mantissa: 10, Rounding: RoundNearestEven}
}

var (
	fpRe   = regexp.MustCompile(`^FP\[1\|(\d+)\|(\d+)\]\(([A-Z]*)\)$`)
	xpRe   = regexp.MustCompile(`^XP\[(\d+),(-?\d+)\]\(([A-Z]*)\)$`)
	bfpRe  = regexp.MustCompile(`^BFP\[(\d+)\|(\d+)\]\{(\d+),(-?\d+)\}\(([A-Z]*)\)$`)
	sbfpRe = regexp.MustCompile(`^SBFP\[(\d+)\|(\d+)\]\{(\d+),(-?\d+)\}$`)
)

// Shorthand names accepted by ParseFormat in place of the full grammar.
var shorthands = map[string]string{
	"FLOAT32":  "FP[1|8|23](N)",
	"FLOAT16":  "FP[1|5|10](N)",
	"BFLOAT16": "FP[1|8|7](N)",
	"FP8_E4M3": "FP[1|4|3](FN)",
	"FP8_E5M2": "FP[1|5|2](FN)",
	"INT8":     "XP[8,0](CSN)",
	"UINT8":    "XP[8,0](CUN)",
	"INT4":     "XP[4,0](CSN)",
}

// ParseFormat parses a format string, either a shorthand name or the full
// grammar, into a Format. The result's String method reproduces the full
// grammar form, so parse-then-print is canonicalizing rather than strictly
// round-tripping for shorthands.
func ParseFormat(s string) (Format, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "SAME" {
		return Same{}, nil
	}
	if full, ok := shorthands[s]; ok {
		s = full
	}

	if m := fpRe.FindStringSubmatch(s); m != nil {
		e, _ := strconv.Atoi(m[1])
		mant, _ := strconv.Atoi(m[2])
		if e < 2 || e > 8 {
			return nil, errors.Errorf("numerics: FP exponent bits out of range in %q", s)
		}
		rnd, finite, err := parseFPFlags(m[3])
		if err != nil {
			return nil, errors.Wrapf(err, "numerics: bad flags in %q", s)
		}
		return FloatingPoint{Exponent: e, Mantissa: mant, Rounding: rnd, FiniteOnly: finite}, nil
	}

	if m := xpRe.FindStringSubmatch(s); m != nil {
		b, _ := strconv.Atoi(m[1])
		frac, _ := strconv.Atoi(m[2])
		if b < 2 || b > 32 {
			return nil, errors.Errorf("numerics: XP bit width out of range in %q", s)
		}
		f := FixedPoint{Bits: b, Fraction: frac, Rounding: RoundNearestEven}
		for _, c := range m[3] {
			switch c {
			case 'C':
				f.Clamp = true
			case 'S':
				f.Symmetric = true
			case 'U':
				f.Unsigned = true
			case 'N', 'T':
				f.Rounding = RoundingMode(c)
			case 'R':
				f.Rounding = RoundStochastic
			default:
				return nil, errors.Errorf("numerics: unknown XP flag %q in %q", string(c), s)
			}
		}
		if f.Unsigned && f.Symmetric {
			return nil, errors.Errorf("numerics: XP cannot be both unsigned and symmetric: %q", s)
		}
		return f, nil
	}

	if m := bfpRe.FindStringSubmatch(s); m != nil {
		mant, _ := strconv.Atoi(m[1])
		e, _ := strconv.Atoi(m[2])
		block, _ := strconv.Atoi(m[3])
		dim, _ := strconv.Atoi(m[4])
		if mant < 2 || mant > 16 {
			return nil, errors.Errorf("numerics: BFP mantissa bits out of range in %q", s)
		}
		if block < 1 {
			return nil, errors.Errorf("numerics: BFP block size must be positive in %q", s)
		}
		rnd, err := parseRounding(m[5])
		if err != nil {
			return nil, errors.Wrapf(err, "numerics: bad flags in %q", s)
		}
		return BlockFloatingPoint{
			Mantissa: mant, ExponentBits: e, BlockSize: block, BlockDim: dim, Rounding: rnd,
		}, nil
	}

	if m := sbfpRe.FindStringSubmatch(s); m != nil {
		mant, _ := strconv.Atoi(m[1])
		e, _ := strconv.Atoi(m[2])
		block, _ := strconv.Atoi(m[3])
		dim, _ := strconv.Atoi(m[4])
		if mant < 2 || mant > 16 {
			return nil, errors.Errorf("numerics: SBFP mantissa bits out of range in %q", s)
		}
		if block < 1 {
			return nil, errors.Errorf("numerics: SBFP block size must be positive in %q", s)
		}
		return ScaledBlockFloatingPoint{
			Mantissa: mant, ScaleExponentBits: e, BlockSize: block, BlockDim: dim,
		}, nil
	}

	return nil, errors.Errorf("numerics: unparseable format %q", s)
}

// MustParseFormat is ParseFormat for compile-time-constant strings.
func MustParseFormat(s string) Format {
	f, err := ParseFormat(s)
	if err != nil {
		panic(err)
	}
	return f
}

func parseFPFlags(flags string) (RoundingMode, bool, error) {
	rnd := RoundNearestEven
	finite := false
	for _, c := range flags {
		switch c {
		case 'F':
			finite = true
		case 'N', 'S', 'T':
			rnd = RoundingMode(c)
		default:
			return rnd, finite, errors.Errorf("unknown flag %q", string(c))
		}
	}
	return rnd, finite, nil
}

func parseRounding(flags string) (RoundingMode, error) {
	rnd := RoundNearestEven
	for _, c := range flags {
		switch c {
		case 'N', 'S', 'T':
			rnd = RoundingMode(c)
		default:
			return rnd, errors.Errorf("unknown flag %q", string(c))
		}
	}
	return rnd, nil
}
