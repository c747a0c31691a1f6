// Package fixedpoint implements the 17.14 signed fixed-point arithmetic
// the MLFQ scheduler uses for recent_cpu and load_avg accounting.
package fixedpoint

// Fp_t is a 17.14 signed fixed-point value: the low 14 bits are the
// fractional part, scaled by Shift.
type Fp_t int32

// Shift is 2^14, the fixed-point scaling factor.
const Shift = 1 << 14

// FromInt converts an integer to fixed-point.
func FromInt(n int) Fp_t {
	return Fp_t(n * Shift)
}

// ToIntTrunc converts a fixed-point value to an integer, truncating
// toward zero.
func ToIntTrunc(x Fp_t) int {
	return int(x) / Shift
}

// ToIntRound converts a fixed-point value to the nearest integer,
// rounding half away from zero.
func ToIntRound(x Fp_t) int {
	if x >= 0 {
		return (int(x) + Shift/2) / Shift
	}
	return (int(x) - Shift/2) / Shift
}

// Add returns x + y.
func Add(x, y Fp_t) Fp_t {
	return x + y
}

// Sub returns x - y.
func Sub(x, y Fp_t) Fp_t {
	return x - y
}

// AddInt returns x + n, with n first converted to fixed-point.
func AddInt(x Fp_t, n int) Fp_t {
	return x + FromInt(n)
}

// SubInt returns x - n, with n first converted to fixed-point.
func SubInt(x Fp_t, n int) Fp_t {
	return x - FromInt(n)
}

// Mul returns x * y, promoting to 64 bits so the intermediate product
// never overflows before it is rescaled.
func Mul(x, y Fp_t) Fp_t {
	return Fp_t(int64(x) * int64(y) / Shift)
}

// MulInt returns x * n.
func MulInt(x Fp_t, n int) Fp_t {
	return x * Fp_t(n)
}

// Div returns x / y, promoting to 64 bits so the rescale happens before
// the division loses precision.
func Div(x, y Fp_t) Fp_t {
	return Fp_t(int64(x) * Shift / int64(y))
}

// DivInt returns x / n.
func DivInt(x Fp_t, n int) Fp_t {
	return x / Fp_t(n)
}
