// Package mathx provides the checked integer arithmetic used by the
// position and fee math. All amounts are unsigned fixed-point integers;
// intermediate products go through 128 bits and every division
// truncates toward zero.
package mathx

import (
	"errors"
	"math/bits"
)

var (
	ErrOverflow   = errors.New("mathx: arithmetic overflow")
	ErrDivideZero = errors.New("mathx: divide by zero")
)

// Add returns a+b or ErrOverflow.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b or ErrOverflow when b > a.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// MulDiv computes a*b/c with a 128-bit intermediate, truncating. It
// fails when c is zero or the quotient does not fit 64 bits.
func MulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrDivideZero
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, nil
}

// MulAddDiv computes (a*b + c*d)/e with 128-bit intermediates,
// truncating. The weighted-average merge is its only caller shape.
func MulAddDiv(a, b, c, d, e uint64) (uint64, error) {
	if e == 0 {
		return 0, ErrDivideZero
	}
	hi1, lo1 := bits.Mul64(a, b)
	hi2, lo2 := bits.Mul64(c, d)
	lo, carry := bits.Add64(lo1, lo2, 0)
	hi, carry2 := bits.Add64(hi1, hi2, carry)
	if carry2 != 0 || hi >= e {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, e)
	return q, nil
}

// Mul returns a*b or ErrOverflow.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

// Div returns a/b, truncating, or ErrDivideZero.
func Div(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, ErrDivideZero
	}
	return a / b, nil
}
