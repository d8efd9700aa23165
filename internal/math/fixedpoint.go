// Package math holds the checked 128-bit fixed-point primitives used by every
// balance in the engine. Every operation that can leave the representable
// range returns an *ArithmeticError instead of wrapping.
package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// PriceScale is the fixed-point scale of oracle and entry prices
// (quote units per base unit, 6 decimals).
const PriceScale = 1_000_000

// BpsDenominator is the basis-point scale used by fee and margin parameters.
const BpsDenominator = 10_000

var (
	ErrOverflow       = errors.New("arithmetic overflow")
	ErrUnderflow      = errors.New("arithmetic underflow")
	ErrDivisionByZero = errors.New("division by zero")
)

// ArithmeticError reports which checked operation failed.
type ArithmeticError struct {
	Op  string
	Err error
}

func (e *ArithmeticError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ArithmeticError) Unwrap() error { return e.Err }

func arithErr(op string, err error) error {
	return &ArithmeticError{Op: op, Err: err}
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward negative infinity
	RoundUp                           // toward positive infinity
)

// Pooled big.Int for 256-bit intermediates
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v ...*big.Int) {
	for _, b := range v {
		b.SetInt64(0)
		bigPool.Put(b)
	}
}

var (
	two64       = new(big.Int).Lsh(big.NewInt(1), 64)
	two128      = new(big.Int).Lsh(big.NewInt(1), 128)
	maxU128Big  = new(big.Int).Sub(two128, big.NewInt(1))
	maxI128Big  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128Big  = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	mask64Big   = new(big.Int).Sub(two64, big.NewInt(1))
	bigOne      = big.NewInt(1)
)

// divRound computes num/den into dst using the rounding mode. den must be
// positive. Floor and ceil are taken toward the infinities, so negative
// quotients round against the holder under RoundDown.
func divRound(dst, num, den *big.Int, mode RoundingMode) {
	rem := getBig()
	defer putBig(rem)

	// Euclidean division with a positive divisor floors the quotient
	dst.DivMod(num, den, rem)
	if rem.Sign() == 0 {
		return
	}

	switch mode {
	case RoundDown:
	case RoundUp:
		dst.Add(dst, bigOne)
	case RoundHalfEven:
		twice := getBig()
		defer putBig(twice)
		twice.Lsh(rem, 1)
		switch twice.Cmp(den) {
		case 1:
			dst.Add(dst, bigOne)
		case 0:
			if dst.Bit(0) == 1 {
				dst.Add(dst, bigOne)
			}
		}
	}
}

// MulDiv computes a*b/c with a 256-bit intermediate.
func MulDiv(a, b, c U128, mode RoundingMode) (U128, error) {
	if c.IsZero() {
		return U128{}, arithErr("muldiv", ErrDivisionByZero)
	}
	num, tmp, den, q := getBig(), getBig(), getBig(), getBig()
	defer putBig(num, tmp, den, q)

	num.Mul(a.fillBig(num), b.fillBig(tmp))
	c.fillBig(den)
	divRound(q, num, den, mode)
	return U128FromBig(q)
}

// CeilDiv computes ceil(a/b). Used for fees so that small trades cannot
// round their fee down to zero.
func CeilDiv(a, b U128) (U128, error) {
	if b.IsZero() {
		return U128{}, arithErr("ceildiv", ErrDivisionByZero)
	}
	q, r, err := a.DivMod(b)
	if err != nil {
		return U128{}, err
	}
	if r.IsZero() {
		return q, nil
	}
	return q.Add(OneU128)
}

// MulDivSigned computes a*b/c for signed a and b with a positive divisor.
func MulDivSigned(a, b I128, c U128, mode RoundingMode) (I128, error) {
	if c.IsZero() {
		return I128{}, arithErr("muldiv_signed", ErrDivisionByZero)
	}
	num, tmp, den, q := getBig(), getBig(), getBig(), getBig()
	defer putBig(num, tmp, den, q)

	num.Mul(a.fillBig(num), b.fillBig(tmp))
	c.fillBig(den)
	divRound(q, num, den, mode)
	return I128FromBig(q)
}

// ComputeNotional returns |size| * price / PriceScale, rounded down.
func ComputeNotional(size I128, price uint64) (U128, error) {
	return MulDiv(size.Abs(), U128FromUint64(price), U128FromUint64(PriceScale), RoundDown)
}

// ComputeMarkPnL returns size * (price - entry) / PriceScale rounded toward
// negative infinity, so the account never gains from truncation.
func ComputeMarkPnL(size I128, entry, price uint64) (I128, error) {
	diff, err := I128FromUint64(price).Sub(I128FromUint64(entry))
	if err != nil {
		return I128{}, err
	}
	return MulDivSigned(size, diff, U128FromUint64(PriceScale), RoundDown)
}

// ApplyBps returns ceil(amount * bps / 10_000).
func ApplyBps(amount U128, bps uint64) (U128, error) {
	num, err := amount.Mul(U128FromUint64(bps))
	if err != nil {
		return U128{}, err
	}
	return CeilDiv(num, U128FromUint64(BpsDenominator))
}
