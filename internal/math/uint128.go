package math

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"math/bits"

	"github.com/shopspring/decimal"
)

// U128 is an unsigned 128-bit integer. The zero value is 0.
type U128 struct {
	hi, lo uint64
}

var (
	ZeroU128 = U128{}
	OneU128  = U128{lo: 1}
	MaxU128  = U128{hi: ^uint64(0), lo: ^uint64(0)}
)

func U128FromUint64(v uint64) U128 { return U128{lo: v} }

// U128FromBig converts a big.Int, failing outside [0, 2^128).
func U128FromBig(b *big.Int) (U128, error) {
	if b.Sign() < 0 {
		return U128{}, arithErr("u128_from_big", ErrUnderflow)
	}
	if b.Cmp(maxU128Big) > 0 {
		return U128{}, arithErr("u128_from_big", ErrOverflow)
	}
	lo := getBig()
	defer putBig(lo)
	lo.And(b, mask64Big)
	hi := getBig()
	defer putBig(hi)
	hi.Rsh(b, 64)
	return U128{hi: hi.Uint64(), lo: lo.Uint64()}, nil
}

// ParseU128 parses a base-10 string.
func ParseU128(s string) (U128, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return U128{}, fmt.Errorf("invalid u128 %q", s)
	}
	return U128FromBig(b)
}

func (u U128) IsZero() bool { return u.hi == 0 && u.lo == 0 }

// Uint64 returns the value and whether it fits in 64 bits.
func (u U128) Uint64() (uint64, bool) { return u.lo, u.hi == 0 }

func (u U128) Cmp(v U128) int {
	switch {
	case u.hi < v.hi:
		return -1
	case u.hi > v.hi:
		return 1
	case u.lo < v.lo:
		return -1
	case u.lo > v.lo:
		return 1
	}
	return 0
}

func (u U128) Add(v U128) (U128, error) {
	lo, carry := bits.Add64(u.lo, v.lo, 0)
	hi, carry := bits.Add64(u.hi, v.hi, carry)
	if carry != 0 {
		return U128{}, arithErr("u128_add", ErrOverflow)
	}
	return U128{hi: hi, lo: lo}, nil
}

func (u U128) Sub(v U128) (U128, error) {
	lo, borrow := bits.Sub64(u.lo, v.lo, 0)
	hi, borrow := bits.Sub64(u.hi, v.hi, borrow)
	if borrow != 0 {
		return U128{}, arithErr("u128_sub", ErrUnderflow)
	}
	return U128{hi: hi, lo: lo}, nil
}

// SaturatingSub returns max(0, u - v).
func (u U128) SaturatingSub(v U128) U128 {
	if u.Cmp(v) <= 0 {
		return U128{}
	}
	r, _ := u.Sub(v)
	return r
}

func (u U128) Mul(v U128) (U128, error) {
	if u.hi != 0 && v.hi != 0 {
		return U128{}, arithErr("u128_mul", ErrOverflow)
	}
	hi, lo := bits.Mul64(u.lo, v.lo)
	cross1hi, cross1 := bits.Mul64(u.hi, v.lo)
	cross2hi, cross2 := bits.Mul64(u.lo, v.hi)
	if cross1hi != 0 || cross2hi != 0 {
		return U128{}, arithErr("u128_mul", ErrOverflow)
	}
	hi, c1 := bits.Add64(hi, cross1, 0)
	hi, c2 := bits.Add64(hi, cross2, 0)
	if c1 != 0 || c2 != 0 {
		return U128{}, arithErr("u128_mul", ErrOverflow)
	}
	return U128{hi: hi, lo: lo}, nil
}

// DivMod returns the truncated quotient and remainder.
func (u U128) DivMod(v U128) (U128, U128, error) {
	if v.IsZero() {
		return U128{}, U128{}, arithErr("u128_div", ErrDivisionByZero)
	}
	if u.hi == 0 && v.hi == 0 {
		return U128{lo: u.lo / v.lo}, U128{lo: u.lo % v.lo}, nil
	}
	a, b, q, r := getBig(), getBig(), getBig(), getBig()
	defer putBig(a, b, q, r)
	q.QuoRem(u.fillBig(a), v.fillBig(b), r)
	qq, _ := U128FromBig(q)
	rr, _ := U128FromBig(r)
	return qq, rr, nil
}

func (u U128) Div(v U128) (U128, error) {
	q, _, err := u.DivMod(v)
	return q, err
}

func MinU128(a, b U128) U128 {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// ToI128 converts to signed; values at or above 2^127 overflow.
func (u U128) ToI128() (I128, error) {
	if u.hi>>63 != 0 {
		return I128{}, arithErr("u128_to_i128", ErrOverflow)
	}
	return I128{hi: int64(u.hi), lo: u.lo}, nil
}

func (u U128) fillBig(dst *big.Int) *big.Int {
	dst.SetUint64(u.hi)
	dst.Lsh(dst, 64)
	lo := getBig()
	defer putBig(lo)
	return dst.Or(dst, lo.SetUint64(u.lo))
}

func (u U128) Big() *big.Int { return u.fillBig(new(big.Int)) }

func (u U128) String() string {
	if u.hi == 0 {
		return fmt.Sprintf("%d", u.lo)
	}
	return u.Big().String()
}

// Decimal renders the value with the given number of implied decimals.
func (u U128) Decimal(places int32) decimal.Decimal {
	return decimal.NewFromBigInt(u.Big(), -places)
}

// CanonicalBytes is the 16-byte big-endian encoding used for state hashing.
func (u U128) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16)
	buf = appendUint64BE(buf, u.hi)
	return appendUint64BE(buf, u.lo)
}

func (u U128) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

func (u *U128) UnmarshalText(b []byte) error {
	v, err := ParseU128(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// Value stores the value as NUMERIC text.
func (u U128) Value() (driver.Value, error) { return u.String(), nil }

func (u *U128) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return u.UnmarshalText(v)
	case string:
		return u.UnmarshalText([]byte(v))
	case int64:
		if v < 0 {
			return arithErr("u128_scan", ErrUnderflow)
		}
		*u = U128FromUint64(uint64(v))
		return nil
	case nil:
		*u = U128{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into U128", src)
}

func appendUint64BE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
