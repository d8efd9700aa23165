package math

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"math/bits"

	"github.com/shopspring/decimal"
)

// I128 is a signed 128-bit integer in two's complement. The zero value is 0.
type I128 struct {
	hi int64
	lo uint64
}

var ZeroI128 = I128{}

func I128FromInt64(v int64) I128 {
	if v < 0 {
		return I128{hi: -1, lo: uint64(v)}
	}
	return I128{lo: uint64(v)}
}

func I128FromUint64(v uint64) I128 { return I128{lo: v} }

// I128FromBig converts a big.Int, failing outside [-2^127, 2^127).
func I128FromBig(b *big.Int) (I128, error) {
	if b.Cmp(maxI128Big) > 0 {
		return I128{}, arithErr("i128_from_big", ErrOverflow)
	}
	if b.Cmp(minI128Big) < 0 {
		return I128{}, arithErr("i128_from_big", ErrUnderflow)
	}
	t := getBig()
	defer putBig(t)
	t.Set(b)
	if t.Sign() < 0 {
		t.Add(t, two128)
	}
	lo := getBig()
	defer putBig(lo)
	lo.And(t, mask64Big)
	t.Rsh(t, 64)
	return I128{hi: int64(t.Uint64()), lo: lo.Uint64()}, nil
}

func ParseI128(s string) (I128, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return I128{}, fmt.Errorf("invalid i128 %q", s)
	}
	return I128FromBig(b)
}

func (x I128) IsZero() bool { return x.hi == 0 && x.lo == 0 }

func (x I128) Sign() int {
	switch {
	case x.hi < 0:
		return -1
	case x.IsZero():
		return 0
	}
	return 1
}

func (x I128) IsNegative() bool { return x.hi < 0 }
func (x I128) IsPositive() bool { return x.Sign() > 0 }

func (x I128) Cmp(y I128) int {
	switch {
	case x.hi < y.hi:
		return -1
	case x.hi > y.hi:
		return 1
	case x.lo < y.lo:
		return -1
	case x.lo > y.lo:
		return 1
	}
	return 0
}

func (x I128) Add(y I128) (I128, error) {
	lo, carry := bits.Add64(x.lo, y.lo, 0)
	hi := int64(uint64(x.hi) + uint64(y.hi) + carry)
	if (x.hi < 0) == (y.hi < 0) && (hi < 0) != (x.hi < 0) {
		if x.hi < 0 {
			return I128{}, arithErr("i128_add", ErrUnderflow)
		}
		return I128{}, arithErr("i128_add", ErrOverflow)
	}
	return I128{hi: hi, lo: lo}, nil
}

func (x I128) Sub(y I128) (I128, error) {
	lo, borrow := bits.Sub64(x.lo, y.lo, 0)
	hi := int64(uint64(x.hi) - uint64(y.hi) - borrow)
	if (x.hi < 0) != (y.hi < 0) && (hi < 0) != (x.hi < 0) {
		if x.hi < 0 {
			return I128{}, arithErr("i128_sub", ErrUnderflow)
		}
		return I128{}, arithErr("i128_sub", ErrOverflow)
	}
	return I128{hi: hi, lo: lo}, nil
}

func (x I128) Neg() (I128, error) {
	return ZeroI128.Sub(x)
}

func (x I128) Mul(y I128) (I128, error) {
	if x.hi == 0 && y.hi == 0 && x.lo>>63 == 0 && y.lo>>63 == 0 {
		hi, lo := bits.Mul64(x.lo, y.lo)
		if hi>>63 == 0 {
			return I128{hi: int64(hi), lo: lo}, nil
		}
	}
	a, b := getBig(), getBig()
	defer putBig(a, b)
	a.Mul(x.fillBig(a), y.fillBig(b))
	return I128FromBig(a)
}

// Abs returns |x|. |MinI128| = 2^127 fits in U128.
func (x I128) Abs() U128 {
	if x.hi >= 0 {
		return U128{hi: uint64(x.hi), lo: x.lo}
	}
	lo, borrow := bits.Sub64(0, x.lo, 0)
	hi, _ := bits.Sub64(0, uint64(x.hi), borrow)
	return U128{hi: hi, lo: lo}
}

// PositivePart returns max(0, x).
func (x I128) PositivePart() U128 {
	if x.hi < 0 {
		return U128{}
	}
	return U128{hi: uint64(x.hi), lo: x.lo}
}

// NegativePart returns max(0, -x).
func (x I128) NegativePart() U128 {
	if x.hi >= 0 {
		return U128{}
	}
	return x.Abs()
}

// AddU128 and SubU128 mix an unsigned operand into a signed value.
func (x I128) AddU128(u U128) (I128, error) {
	v, err := u.ToI128()
	if err != nil {
		return I128{}, err
	}
	return x.Add(v)
}

func (x I128) SubU128(u U128) (I128, error) {
	v, err := u.ToI128()
	if err != nil {
		return I128{}, err
	}
	return x.Sub(v)
}

func (x I128) fillBig(dst *big.Int) *big.Int {
	dst.SetInt64(x.hi)
	dst.Lsh(dst, 64)
	lo := getBig()
	defer putBig(lo)
	return dst.Add(dst, lo.SetUint64(x.lo))
}

func (x I128) Big() *big.Int { return x.fillBig(new(big.Int)) }

func (x I128) String() string {
	if x.hi == 0 && x.lo>>63 == 0 {
		return fmt.Sprintf("%d", int64(x.lo))
	}
	if x.hi == -1 && x.lo>>63 == 1 {
		return fmt.Sprintf("%d", int64(x.lo))
	}
	return x.Big().String()
}

func (x I128) Decimal(places int32) decimal.Decimal {
	return decimal.NewFromBigInt(x.Big(), -places)
}

func (x I128) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16)
	buf = appendUint64BE(buf, uint64(x.hi))
	return appendUint64BE(buf, x.lo)
}

func (x I128) MarshalText() ([]byte, error) { return []byte(x.String()), nil }

func (x *I128) UnmarshalText(b []byte) error {
	v, err := ParseI128(string(b))
	if err != nil {
		return err
	}
	*x = v
	return nil
}

func (x I128) Value() (driver.Value, error) { return x.String(), nil }

func (x *I128) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return x.UnmarshalText(v)
	case string:
		return x.UnmarshalText([]byte(v))
	case int64:
		*x = I128FromInt64(v)
		return nil
	case nil:
		*x = I128{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into I128", src)
}
