package math_test

import (
	"errors"
	"testing"

	fpmath "Percolator/internal/math"
)

func u(v uint64) fpmath.U128 { return fpmath.U128FromUint64(v) }
func i(v int64) fpmath.I128  { return fpmath.I128FromInt64(v) }

// ============================================================================
// Test: U128 checked arithmetic
// ============================================================================

func TestU128_AddOverflow(t *testing.T) {
	_, err := fpmath.MaxU128.Add(fpmath.OneU128)
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	var ae *fpmath.ArithmeticError
	if !errors.As(err, &ae) || ae.Op != "u128_add" {
		t.Errorf("expected ArithmeticError with op u128_add, got %v", err)
	}
}

func TestU128_AddCarriesIntoHighWord(t *testing.T) {
	a := u(^uint64(0))
	got, err := a.Add(u(1))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got.String() != "18446744073709551616" {
		t.Errorf("got %s, want 2^64", got)
	}
}

func TestU128_SubUnderflow(t *testing.T) {
	_, err := u(5).Sub(u(6))
	if !errors.Is(err, fpmath.ErrUnderflow) {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}
}

func TestU128_SaturatingSub(t *testing.T) {
	if got := u(5).SaturatingSub(u(6)); !got.IsZero() {
		t.Errorf("got %s, want 0", got)
	}
	if got := u(10).SaturatingSub(u(4)); got.Cmp(u(6)) != 0 {
		t.Errorf("got %s, want 6", got)
	}
}

func TestU128_MulOverflow(t *testing.T) {
	big, _ := fpmath.ParseU128("340282366920938463463374607431768211455")
	if big.Cmp(fpmath.MaxU128) != 0 {
		t.Fatalf("parse max: got %s", big)
	}
	if _, err := big.Mul(u(2)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	twoTo64, _ := fpmath.ParseU128("18446744073709551616")
	if _, err := twoTo64.Mul(twoTo64); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("2^64 * 2^64: expected ErrOverflow, got %v", err)
	}
}

func TestU128_DivByZero(t *testing.T) {
	if _, err := u(1).Div(fpmath.ZeroU128); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestCeilDiv(t *testing.T) {
	tests := []struct {
		a, b, want uint64
	}{
		{10, 5, 2},
		{11, 5, 3},
		{1, 10_000, 1},
		{0, 7, 0},
	}
	for _, tc := range tests {
		got, err := fpmath.CeilDiv(u(tc.a), u(tc.b))
		if err != nil {
			t.Fatalf("ceildiv(%d,%d): %v", tc.a, tc.b, err)
		}
		if got.Cmp(u(tc.want)) != 0 {
			t.Errorf("ceildiv(%d,%d) = %s, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^100 * 2^20) / 2^60 = 2^60: the product does not fit in 128 bits
	a, _ := fpmath.ParseU128("1267650600228229401496703205376") // 2^100
	got, err := fpmath.MulDiv(a, u(1<<20), u(1<<60), fpmath.RoundDown)
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if got.Cmp(u(1<<60)) != 0 {
		t.Errorf("got %s, want 2^60", got)
	}
}

func TestMulDiv_Rounding(t *testing.T) {
	tests := []struct {
		name string
		mode fpmath.RoundingMode
		want uint64
	}{
		{"down", fpmath.RoundDown, 2},
		{"up", fpmath.RoundUp, 3},
		{"half_even", fpmath.RoundHalfEven, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// 5 * 1 / 2 = 2.5
			got, err := fpmath.MulDiv(u(5), u(1), u(2), tc.mode)
			if err != nil {
				t.Fatal(err)
			}
			if got.Cmp(u(tc.want)) != 0 {
				t.Errorf("got %s, want %d", got, tc.want)
			}
		})
	}
}

func TestApplyBps_RoundsUp(t *testing.T) {
	// 10_000 notional at 30 bps = 30
	got, _ := fpmath.ApplyBps(u(10_000), 30)
	if got.Cmp(u(30)) != 0 {
		t.Errorf("got %s, want 30", got)
	}
	// micro trade: 1 notional at 1 bps still costs 1
	got, _ = fpmath.ApplyBps(u(1), 1)
	if got.Cmp(u(1)) != 0 {
		t.Errorf("micro fee: got %s, want 1", got)
	}
}

// ============================================================================
// Test: I128 checked arithmetic
// ============================================================================

func TestI128_SignedAddSub(t *testing.T) {
	got, err := i(-7).Add(i(3))
	if err != nil || got.Cmp(i(-4)) != 0 {
		t.Errorf("-7+3: got %s err %v", got, err)
	}
	got, err = i(3).Sub(i(10))
	if err != nil || got.Cmp(i(-7)) != 0 {
		t.Errorf("3-10: got %s err %v", got, err)
	}
	if got.String() != "-7" {
		t.Errorf("string: got %q", got.String())
	}
}

func TestI128_Overflow(t *testing.T) {
	max, _ := fpmath.ParseI128("170141183460469231731687303715884105727")
	if _, err := max.Add(i(1)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("max+1: expected ErrOverflow, got %v", err)
	}
	min, _ := fpmath.ParseI128("-170141183460469231731687303715884105728")
	if _, err := min.Sub(i(1)); !errors.Is(err, fpmath.ErrUnderflow) {
		t.Errorf("min-1: expected ErrUnderflow, got %v", err)
	}
	if _, err := min.Neg(); err == nil {
		t.Error("-min should overflow")
	}
	if min.Abs().String() != "170141183460469231731687303715884105728" {
		t.Errorf("|min| = %s", min.Abs())
	}
}

func TestI128_Parts(t *testing.T) {
	if got := i(-50).NegativePart(); got.Cmp(u(50)) != 0 {
		t.Errorf("negative part: got %s", got)
	}
	if got := i(-50).PositivePart(); !got.IsZero() {
		t.Errorf("positive part of negative: got %s", got)
	}
	if got := i(80).PositivePart(); got.Cmp(u(80)) != 0 {
		t.Errorf("positive part: got %s", got)
	}
}

func TestI128_TextRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "-1", "123456789012345678901234567890", "-98765432109876543210"} {
		v, err := fpmath.ParseI128(s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		if v.String() != s {
			t.Errorf("round trip: got %s, want %s", v, s)
		}
	}
}

// ============================================================================
// Test: PnL and funding helpers
// ============================================================================

func TestComputeMarkPnL_RoundsAgainstAccount(t *testing.T) {
	// long 3 units, price up by 0.5 quote: exactly 1.5 -> floor 1
	got, err := fpmath.ComputeMarkPnL(i(3), 1_000_000, 1_500_000)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(i(1)) != 0 {
		t.Errorf("long gain: got %s, want 1", got)
	}
	// short 3 units, same move: -1.5 -> floor -2
	got, _ = fpmath.ComputeMarkPnL(i(-3), 1_000_000, 1_500_000)
	if got.Cmp(i(-2)) != 0 {
		t.Errorf("short loss: got %s, want -2", got)
	}
}

func TestComputeFundingPayment_PayerRoundsUp(t *testing.T) {
	// index moved by 0.5 quote per unit: long 3 pays ceil(1.5)=2, short 3 receives 1
	long, _ := fpmath.ComputeFundingPayment(i(3), i(0), i(500_000))
	short, _ := fpmath.ComputeFundingPayment(i(-3), i(0), i(500_000))
	if long.Cmp(i(2)) != 0 {
		t.Errorf("long pays: got %s, want 2", long)
	}
	if short.Cmp(i(-1)) != 0 {
		t.Errorf("short receives: got %s, want -1", short)
	}
	net, _ := long.Add(short)
	if net.Sign() < 0 {
		t.Errorf("funding must not pay out more than it collects, net %s", net)
	}
}

func TestComputeFundingIndexDelta(t *testing.T) {
	// 0.0001 per slot at price 100.0 over 10 slots = 0.1 quote per unit
	got, err := fpmath.ComputeFundingIndexDelta(i(10_000), 100_000_000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(i(100_000)) != 0 {
		t.Errorf("got %s, want 100000", got)
	}
}
