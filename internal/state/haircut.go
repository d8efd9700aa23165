package state

import (
	"math/big"

	fpmath "Percolator/internal/math"

	"github.com/shopspring/decimal"
)

// Haircut is the rational h = Num/Den in [0, 1] applied to positive
// realized PnL. Den == 0 or Num == Den means fully backed.
type Haircut struct {
	Num fpmath.U128
	Den fpmath.U128
}

var FullHaircut = Haircut{Num: fpmath.OneU128, Den: fpmath.OneU128}

// ComputeHaircut derives h from the aggregates. Senior claims above the
// vault yield a zero residual rather than an error.
func ComputeHaircut(vault, capitalTotal, insurance, pnlPositiveTotal fpmath.U128) Haircut {
	if pnlPositiveTotal.IsZero() {
		return FullHaircut
	}
	var residual fpmath.U128
	if senior, err := capitalTotal.Add(insurance); err == nil {
		residual = vault.SaturatingSub(senior)
	}
	return Haircut{
		Num: fpmath.MinU128(residual, pnlPositiveTotal),
		Den: pnlPositiveTotal,
	}
}

func (h Haircut) IsFull() bool {
	return h.Den.IsZero() || h.Num.Cmp(h.Den) == 0
}

// Apply returns floor(x * h).
func (h Haircut) Apply(x fpmath.U128) (fpmath.U128, error) {
	if h.IsFull() {
		return x, nil
	}
	return fpmath.MulDiv(x, h.Num, h.Den, fpmath.RoundDown)
}

// Cmp compares two ratios by cross-multiplication.
func (h Haircut) Cmp(o Haircut) int {
	if h.IsFull() && o.IsFull() {
		return 0
	}
	hn, hd := h.normalized()
	on, od := o.normalized()
	left := new(big.Int).Mul(hn.Big(), od.Big())
	right := new(big.Int).Mul(on.Big(), hd.Big())
	return left.Cmp(right)
}

func (h Haircut) normalized() (fpmath.U128, fpmath.U128) {
	if h.Den.IsZero() {
		return fpmath.OneU128, fpmath.OneU128
	}
	return h.Num, h.Den
}

// Decimal renders h for display.
func (h Haircut) Decimal() decimal.Decimal {
	if h.IsFull() {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromBigInt(h.Num.Big(), 0).DivRound(decimal.NewFromBigInt(h.Den.Big(), 0), 18)
}

// EffectiveEquity haircuts positive realized PnL, passes losses through
// unchanged, adds mark PnL, and floors the result at zero.
func EffectiveEquity(capital fpmath.U128, realizedPnL, markPnL fpmath.I128, h Haircut) (fpmath.U128, error) {
	effectivePnL := realizedPnL
	if realizedPnL.IsPositive() {
		haircut, err := h.Apply(realizedPnL.PositivePart())
		if err != nil {
			return fpmath.U128{}, err
		}
		if effectivePnL, err = haircut.ToI128(); err != nil {
			return fpmath.U128{}, err
		}
	}
	equity, err := capital.ToI128()
	if err != nil {
		return fpmath.U128{}, err
	}
	if equity, err = equity.Add(effectivePnL); err != nil {
		return fpmath.U128{}, err
	}
	if equity, err = equity.Add(markPnL); err != nil {
		return fpmath.U128{}, err
	}
	return equity.PositivePart(), nil
}

// AccountEquity is the margin metric: effective equity less outstanding
// maintenance fee debt, floored at zero.
func AccountEquity(a *TradingAccount, markPnL fpmath.I128, h Haircut) (fpmath.U128, error) {
	eq, err := EffectiveEquity(a.Capital, a.RealizedPnL, markPnL, h)
	if err != nil {
		return fpmath.U128{}, err
	}
	return eq.SaturatingSub(a.FeeDebt()), nil
}
