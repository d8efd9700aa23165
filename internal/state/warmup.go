package state

import (
	fpmath "Percolator/internal/math"
)

// WarmupPhase is Idle when the account holds no positive realized PnL and
// Accruing otherwise.
type WarmupPhase uint8

const (
	WarmupIdle WarmupPhase = iota
	WarmupAccruing
)

func (p WarmupPhase) String() string {
	if p == WarmupAccruing {
		return "Accruing"
	}
	return "Idle"
}

// Warmup rate-limits profit conversion. Banked carries the amount already
// unlocked under a previous slope, so restarting the clock on a slope
// change never re-locks profit.
type Warmup struct {
	StartedAt uint64
	Slope     fpmath.U128 // quote units per slot
	Banked    fpmath.U128
	Phase     WarmupPhase
}

// Conversion is the outcome of one ConvertProfitToCapital call.
type Conversion struct {
	Warmable    fpmath.U128
	Converted   fpmath.U128
	HaircutLoss fpmath.U128
}

func (w *Warmup) unlocked(currentSlot uint64) (fpmath.U128, error) {
	var elapsed uint64
	if currentSlot > w.StartedAt {
		elapsed = currentSlot - w.StartedAt
	}
	accrued, err := w.Slope.Mul(fpmath.U128FromUint64(elapsed))
	if err != nil {
		return fpmath.U128{}, err
	}
	return accrued.Add(w.Banked)
}

// CalculateWarmableAmount returns how much of availableProfit may convert
// at currentSlot. A zero warmup period unlocks everything immediately.
func CalculateWarmableAmount(w Warmup, availableProfit fpmath.U128, currentSlot, warmupPeriodSlots uint64) (fpmath.U128, error) {
	if availableProfit.IsZero() {
		return fpmath.ZeroU128, nil
	}
	if warmupPeriodSlots == 0 {
		return availableProfit, nil
	}
	unlocked, err := w.unlocked(currentSlot)
	if err != nil {
		return fpmath.U128{}, err
	}
	return fpmath.MinU128(availableProfit, unlocked), nil
}

// UpdateWarmupSlope resets the curve after available profit moved from prev
// to available: progress unlocked so far is banked (capped at both amounts),
// the slope becomes available/period with a minimum of 1, and the clock
// restarts at currentSlot.
func UpdateWarmupSlope(w *Warmup, prev, available fpmath.U128, currentSlot, warmupPeriodSlots uint64) error {
	if available.IsZero() {
		*w = Warmup{StartedAt: currentSlot, Phase: WarmupIdle}
		return nil
	}

	var banked fpmath.U128
	if w.Phase == WarmupAccruing {
		unlocked, err := w.unlocked(currentSlot)
		if err != nil {
			return err
		}
		banked = fpmath.MinU128(fpmath.MinU128(unlocked, prev), available)
	}

	slope := available
	if warmupPeriodSlots > 0 {
		var err error
		if slope, err = available.Div(fpmath.U128FromUint64(warmupPeriodSlots)); err != nil {
			return err
		}
		if slope.IsZero() {
			slope = fpmath.OneU128
		}
	}

	*w = Warmup{
		StartedAt: currentSlot,
		Slope:     slope,
		Banked:    banked,
		Phase:     WarmupAccruing,
	}
	return nil
}

// ConvertProfitToCapital moves the warmable part of positive realized PnL
// into capital at the haircut ratio h. The full warmable amount leaves
// RealizedPnL; only the haircut share reaches Capital. The difference is
// the account's share of system losses.
func ConvertProfitToCapital(acct *TradingAccount, g *GlobalState, h Haircut, currentSlot, warmupPeriodSlots uint64) (Conversion, error) {
	available := acct.RealizedPnL.PositivePart()
	warmable, err := CalculateWarmableAmount(acct.Warmup, available, currentSlot, warmupPeriodSlots)
	if err != nil {
		return Conversion{}, err
	}
	if warmable.IsZero() {
		return Conversion{}, nil
	}

	converted, err := h.Apply(warmable)
	if err != nil {
		return Conversion{}, err
	}

	a, gs := *acct, *g
	pnl, err := a.RealizedPnL.SubU128(warmable)
	if err != nil {
		return Conversion{}, err
	}
	if err := setRealizedPnL(&a, &gs, pnl); err != nil {
		return Conversion{}, err
	}
	if err := addCapital(&a, &gs, converted); err != nil {
		return Conversion{}, err
	}

	remaining := a.RealizedPnL.PositivePart()
	if remaining.IsZero() {
		a.Warmup = Warmup{StartedAt: currentSlot, Phase: WarmupIdle}
	} else {
		a.Warmup.StartedAt = currentSlot
		a.Warmup.Banked = fpmath.ZeroU128
	}

	*acct, *g = a, gs
	return Conversion{
		Warmable:    warmable,
		Converted:   converted,
		HaircutLoss: warmable.SaturatingSub(converted),
	}, nil
}
