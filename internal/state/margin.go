package state

import (
	"fmt"

	fpmath "Percolator/internal/math"
)

// MarginRequirement returns ceil(notional(position, price) * bps / 10000).
func MarginRequirement(a *TradingAccount, price, bps uint64) (fpmath.U128, error) {
	if a.IsFlat() {
		return fpmath.ZeroU128, nil
	}
	notional, err := fpmath.ComputeNotional(a.PositionSize, price)
	if err != nil {
		return fpmath.U128{}, err
	}
	return fpmath.ApplyBps(notional, bps)
}

// MarginStatus is a point-in-time view of an account's margin.
type MarginStatus struct {
	Equity            fpmath.U128
	MarkPnL           fpmath.I128
	InitialMargin     fpmath.U128
	MaintenanceMargin fpmath.U128
}

// ComputeMarginStatus evaluates the account at price under the current
// haircut.
func ComputeMarginStatus(a *TradingAccount, g *GlobalState, price uint64, params *RiskParams) (MarginStatus, error) {
	var markPnL fpmath.I128
	if !a.IsFlat() {
		var err error
		if markPnL, err = fpmath.ComputeMarkPnL(a.PositionSize, a.EntryPrice, price); err != nil {
			return MarginStatus{}, err
		}
	}
	equity, err := AccountEquity(a, markPnL, g.Haircut())
	if err != nil {
		return MarginStatus{}, err
	}
	im, err := MarginRequirement(a, price, params.InitialMarginBps)
	if err != nil {
		return MarginStatus{}, err
	}
	mm, err := MarginRequirement(a, price, params.MaintenanceMarginBps)
	if err != nil {
		return MarginStatus{}, err
	}
	return MarginStatus{Equity: equity, MarkPnL: markPnL, InitialMargin: im, MaintenanceMargin: mm}, nil
}

// CheckInitialMargin rejects when equity is below the initial margin
// requirement. Flat accounts always pass.
func CheckInitialMargin(a *TradingAccount, g *GlobalState, price uint64, params *RiskParams) error {
	if a.IsFlat() {
		return nil
	}
	ms, err := ComputeMarginStatus(a, g, price, params)
	if err != nil {
		return err
	}
	if ms.Equity.Cmp(ms.InitialMargin) < 0 {
		return fmt.Errorf("%w: equity %s below initial margin %s", ErrInsufficientMargin, ms.Equity, ms.InitialMargin)
	}
	return nil
}
