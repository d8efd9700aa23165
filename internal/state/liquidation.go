package state

import (
	fpmath "Percolator/internal/math"
)

// LiquidationPolicy decides when an account is liquidated and how. The
// crank calls it last in every touch.
type LiquidationPolicy interface {
	IsLiquidatable(acct *TradingAccount, oraclePrice uint64, g *GlobalState) bool
	Liquidate(acct *TradingAccount, g *GlobalState, oraclePrice uint64) error
}

// MaintenanceMarginPolicy liquidates accounts whose equity (haircut
// applied, fee debt subtracted) falls below the maintenance margin. Params
// is read at call time so runtime parameter updates take effect.
type MaintenanceMarginPolicy struct {
	Params *RiskParams
}

func NewMaintenanceMarginPolicy(params *RiskParams) *MaintenanceMarginPolicy {
	return &MaintenanceMarginPolicy{Params: params}
}

func (p *MaintenanceMarginPolicy) IsLiquidatable(acct *TradingAccount, oraclePrice uint64, g *GlobalState) bool {
	if acct.IsFlat() || acct.Status != AccountStatusActive {
		return false
	}
	ms, err := ComputeMarginStatus(acct, g, oraclePrice, p.Params)
	if err != nil {
		// Liquidate surfaces the arithmetic failure on its own path.
		return true
	}
	return ms.Equity.Cmp(ms.MaintenanceMargin) < 0
}

// Liquidate realizes mark PnL at the oracle, closes the position, takes a
// liquidation fee (capped at capital) into the insurance fund, and routes
// any remaining loss through SettleLosses.
func (p *MaintenanceMarginPolicy) Liquidate(acct *TradingAccount, g *GlobalState, oraclePrice uint64) error {
	if acct.IsFlat() {
		return &LiquidationError{AccountIndex: acct.Index, Reason: "no open position"}
	}
	a, gs := *acct, *g

	if _, err := SettleMarkToOracle(&a, &gs, oraclePrice, gs.CurrentSlot, p.Params.WarmupPeriodSlots); err != nil {
		return &LiquidationError{AccountIndex: a.Index, Reason: "mark settlement", Err: err}
	}
	notional, err := fpmath.ComputeNotional(a.PositionSize, oraclePrice)
	if err != nil {
		return &LiquidationError{AccountIndex: a.Index, Reason: "notional", Err: err}
	}
	a.PositionSize = fpmath.ZeroI128
	a.EntryPrice = 0

	if _, err := SettleLosses(&a, &gs); err != nil {
		return &LiquidationError{AccountIndex: a.Index, Reason: "loss settlement", Err: err}
	}

	fee, err := fpmath.ApplyBps(notional, p.Params.LiquidationFeeBps)
	if err != nil {
		return &LiquidationError{AccountIndex: a.Index, Reason: "liquidation fee", Err: err}
	}
	fee = fpmath.MinU128(fee, a.Capital)
	if !fee.IsZero() {
		if err := subCapital(&a, &gs, fee); err != nil {
			return &LiquidationError{AccountIndex: a.Index, Reason: "liquidation fee", Err: err}
		}
		if gs.InsuranceFund, err = gs.InsuranceFund.Add(fee); err != nil {
			return &LiquidationError{AccountIndex: a.Index, Reason: "liquidation fee", Err: err}
		}
	}

	*acct, *g = a, gs
	return nil
}
