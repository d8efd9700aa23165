package state

import (
	"fmt"

	fpmath "Percolator/internal/math"
)

// RiskParams is the market configuration surface.
type RiskParams struct {
	WarmupPeriodSlots       uint64      // slots to fully unlock profit; 0 = immediate
	AccountsToTouch         uint64      // per-crank budget
	FeeBps                  uint64      // trading fee
	MaintenanceFeePerSlot   fpmath.U128 // quote units per slot per account
	MaxFill                 fpmath.U128 // base units per fill; 0 = unlimited
	MaxInventory            fpmath.U128 // base units per position; 0 = unlimited
	InitialMarginBps        uint64
	MaintenanceMarginBps    uint64
	LiquidationFeeBps       uint64
	MaxOracleStalenessSlots uint64 // 0 = never stale
	EffectiveSeq            int64  // Sequence at which params take effect
}

// DefaultRiskParams returns the parameters a new market starts with.
func DefaultRiskParams() *RiskParams {
	return &RiskParams{
		WarmupPeriodSlots:       1_000,
		AccountsToTouch:         10,
		FeeBps:                  10,
		MaintenanceFeePerSlot:   fpmath.ZeroU128,
		InitialMarginBps:        1_000, // 10%
		MaintenanceMarginBps:    500,   // 5%
		LiquidationFeeBps:       100,
		MaxOracleStalenessSlots: 150,
	}
}

// ValidateRiskParams checks that risk parameters are within valid ranges:
// 0 < mm < im <= 10_000, accounts_to_touch > 0, fee_bps < 10_000.
func ValidateRiskParams(params *RiskParams) error {
	if params.AccountsToTouch == 0 {
		return fmt.Errorf("accounts_to_touch must be > 0")
	}
	if params.FeeBps >= fpmath.BpsDenominator {
		return fmt.Errorf("fee_bps must be < %d, got %d", fpmath.BpsDenominator, params.FeeBps)
	}
	if params.MaintenanceMarginBps == 0 {
		return fmt.Errorf("maintenance_margin_bps must be > 0")
	}
	if params.InitialMarginBps <= params.MaintenanceMarginBps {
		return fmt.Errorf("initial_margin_bps (%d) must be > maintenance_margin_bps (%d)",
			params.InitialMarginBps, params.MaintenanceMarginBps)
	}
	if params.InitialMarginBps > fpmath.BpsDenominator {
		return fmt.Errorf("initial_margin_bps must be <= %d, got %d", fpmath.BpsDenominator, params.InitialMarginBps)
	}
	if params.LiquidationFeeBps >= fpmath.BpsDenominator {
		return fmt.Errorf("liquidation_fee_bps must be < %d, got %d", fpmath.BpsDenominator, params.LiquidationFeeBps)
	}
	return nil
}

// CheckFillLimits enforces max_fill on the fill size and max_inventory on
// the resulting position.
func (p *RiskParams) CheckFillLimits(sizeDelta, resultingPosition fpmath.I128) error {
	if !p.MaxFill.IsZero() && sizeDelta.Abs().Cmp(p.MaxFill) > 0 {
		return fmt.Errorf("%w: fill size %s above max_fill %s", ErrLimitExceeded, sizeDelta.Abs(), p.MaxFill)
	}
	if !p.MaxInventory.IsZero() && resultingPosition.Abs().Cmp(p.MaxInventory) > 0 {
		return fmt.Errorf("%w: position %s above max_inventory %s", ErrLimitExceeded, resultingPosition.Abs(), p.MaxInventory)
	}
	return nil
}
