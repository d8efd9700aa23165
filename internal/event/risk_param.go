package event

import (
	fpmath "Percolator/internal/math"
	"fmt"
	"time"
)

// RiskParamUpdate replaces the market's risk parameters. The update is
// validated as a whole; an invalid update is rejected and the old set stays.
// Zero-valued limits mean "unlimited".
type RiskParamUpdate struct {
	Market                  string
	WarmupPeriodSlots       uint64
	AccountsToTouch         uint64
	FeeBps                  uint64
	MaintenanceFeePerSlot   fpmath.U128
	MaxFill                 fpmath.U128
	MaxInventory            fpmath.U128
	InitialMarginBps        uint64
	MaintenanceMarginBps    uint64
	LiquidationFeeBps       uint64
	MaxOracleStalenessSlots uint64
	EffectiveSeq            int64 // sequence at which params take effect
	Sequence                int64
	EventSlot               uint64
	Timestamp               time.Time
}

func (r *RiskParamUpdate) IdempotencyKey() string {
	return fmt.Sprintf("risk_param:%s:%d", r.Market, r.EffectiveSeq)
}

func (r *RiskParamUpdate) EventType() EventType {
	return EventTypeRiskParamUpdate
}

func (r *RiskParamUpdate) MarketID() *string {
	return marketRef(r.Market)
}

func (r *RiskParamUpdate) SourceSequence() int64 {
	return r.Sequence
}

func (r *RiskParamUpdate) Slot() uint64 { return r.EventSlot }

func (r *RiskParamUpdate) OccurredAt() time.Time { return r.Timestamp }
