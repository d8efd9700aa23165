package event

import (
	fpmath "Percolator/internal/math"
	"fmt"
	"time"
)

// FundingRateUpdate sets the per-slot funding rate from EffectiveSlot on.
// Funding up to that slot accrues at the previous rate.
// Idempotency key: "{market}:{epoch_id}".
type FundingRateUpdate struct {
	Market        string
	EpochID       int64       // monotonic per market, no gaps
	RatePerSlot   fpmath.I128 // fpmath.RateScale, positive = longs pay
	EffectiveSlot uint64
	Timestamp     time.Time
}

func (f *FundingRateUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", f.Market, f.EpochID)
}

func (f *FundingRateUpdate) EventType() EventType {
	return EventTypeFundingRateUpdate
}

func (f *FundingRateUpdate) MarketID() *string {
	return marketRef(f.Market)
}

func (f *FundingRateUpdate) SourceSequence() int64 {
	return f.EpochID
}

func (f *FundingRateUpdate) Slot() uint64 { return f.EffectiveSlot }

func (f *FundingRateUpdate) OccurredAt() time.Time { return f.Timestamp }
