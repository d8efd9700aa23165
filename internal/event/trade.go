package event

import (
	fpmath "Percolator/internal/math"
	"time"

	"github.com/google/uuid"
)

// TradeFill represents a matched trade between two accounts of the market.
// Size is signed from the taker's side: positive means the taker bought.
// The maker receives the opposite delta.
// Idempotency key: fill_id (UUID from matching engine).
type TradeFill struct {
	FillID       uuid.UUID
	Market       string
	Taker        uuid.UUID
	Maker        uuid.UUID
	Size         fpmath.I128 // base units
	Price        uint64      // fpmath.PriceScale
	FillSequence int64       // source sequence from matching engine
	EventSlot    uint64
	Timestamp    time.Time // versioned input timestamp (NOT wall-clock)
}

func (t *TradeFill) IdempotencyKey() string {
	return t.FillID.String()
}

func (t *TradeFill) EventType() EventType {
	return EventTypeTradeFill
}

func (t *TradeFill) MarketID() *string {
	return marketRef(t.Market)
}

func (t *TradeFill) SourceSequence() int64 {
	return t.FillSequence
}

func (t *TradeFill) Slot() uint64 { return t.EventSlot }

func (t *TradeFill) OccurredAt() time.Time { return t.Timestamp }
