package event

import (
	"fmt"
	"time"
)

// OraclePriceUpdate carries a new oracle observation. Sequence gaps are
// tolerated (stale prices are simply superseded), so PriceSequence only has
// to increase.
// Idempotency key: "{market}:{price_sequence}".
type OraclePriceUpdate struct {
	Market        string
	Price         uint64 // fpmath.PriceScale
	PublishSlot   uint64
	PriceSequence int64
	Timestamp     time.Time
}

func (m *OraclePriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", m.Market, m.PriceSequence)
}

func (m *OraclePriceUpdate) EventType() EventType {
	return EventTypeOraclePriceUpdate
}

func (m *OraclePriceUpdate) MarketID() *string {
	return marketRef(m.Market)
}

func (m *OraclePriceUpdate) SourceSequence() int64 {
	return m.PriceSequence
}

func (m *OraclePriceUpdate) Slot() uint64 { return m.PublishSlot }

func (m *OraclePriceUpdate) OccurredAt() time.Time { return m.Timestamp }
