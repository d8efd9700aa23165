package event

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// CrankRequested asks the engine to run one keeper pass at CurrentSlot.
// Any caller may request a crank; the bounded window keeps each pass cheap.
// Request IDs are ULIDs so the crank history sorts by request time.
// Idempotency key: request_id.
type CrankRequested struct {
	RequestID   ulid.ULID
	Market      string
	Requester   string
	CurrentSlot uint64
	Sequence    int64 // gaps tolerated
	Timestamp   time.Time
}

// NewCrankRequest builds a request with a fresh ULID derived from ts.
func NewCrankRequest(market, requester string, slot uint64, ts time.Time) *CrankRequested {
	return &CrankRequested{
		RequestID:   ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()),
		Market:      market,
		Requester:   requester,
		CurrentSlot: slot,
		Sequence:    int64(slot),
		Timestamp:   ts,
	}
}

func (c *CrankRequested) IdempotencyKey() string { return c.RequestID.String() }

func (c *CrankRequested) EventType() EventType { return EventTypeCrankRequested }

func (c *CrankRequested) MarketID() *string { return marketRef(c.Market) }

func (c *CrankRequested) SourceSequence() int64 { return c.Sequence }

func (c *CrankRequested) Slot() uint64 { return c.CurrentSlot }

func (c *CrankRequested) OccurredAt() time.Time { return c.Timestamp }
