package event

import (
	"time"

	"github.com/google/uuid"
)

// AccountCloseRequested closes the owner's account once it holds no
// capital, PnL or position. The slot becomes reusable.
// Idempotency key: request_id.
type AccountCloseRequested struct {
	RequestID uuid.UUID
	Owner     uuid.UUID
	Market    string
	Sequence  int64
	EventSlot uint64
	Timestamp time.Time
}

func (a *AccountCloseRequested) IdempotencyKey() string { return a.RequestID.String() }

func (a *AccountCloseRequested) EventType() EventType { return EventTypeAccountCloseRequested }

func (a *AccountCloseRequested) MarketID() *string { return marketRef(a.Market) }

func (a *AccountCloseRequested) SourceSequence() int64 { return a.Sequence }

func (a *AccountCloseRequested) Slot() uint64 { return a.EventSlot }

func (a *AccountCloseRequested) OccurredAt() time.Time { return a.Timestamp }
