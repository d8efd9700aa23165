package event

import (
	"time"
)

// EventType tags a payload in the event log and on the wire.
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositConfirmed
	EventTypeWithdrawalRequested
	EventTypeTradeFill
	EventTypeOraclePriceUpdate
	EventTypeFundingRateUpdate
	EventTypeCrankRequested
	EventTypeAccountCloseRequested
	EventTypeRiskParamUpdate
)

// EventEnvelope is one row of the event log: the payload plus everything
// replay needs to reproduce and verify it.
type EventEnvelope struct {
	// Engine-assigned position in the market's event log
	Sequence int64

	IdempotencyKey string
	EventType      EventType
	MarketID       *string

	// Market slot the event was applied at
	Slot uint64

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event payload
	Payload []byte

	// Non-empty when the engine recorded the event but rejected it
	RejectReason string

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is an input the engine can apply.
type Event interface {
	IdempotencyKey() string
	EventType() EventType
	MarketID() *string

	// SourceSequence orders events within one (market, type) partition.
	SourceSequence() int64

	// Slot is the market slot the event was produced at. The engine never
	// moves its clock backwards.
	Slot() uint64

	// OccurredAt is the versioned input timestamp. The engine never reads
	// the wall clock.
	OccurredAt() time.Time
}

var eventTypeNames = [...]string{
	EventTypeUnknown:               "Unknown",
	EventTypeDepositConfirmed:      "DepositConfirmed",
	EventTypeWithdrawalRequested:   "WithdrawalRequested",
	EventTypeTradeFill:             "TradeFill",
	EventTypeOraclePriceUpdate:     "OraclePriceUpdate",
	EventTypeFundingRateUpdate:     "FundingRateUpdate",
	EventTypeCrankRequested:        "CrankRequested",
	EventTypeAccountCloseRequested: "AccountCloseRequested",
	EventTypeRiskParamUpdate:       "RiskParamUpdate",
}

func (et EventType) String() string {
	if et < 0 || int(et) >= len(eventTypeNames) {
		return eventTypeNames[EventTypeUnknown]
	}
	return eventTypeNames[et]
}

// ParseEventType is the inverse of String. Unknown names map to
// EventTypeUnknown.
func ParseEventType(s string) EventType {
	for et := EventTypeDepositConfirmed; int(et) < len(eventTypeNames); et++ {
		if eventTypeNames[et] == s {
			return et
		}
	}
	return EventTypeUnknown
}

func marketRef(m string) *string {
	return &m
}
