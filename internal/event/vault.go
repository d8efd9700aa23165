package event

import (
	fpmath "Percolator/internal/math"
	"time"

	"github.com/google/uuid"
)

// DepositConfirmed is emitted by custody once tokens reached the vault.
// The first deposit of an unknown owner opens an account.
// Idempotency key: deposit_id.
type DepositConfirmed struct {
	DepositID uuid.UUID
	Owner     uuid.UUID
	Market    string
	Amount    fpmath.U128 // quote units
	Sequence  int64
	EventSlot uint64
	Timestamp time.Time
}

func (d *DepositConfirmed) IdempotencyKey() string { return d.DepositID.String() }

func (d *DepositConfirmed) EventType() EventType { return EventTypeDepositConfirmed }

func (d *DepositConfirmed) MarketID() *string { return marketRef(d.Market) }

func (d *DepositConfirmed) SourceSequence() int64 { return d.Sequence }

func (d *DepositConfirmed) Slot() uint64 { return d.EventSlot }

func (d *DepositConfirmed) OccurredAt() time.Time { return d.Timestamp }

// WithdrawalRequested asks to release capital from the vault. Only capital
// is withdrawable and the remaining equity must cover initial margin.
// Idempotency key: withdrawal_id.
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID
	Owner        uuid.UUID
	Market       string
	Amount       fpmath.U128
	Sequence     int64
	EventSlot    uint64
	Timestamp    time.Time
}

func (w *WithdrawalRequested) IdempotencyKey() string { return w.WithdrawalID.String() }

func (w *WithdrawalRequested) EventType() EventType { return EventTypeWithdrawalRequested }

func (w *WithdrawalRequested) MarketID() *string { return marketRef(w.Market) }

func (w *WithdrawalRequested) SourceSequence() int64 { return w.Sequence }

func (w *WithdrawalRequested) Slot() uint64 { return w.EventSlot }

func (w *WithdrawalRequested) OccurredAt() time.Time { return w.Timestamp }

// WithdrawalApproved is published after capital and the vault were debited.
// The token-transfer service acts on it.
type WithdrawalApproved struct {
	WithdrawalID uuid.UUID
	Owner        uuid.UUID
	Market       string
	AccountIndex uint64
	Amount       fpmath.U128
	Sequence     int64 // engine sequence of the request's envelope
}

// WithdrawalRejected is published when a request failed validation. No
// state changed.
type WithdrawalRejected struct {
	WithdrawalID uuid.UUID
	Owner        uuid.UUID
	Market       string
	Amount       fpmath.U128
	Reason       string
}
