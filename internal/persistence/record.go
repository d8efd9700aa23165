package persistence

import (
	"Percolator/internal/core"
	"Percolator/internal/state"
)

// Record is everything one engine output writes: the event log row, its
// journals and the state it left behind.
type Record struct {
	Event    EventRow
	Journals []JournalRow
	Accounts []state.TradingAccount
	Global   state.GlobalState
}

// NewRecord converts an engine output into rows.
func NewRecord(out core.CoreOutput) Record {
	env := out.Envelope
	var market string
	if env.MarketID != nil {
		market = *env.MarketID
	}

	r := Record{
		Event: EventRow{
			MarketID:       market,
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Slot:           env.Slot,
			Payload:        env.Payload,
			RejectReason:   env.RejectReason,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
		Accounts: out.Accounts,
		Global:   out.Global,
	}

	if out.Batch != nil {
		r.Journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			r.Journals = append(r.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				MarketID:      market,
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount.String(),
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return r
}
