package projection

import (
	"Percolator/internal/ledger"
	fpmath "Percolator/internal/math"
	"context"
	"database/sql"
	"fmt"
	"time"
)

// FundingHistoryEntry is one account's net funding payment for an event.
type FundingHistoryEntry struct {
	MarketID     string
	AccountIndex uint64
	Sequence     int64
	Payment      fpmath.I128 // positive = paid, negative = received
	Slot         uint64
	Timestamp    time.Time
}

// FundingEntries extracts per-account funding payments from a journal
// batch. A payer's PnL account is credited, a receiver's is debited.
func FundingEntries(market string, seq int64, slot uint64, ts time.Time, b *ledger.Batch) []FundingHistoryEntry {
	var (
		order []uint64
		byIdx = make(map[uint64]fpmath.I128)
	)
	for _, j := range b.Journals {
		if j.JournalType != ledger.JournalTypeFundingSettlement {
			continue
		}
		var (
			idx   uint64
			delta fpmath.I128
			err   error
		)
		switch {
		case j.CreditAccount.Scope == ledger.AccountScopeUser:
			idx = j.CreditAccount.Index
			delta, err = j.Amount.ToI128()
		case j.DebitAccount.Scope == ledger.AccountScopeUser:
			idx = j.DebitAccount.Index
			delta, err = fpmath.ZeroI128.SubU128(j.Amount)
		default:
			continue
		}
		if err != nil {
			continue
		}
		prev, seen := byIdx[idx]
		if !seen {
			order = append(order, idx)
		}
		if sum, err := prev.Add(delta); err == nil {
			byIdx[idx] = sum
		}
	}

	out := make([]FundingHistoryEntry, 0, len(order))
	for _, idx := range order {
		if byIdx[idx].IsZero() {
			continue
		}
		out = append(out, FundingHistoryEntry{
			MarketID:     market,
			AccountIndex: idx,
			Sequence:     seq,
			Payment:      byIdx[idx],
			Slot:         slot,
			Timestamp:    ts,
		})
	}
	return out
}

func insertFunding(ctx context.Context, tx *sql.Tx, e FundingHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.funding_history (market_id, account_index, sequence, payment, slot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id, account_index, sequence) DO NOTHING
	`, e.MarketID, u64(e.AccountIndex), e.Sequence, e.Payment, u64(e.Slot), e.Timestamp)
	return err
}

// QueryFundingHistory returns an account's most recent funding payments,
// newest first.
func QueryFundingHistory(ctx context.Context, db *sql.DB, market string, index uint64, limit int) ([]FundingHistoryEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, payment, slot::TEXT, created_at
		FROM projections.funding_history
		WHERE market_id = $1 AND account_index = $2
		ORDER BY sequence DESC
		LIMIT $3
	`, market, u64(index), limit)
	if err != nil {
		return nil, fmt.Errorf("query funding history: %w", err)
	}
	defer rows.Close()

	var out []FundingHistoryEntry
	for rows.Next() {
		e := FundingHistoryEntry{MarketID: market, AccountIndex: index}
		var slot string
		if err := rows.Scan(&e.Sequence, &e.Payment, &slot, &e.Timestamp); err != nil {
			return nil, err
		}
		if _, err := fmt.Sscan(slot, &e.Slot); err != nil {
			return nil, fmt.Errorf("funding slot %q: %w", slot, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
