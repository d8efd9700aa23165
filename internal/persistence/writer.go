package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// EventRow represents a row in event_log.events.
type EventRow struct {
	MarketID       string
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Slot           uint64
	Payload        []byte // JSON-encoded event payload
	RejectReason   string // empty when the event was applied
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal. Amounts are decimal
// strings because they exceed int64.
type JournalRow struct {
	JournalID     string
	BatchID       string
	MarketID      string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        string
	JournalType   string
	Timestamp     int64 // epoch microseconds
}

// EventLogWriter writes events and journals with multi-row INSERTs. Writes
// are idempotent: a replayed batch conflicts and is skipped.
type EventLogWriter struct{}

func NewEventLogWriter() *EventLogWriter {
	return &EventLogWriter{}
}

// placeholders returns "($1, $2, ...), (...)" for rows*cols parameters.
func placeholders(rows, cols int) string {
	var sb strings.Builder
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(r*cols + c + 1))
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, q queryer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 11
	args := make([]interface{}, 0, len(events)*cols)
	for _, e := range events {
		var reject *string
		if e.RejectReason != "" {
			r := e.RejectReason
			reject = &r
		}
		args = append(args,
			e.MarketID, e.Sequence, e.EventType, e.IdempotencyKey,
			strconv.FormatUint(e.Slot, 10), e.Payload, reject,
			e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query := `INSERT INTO event_log.events
		(market_id, sequence, event_type, idempotency_key, slot, payload, reject_reason,
		 state_hash, prev_hash, timestamp, source_sequence)
		VALUES ` + placeholders(len(events), cols) +
		` ON CONFLICT (market_id, sequence) DO NOTHING`

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, q queryer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 10
	args := make([]interface{}, 0, len(journals)*cols)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.MarketID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, market_id, event_ref, sequence,
		 debit_account, credit_account, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), cols) +
		` ON CONFLICT (journal_id) DO NOTHING`

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert journals: %w", err)
	}
	return nil
}

// LoadEventsFrom loads events from a given sequence for replay.
func LoadEventsFrom(ctx context.Context, q queryer, market string, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT market_id, sequence, event_type, idempotency_key, slot, payload,
		       COALESCE(reject_reason, ''), state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE market_id = $1 AND sequence >= $2
		ORDER BY sequence ASC
		LIMIT $3
	`, market, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e    EventRow
			slot string
		)
		if err := rows.Scan(
			&e.MarketID, &e.Sequence, &e.EventType, &e.IdempotencyKey, &slot, &e.Payload,
			&e.RejectReason, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		if e.Slot, err = strconv.ParseUint(slot, 10, 64); err != nil {
			return nil, fmt.Errorf("event %d slot: %w", e.Sequence, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest sequence in the event log, or -1 when
// the log is empty.
func LatestSequence(ctx context.Context, q queryer, market string) (int64, error) {
	var seq sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log.events WHERE market_id = $1`, market,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
