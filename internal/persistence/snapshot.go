package persistence

import (
	"Percolator/internal/core"
	"Percolator/internal/ledger"
	fpmath "Percolator/internal/math"
	"Percolator/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// snapshotFormatVersion 1: JSON-encoded SnapshotData.
const snapshotFormatVersion = 1

// SnapshotManager creates and loads engine snapshots. Restart loads the
// latest verified snapshot and replays the event log after it.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable form of core.SnapshotState. Ledger
// balances are keyed by account path because JSON object keys must be
// strings.
type SnapshotData struct {
	MarketID         string                  `json:"market_id"`
	Sequence         int64                   `json:"sequence"`
	StateHash        []byte                  `json:"state_hash"`
	JournalSequence  int64                   `json:"journal_sequence"`
	Accounts         []state.TradingAccount  `json:"accounts"`
	Global           state.GlobalState       `json:"global"`
	SlotCount        uint64                  `json:"slot_count"`
	Oracle           state.OracleState       `json:"oracle"`
	Params           state.RiskParams        `json:"params"`
	FundingSnapshots []state.FundingSnapshot `json:"funding_snapshots"`
	FundingNextEpoch int64                   `json:"funding_next_epoch"`
	Balances         map[string]fpmath.I128  `json:"balances"`
	SequenceState    map[string]int64        `json:"sequence_state"` // partition -> next expected
	IdempotencyKeys  []string                `json:"idempotency_keys"`
	CreatedAt        time.Time               `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// FromCoreSnapshot converts engine state for storage.
func FromCoreSnapshot(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	balances := make(map[string]fpmath.I128, len(s.Balances))
	for key, v := range s.Balances {
		balances[key.AccountPath()] = v
	}
	return &SnapshotData{
		MarketID:         s.Market,
		Sequence:         s.Sequence,
		StateHash:        append([]byte(nil), s.StateHash[:]...),
		JournalSequence:  s.JournalSequence,
		Accounts:         s.Accounts,
		Global:           s.Global,
		SlotCount:        s.SlotCount,
		Oracle:           s.Oracle,
		Params:           s.Params,
		FundingSnapshots: s.FundingSnapshots,
		FundingNextEpoch: s.FundingNextEpoch,
		Balances:         balances,
		SequenceState:    s.SequenceState,
		IdempotencyKeys:  s.IdempotencyKeys,
		CreatedAt:        createdAt,
	}
}

// ToCore converts a stored snapshot back into engine state.
func (d *SnapshotData) ToCore() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}
	balances := make(map[ledger.AccountKey]fpmath.I128, len(d.Balances))
	for path, v := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		balances[key] = v
	}
	s := &core.SnapshotState{
		Market:           d.MarketID,
		Sequence:         d.Sequence,
		JournalSequence:  d.JournalSequence,
		Accounts:         d.Accounts,
		Global:           d.Global,
		SlotCount:        d.SlotCount,
		Oracle:           d.Oracle,
		Params:           d.Params,
		FundingSnapshots: d.FundingSnapshots,
		FundingNextEpoch: d.FundingNextEpoch,
		Balances:         balances,
		SequenceState:    d.SequenceState,
		IdempotencyKeys:  d.IdempotencyKeys,
	}
	copy(s.StateHash[:], d.StateHash)
	return s, nil
}

// SaveSnapshot stores a snapshot unverified; call MarkVerified once it
// has been checked.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, market_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (market_id, sequence) DO UPDATE SET data = $4, state_hash = $5, size_bytes = $7
	`, uuid.New(), snap.MarketID, snap.Sequence, data, snap.StateHash,
		snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return nil
}

// LoadLatestSnapshot returns the most recent verified snapshot, or nil on
// a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context, market string) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE market_id = $1 AND verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`, market).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after its integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, market string, sequence int64) error {
	_, err := sm.db.ExecContext(ctx,
		`UPDATE event_log.snapshots SET verified = TRUE WHERE market_id = $1 AND sequence = $2`,
		market, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, market string, fromSequence int64, limit int) ([]EventRow, error) {
	return LoadEventsFrom(ctx, sm.db, market, fromSequence, limit)
}

// GetLatestSequence returns the highest logged sequence, -1 when empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context, market string) (int64, error) {
	return LatestSequence(ctx, sm.db, market)
}
