package core

import (
	"Percolator/internal/ledger"
	fpmath "Percolator/internal/math"
	"Percolator/internal/state"
	"fmt"
	"sort"
)

// SnapshotState holds the engine's in-memory state for restore. Replay of
// the events after Sequence must reproduce the live state hash for hash.
type SnapshotState struct {
	Market           string
	Sequence         int64 // last processed sequence
	StateHash        [32]byte
	JournalSequence  int64
	Accounts         []state.TradingAccount
	Global           state.GlobalState
	SlotCount        uint64
	Oracle           state.OracleState
	Params           state.RiskParams
	FundingSnapshots []state.FundingSnapshot
	FundingNextEpoch int64
	Balances         map[ledger.AccountKey]fpmath.I128
	SequenceState    map[string]int64
	IdempotencyKeys  []string
}

// CreateSnapshotState captures the current state for persistence.
func (c *RiskEngine) CreateSnapshotState() *SnapshotState {
	c.mu.Lock()
	defer c.mu.Unlock()

	snaps := c.fundingManager.GetAllSnapshots()
	funding := make([]state.FundingSnapshot, 0, len(snaps))
	for _, s := range snaps {
		funding = append(funding, *s)
	}
	sort.Slice(funding, func(i, j int) bool { return funding[i].EpochID < funding[j].EpochID })

	return &SnapshotState{
		Market:           c.market,
		Sequence:         c.sequence - 1,
		StateHash:        c.hasher.current(),
		JournalSequence:  c.journalGen.Sequence(),
		Accounts:         c.book.GetAll(),
		Global:           c.book.Global(),
		SlotCount:        c.book.SlotCount(),
		Oracle:           *c.oracle,
		Params:           *c.params,
		FundingSnapshots: funding,
		FundingNextEpoch: c.fundingManager.NextEpoch(),
		Balances:         c.balanceTracker.Snapshot(),
		SequenceState:    c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys:  c.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot replaces the engine's state with snap. Call it on a
// fresh engine before processing any event, then replay the log from
// snap.Sequence+1. The restored book is reconciled against the restored
// ledger before the engine accepts events.
func (c *RiskEngine) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.Market != c.market {
		return fmt.Errorf("%w: snapshot for %q", ErrWrongMarket, snap.Market)
	}
	if err := state.ValidateRiskParams(&snap.Params); err != nil {
		return fmt.Errorf("snapshot params: %w", err)
	}

	c.sequence = snap.Sequence + 1
	c.hasher.reset(snap.StateHash)
	c.journalGen.SetSequence(snap.JournalSequence)

	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}
	c.book.Restore(snap.Accounts, snap.Global, snap.SlotCount)
	*c.oracle = snap.Oracle
	*c.params = snap.Params

	for i := range snap.FundingSnapshots {
		fs := snap.FundingSnapshots[i]
		c.fundingManager.RestoreSnapshot(&fs)
	}
	c.fundingManager.RestoreNextEpoch(snap.FundingNextEpoch)

	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	for i := range snap.Accounts {
		if err := c.validator.ReconcileAccount(&snap.Accounts[i]); err != nil {
			return fmt.Errorf("snapshot reconcile: %w", err)
		}
	}
	g := c.book.Global()
	if err := c.validator.ReconcileGlobal(&g); err != nil {
		return fmt.Errorf("snapshot reconcile: %w", err)
	}
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *RiskEngine) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.lru.WarmFromKeys(keys)
}

// SetDBChecker attaches the Postgres dedup tier. Call it after replay:
// every logged event would otherwise look like a duplicate of itself.
func (c *RiskEngine) SetDBChecker(db DBIdempotencyChecker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.dbChecker = db
}
