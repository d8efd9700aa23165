package state

import (
	"fmt"

	fpmath "Percolator/internal/math"
)

// FundingModel accrues the global funding index. The crank calls it once
// per pass before touching accounts.
type FundingModel interface {
	AccrueFunding(g *GlobalState, oraclePrice, currentSlot uint64) (fpmath.I128, error)
}

// FundingManager tracks funding-rate epochs and accrues the cumulative
// funding index from the current per-slot rate.
type FundingManager struct {
	snapshots         map[int64]*FundingSnapshot // epoch_id -> snapshot
	expectedNextEpoch int64
}

type FundingSnapshot struct {
	EpochID     int64
	RatePerSlot fpmath.I128
	EffectiveAt uint64 // slot
}

func NewFundingManager() *FundingManager {
	return &FundingManager{
		snapshots: make(map[int64]*FundingSnapshot),
	}
}

// StoreFundingRate validates the epoch ordering and records the new rate.
// Returns false for a duplicate epoch.
func (fm *FundingManager) StoreFundingRate(epochID int64, rate fpmath.I128, slot uint64) (bool, error) {
	if epochID < fm.expectedNextEpoch {
		// Duplicate - skip (idempotent)
		return false, nil
	}
	if epochID > fm.expectedNextEpoch {
		return false, fmt.Errorf("funding epoch gap: expected=%d, got=%d", fm.expectedNextEpoch, epochID)
	}
	fm.snapshots[epochID] = &FundingSnapshot{
		EpochID:     epochID,
		RatePerSlot: rate,
		EffectiveAt: slot,
	}
	fm.expectedNextEpoch = epochID + 1
	return true, nil
}

// AccrueFunding advances g.FundingIndex from LastFundingSlot to currentSlot
// at the current rate. Must run before a rate change takes effect so the
// old rate covers the slots it was in force.
func (fm *FundingManager) AccrueFunding(g *GlobalState, oraclePrice, currentSlot uint64) (fpmath.I128, error) {
	if currentSlot <= g.LastFundingSlot {
		return fpmath.ZeroI128, nil
	}
	delta, err := fpmath.ComputeFundingIndexDelta(g.FundingRatePerSlot, oraclePrice, currentSlot-g.LastFundingSlot)
	if err != nil {
		return fpmath.I128{}, err
	}
	index, err := g.FundingIndex.Add(delta)
	if err != nil {
		return fpmath.I128{}, err
	}
	g.FundingIndex = index
	g.LastFundingSlot = currentSlot
	return delta, nil
}

// RestoreSnapshot directly sets a funding snapshot (used for snapshot restore)
func (fm *FundingManager) RestoreSnapshot(snap *FundingSnapshot) {
	fm.snapshots[snap.EpochID] = snap
}

// RestoreNextEpoch directly sets the next expected epoch (used for snapshot restore)
func (fm *FundingManager) RestoreNextEpoch(nextEpoch int64) {
	fm.expectedNextEpoch = nextEpoch
}

func (fm *FundingManager) NextEpoch() int64 { return fm.expectedNextEpoch }

// GetAllSnapshots returns all funding snapshots (for snapshot creation)
func (fm *FundingManager) GetAllSnapshots() []*FundingSnapshot {
	result := make([]*FundingSnapshot, 0, len(fm.snapshots))
	for _, v := range fm.snapshots {
		result = append(result, v)
	}
	return result
}
