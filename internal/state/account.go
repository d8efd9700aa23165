package state

import (
	fpmath "Percolator/internal/math"

	"github.com/google/uuid"
)

// AccountStatus is the lifecycle phase of a slot in the account book.
type AccountStatus uint8

const (
	AccountStatusActive AccountStatus = iota
	AccountStatusClosed
)

func (s AccountStatus) String() string {
	switch s {
	case AccountStatusActive:
		return "Active"
	case AccountStatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates lifecycle transitions. A closed slot is
// reactivated only by being reassigned to a new owner.
func (s AccountStatus) CanTransitionTo(next AccountStatus) bool {
	validTransitions := map[AccountStatus][]AccountStatus{
		AccountStatusActive: {AccountStatusClosed},
		AccountStatusClosed: {AccountStatusActive},
	}
	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Side is derived from the signed position size.
type Side uint8

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "flat"
	}
}

// TradingAccount is one trader's record in a market.
//
// Capital is senior, fully backed collateral. RealizedPnL is the junior
// claim: positive values are unconverted profit subject to the haircut,
// negative values are losses not yet paid from capital.
type TradingAccount struct {
	Index        uint64
	Owner        uuid.UUID
	Status       AccountStatus
	Capital      fpmath.U128
	RealizedPnL  fpmath.I128
	PositionSize fpmath.I128 // base units, signed
	EntryPrice   uint64      // PriceScale
	FeeCredits   fpmath.I128 // negative = maintenance fee debt
	Warmup       Warmup
	LastFeeSlot  uint64
	FundingIndex fpmath.I128 // global funding index at last settlement
	Version      int64
}

// NewTradingAccount returns an empty active account. Fee accrual and
// funding start from the slot and index at creation.
func NewTradingAccount(index uint64, owner uuid.UUID, slot uint64, fundingIndex fpmath.I128) TradingAccount {
	return TradingAccount{
		Index:        index,
		Owner:        owner,
		Status:       AccountStatusActive,
		LastFeeSlot:  slot,
		FundingIndex: fundingIndex,
	}
}

func (a *TradingAccount) Side() Side {
	switch a.PositionSize.Sign() {
	case 1:
		return SideLong
	case -1:
		return SideShort
	default:
		return SideFlat
	}
}

func (a *TradingAccount) IsFlat() bool { return a.PositionSize.IsZero() }

// IsEmpty reports whether the account holds nothing the system owes or is
// owed: no capital, no realized PnL, no position.
func (a *TradingAccount) IsEmpty() bool {
	return a.Capital.IsZero() && a.RealizedPnL.IsZero() && a.PositionSize.IsZero()
}

// FeeDebt is the outstanding maintenance fee debt.
func (a *TradingAccount) FeeDebt() fpmath.U128 {
	return a.FeeCredits.NegativePart()
}

// CanonicalBytes returns deterministic serialization for hashing
func (a *TradingAccount) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)

	buf = appendUint64LE(buf, a.Index)
	buf = append(buf, a.Owner[:]...)
	buf = append(buf, byte(a.Status))
	buf = append(buf, a.Capital.CanonicalBytes()...)
	buf = append(buf, a.RealizedPnL.CanonicalBytes()...)
	buf = append(buf, a.PositionSize.CanonicalBytes()...)
	buf = appendUint64LE(buf, a.EntryPrice)
	buf = append(buf, a.FeeCredits.CanonicalBytes()...)

	// warmup
	buf = appendUint64LE(buf, a.Warmup.StartedAt)
	buf = append(buf, a.Warmup.Slope.CanonicalBytes()...)
	buf = append(buf, a.Warmup.Banked.CanonicalBytes()...)
	buf = append(buf, byte(a.Warmup.Phase))

	buf = appendUint64LE(buf, a.LastFeeSlot)
	buf = append(buf, a.FundingIndex.CanonicalBytes()...)

	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// addCapital and subCapital are the only writers of Capital. Each applies
// the matching CapitalTotal delta.
func addCapital(a *TradingAccount, g *GlobalState, amount fpmath.U128) error {
	c, err := a.Capital.Add(amount)
	if err != nil {
		return err
	}
	total, err := g.CapitalTotal.Add(amount)
	if err != nil {
		return err
	}
	a.Capital, g.CapitalTotal = c, total
	return nil
}

func subCapital(a *TradingAccount, g *GlobalState, amount fpmath.U128) error {
	c, err := a.Capital.Sub(amount)
	if err != nil {
		return err
	}
	total, err := g.CapitalTotal.Sub(amount)
	if err != nil {
		return err
	}
	a.Capital, g.CapitalTotal = c, total
	return nil
}

// setRealizedPnL is the only writer of RealizedPnL. It moves
// PnLPositiveTotal by the change in the positive part.
func setRealizedPnL(a *TradingAccount, g *GlobalState, pnl fpmath.I128) error {
	oldPos := a.RealizedPnL.PositivePart()
	newPos := pnl.PositivePart()
	total, err := g.PnLPositiveTotal.Sub(oldPos)
	if err != nil {
		return err
	}
	if total, err = total.Add(newPos); err != nil {
		return err
	}
	a.RealizedPnL, g.PnLPositiveTotal = pnl, total
	return nil
}

// realizePnL adds delta to RealizedPnL and keeps the warmup curve consistent
// with the new available profit.
func realizePnL(a *TradingAccount, g *GlobalState, delta fpmath.I128, slot, warmupPeriod uint64) error {
	if delta.IsZero() {
		return nil
	}
	prev := a.RealizedPnL.PositivePart()
	pnl, err := a.RealizedPnL.Add(delta)
	if err != nil {
		return err
	}
	if err := setRealizedPnL(a, g, pnl); err != nil {
		return err
	}
	next := pnl.PositivePart()
	if prev.Cmp(next) == 0 {
		return nil
	}
	return UpdateWarmupSlope(&a.Warmup, prev, next, slot, warmupPeriod)
}
