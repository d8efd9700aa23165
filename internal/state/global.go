package state

import (
	"fmt"

	fpmath "Percolator/internal/math"
)

// GlobalState holds the per-market aggregates. CapitalTotal and
// PnLPositiveTotal are maintained by paired deltas, never by scanning.
type GlobalState struct {
	VaultBalance     fpmath.U128
	CapitalTotal     fpmath.U128
	PnLPositiveTotal fpmath.U128
	InsuranceFund    fpmath.U128

	LastCrankCursor uint64
	TotalAccounts   uint64

	CurrentSlot        uint64
	FundingIndex       fpmath.I128
	FundingRatePerSlot fpmath.I128 // RateScale
	LastFundingSlot    uint64
}

// Residual is the vault balance left after senior claims, floored at zero.
func (g *GlobalState) Residual() fpmath.U128 {
	senior, err := g.CapitalTotal.Add(g.InsuranceFund)
	if err != nil {
		return fpmath.ZeroU128
	}
	return g.VaultBalance.SaturatingSub(senior)
}

// Haircut is recomputed from current aggregates on every call.
func (g *GlobalState) Haircut() Haircut {
	return ComputeHaircut(g.VaultBalance, g.CapitalTotal, g.InsuranceFund, g.PnLPositiveTotal)
}

// CheckSolvency is the O(1) global invariant: senior claims never exceed the
// vault. Profit claims are bounded by the residual through the haircut.
func (g *GlobalState) CheckSolvency() error {
	senior, err := g.CapitalTotal.Add(g.InsuranceFund)
	if err != nil {
		return fmt.Errorf("senior claims: %w", err)
	}
	if senior.Cmp(g.VaultBalance) > 0 {
		return fmt.Errorf("senior claims %s exceed vault balance %s", senior, g.VaultBalance)
	}
	h := g.Haircut()
	if h.Num.Cmp(h.Den) > 0 {
		return fmt.Errorf("haircut ratio %s/%s above one", h.Num, h.Den)
	}
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (g *GlobalState) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)
	buf = append(buf, g.VaultBalance.CanonicalBytes()...)
	buf = append(buf, g.CapitalTotal.CanonicalBytes()...)
	buf = append(buf, g.PnLPositiveTotal.CanonicalBytes()...)
	buf = append(buf, g.InsuranceFund.CanonicalBytes()...)
	buf = appendUint64LE(buf, g.LastCrankCursor)
	buf = appendUint64LE(buf, g.TotalAccounts)
	buf = appendUint64LE(buf, g.CurrentSlot)
	buf = append(buf, g.FundingIndex.CanonicalBytes()...)
	buf = append(buf, g.FundingRatePerSlot.CanonicalBytes()...)
	buf = appendUint64LE(buf, g.LastFundingSlot)
	return buf
}

// Oracle is the price source consumed by the crank and liquidation policy.
type Oracle interface {
	Price() (price uint64, publishSlot uint64, ok bool)
}

// OracleState holds the latest pushed price. Every source is treated the
// same way.
type OracleState struct {
	LastPrice   uint64
	PublishSlot uint64
}

func (o *OracleState) Price() (uint64, uint64, bool) {
	return o.LastPrice, o.PublishSlot, o.LastPrice != 0
}

// Update rejects zero prices and out-of-order publish slots.
func (o *OracleState) Update(price, slot uint64) error {
	if price == 0 {
		return fmt.Errorf("oracle price must be > 0")
	}
	if o.LastPrice != 0 && slot < o.PublishSlot {
		return fmt.Errorf("oracle update slot %d older than %d", slot, o.PublishSlot)
	}
	o.LastPrice = price
	o.PublishSlot = slot
	return nil
}

// FreshPrice returns the oracle price if it was published within
// maxStaleness slots of currentSlot.
func FreshPrice(o Oracle, currentSlot, maxStaleness uint64) (uint64, error) {
	price, slot, ok := o.Price()
	if !ok {
		return 0, ErrNoOraclePrice
	}
	if maxStaleness > 0 && currentSlot > slot && currentSlot-slot > maxStaleness {
		return 0, fmt.Errorf("%w: published at slot %d, now %d", ErrStaleOracle, slot, currentSlot)
	}
	return price, nil
}
