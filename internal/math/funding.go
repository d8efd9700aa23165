package math

// RateScale is the fixed-point scale of per-slot funding rates (8 decimals).
const RateScale = 100_000_000

// ComputeFundingIndexDelta returns how far the cumulative funding index moves
// over elapsed slots: rate * price * elapsed / RateScale. The index is kept
// in price units so that ComputeFundingPayment shares the PriceScale divisor.
func ComputeFundingIndexDelta(ratePerSlot I128, price uint64, elapsed uint64) (I128, error) {
	if elapsed == 0 || ratePerSlot.IsZero() {
		return ZeroI128, nil
	}
	perSlot, err := MulDivSigned(ratePerSlot, I128FromUint64(price), U128FromUint64(RateScale), RoundHalfEven)
	if err != nil {
		return I128{}, err
	}
	return perSlot.Mul(I128FromUint64(elapsed))
}

// ComputeFundingPayment returns what a position owes for the index moving
// from accountIndex to globalIndex. Positive = account pays, negative =
// account receives. Rounded up, so payers round up and receivers round down
// and the market never pays out more than it collects.
func ComputeFundingPayment(size, accountIndex, globalIndex I128) (I128, error) {
	if size.IsZero() {
		return ZeroI128, nil
	}
	delta, err := globalIndex.Sub(accountIndex)
	if err != nil {
		return I128{}, err
	}
	if delta.IsZero() {
		return ZeroI128, nil
	}
	return MulDivSigned(size, delta, U128FromUint64(PriceScale), RoundUp)
}
