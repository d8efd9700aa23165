package state

import (
	"fmt"

	fpmath "Percolator/internal/math"
)

// Every settlement function works on copies of the account and global state
// and writes both back only when all steps succeeded.

// LossSettlement is the outcome of SettleLosses.
type LossSettlement struct {
	Paid       fpmath.U128
	WrittenOff fpmath.U128
}

// SettleLosses pays a negative RealizedPnL from capital. Whatever capital
// cannot cover is written off, which lowers the residual for every profit
// holder instead of debiting another account's capital.
func SettleLosses(acct *TradingAccount, g *GlobalState) (LossSettlement, error) {
	if !acct.RealizedPnL.IsNegative() {
		return LossSettlement{}, nil
	}
	a, gs := *acct, *g

	loss := a.RealizedPnL.NegativePart()
	payment := fpmath.MinU128(loss, a.Capital)
	if err := subCapital(&a, &gs, payment); err != nil {
		return LossSettlement{}, err
	}
	// Losses carry no positive part, so PnLPositiveTotal is unchanged.
	if err := setRealizedPnL(&a, &gs, fpmath.ZeroI128); err != nil {
		return LossSettlement{}, err
	}

	*acct, *g = a, gs
	return LossSettlement{
		Paid:       payment,
		WrittenOff: loss.SaturatingSub(payment),
	}, nil
}

// ChargeTradingFee charges ceil(notional * feeBps / 10000) from capital to
// the insurance fund. A fee larger than capital is rejected before any
// mutation.
func ChargeTradingFee(acct *TradingAccount, g *GlobalState, notional fpmath.U128, feeBps uint64) (fpmath.U128, error) {
	fee, err := fpmath.ApplyBps(notional, feeBps)
	if err != nil {
		return fpmath.U128{}, err
	}
	if fee.IsZero() {
		return fee, nil
	}
	if fee.Cmp(acct.Capital) > 0 {
		return fpmath.U128{}, fmt.Errorf("%w: fee %s exceeds capital %s", ErrInsufficientCapital, fee, acct.Capital)
	}
	a, gs := *acct, *g
	if err := subCapital(&a, &gs, fee); err != nil {
		return fpmath.U128{}, err
	}
	if gs.InsuranceFund, err = gs.InsuranceFund.Add(fee); err != nil {
		return fpmath.U128{}, err
	}
	*acct, *g = a, gs
	return fee, nil
}

// AccrueMaintenanceFees books elapsed_slots * feePerSlot as debt in
// FeeCredits. No capital moves.
func AccrueMaintenanceFees(acct *TradingAccount, currentSlot uint64, feePerSlot fpmath.U128) (fpmath.U128, error) {
	if currentSlot <= acct.LastFeeSlot {
		return fpmath.ZeroU128, nil
	}
	elapsed := currentSlot - acct.LastFeeSlot
	accrued, err := feePerSlot.Mul(fpmath.U128FromUint64(elapsed))
	if err != nil {
		return fpmath.U128{}, err
	}
	credits, err := acct.FeeCredits.SubU128(accrued)
	if err != nil {
		return fpmath.U128{}, err
	}
	acct.FeeCredits = credits
	acct.LastFeeSlot = currentSlot
	return accrued, nil
}

// SweepFeeDebt pays fee debt from raw capital into the insurance fund,
// capped at capital. Unpaid debt stays in FeeCredits.
func SweepFeeDebt(acct *TradingAccount, g *GlobalState) (fpmath.U128, error) {
	debt := acct.FeeDebt()
	if debt.IsZero() || acct.Capital.IsZero() {
		return fpmath.ZeroU128, nil
	}
	a, gs := *acct, *g

	payment := fpmath.MinU128(debt, a.Capital)
	if err := subCapital(&a, &gs, payment); err != nil {
		return fpmath.U128{}, err
	}
	var err error
	if gs.InsuranceFund, err = gs.InsuranceFund.Add(payment); err != nil {
		return fpmath.U128{}, err
	}
	if a.FeeCredits, err = a.FeeCredits.AddU128(payment); err != nil {
		return fpmath.U128{}, err
	}

	*acct, *g = a, gs
	return payment, nil
}

// SettleFunding realizes funding owed since the account's last funding
// index. Payers round up and receivers round down.
func SettleFunding(acct *TradingAccount, g *GlobalState, currentSlot, warmupPeriodSlots uint64) (fpmath.I128, error) {
	if acct.FundingIndex.Cmp(g.FundingIndex) == 0 {
		return fpmath.ZeroI128, nil
	}
	payment, err := fpmath.ComputeFundingPayment(acct.PositionSize, acct.FundingIndex, g.FundingIndex)
	if err != nil {
		return fpmath.I128{}, err
	}
	a, gs := *acct, *g
	delta, err := payment.Neg()
	if err != nil {
		return fpmath.I128{}, err
	}
	if err := realizePnL(&a, &gs, delta, currentSlot, warmupPeriodSlots); err != nil {
		return fpmath.I128{}, err
	}
	a.FundingIndex = gs.FundingIndex

	*acct, *g = a, gs
	return payment, nil
}

// SettleMarkToOracle realizes mark PnL at oraclePrice and resets the entry
// price to it. Flat accounts are untouched.
func SettleMarkToOracle(acct *TradingAccount, g *GlobalState, oraclePrice, currentSlot, warmupPeriodSlots uint64) (fpmath.I128, error) {
	if acct.IsFlat() || acct.EntryPrice == oraclePrice {
		return fpmath.ZeroI128, nil
	}
	pnl, err := fpmath.ComputeMarkPnL(acct.PositionSize, acct.EntryPrice, oraclePrice)
	if err != nil {
		return fpmath.I128{}, err
	}
	a, gs := *acct, *g
	if err := realizePnL(&a, &gs, pnl, currentSlot, warmupPeriodSlots); err != nil {
		return fpmath.I128{}, err
	}
	a.EntryPrice = oraclePrice

	*acct, *g = a, gs
	return pnl, nil
}

// Deposit credits capital and the vault by the confirmed token amount.
func Deposit(acct *TradingAccount, g *GlobalState, amount fpmath.U128) error {
	if acct.Status != AccountStatusActive {
		return ErrAccountClosed
	}
	a, gs := *acct, *g
	if err := addCapital(&a, &gs, amount); err != nil {
		return err
	}
	var err error
	if gs.VaultBalance, err = gs.VaultBalance.Add(amount); err != nil {
		return err
	}
	*acct, *g = a, gs
	return nil
}

// Withdraw debits capital and the vault. Only capital is withdrawable;
// profit must convert first.
func Withdraw(acct *TradingAccount, g *GlobalState, amount fpmath.U128) error {
	if amount.Cmp(acct.Capital) > 0 {
		return fmt.Errorf("%w: withdrawal %s exceeds capital %s", ErrInsufficientCapital, amount, acct.Capital)
	}
	a, gs := *acct, *g
	if err := subCapital(&a, &gs, amount); err != nil {
		return err
	}
	var err error
	if gs.VaultBalance, err = gs.VaultBalance.Sub(amount); err != nil {
		return err
	}
	*acct, *g = a, gs
	return nil
}

// FillResult is one side's outcome of ApplyFill.
type FillResult struct {
	Funding     fpmath.I128 // positive = the account paid
	RealizedPnL fpmath.I128
	Losses      LossSettlement
	Fee         fpmath.U128
	Notional    fpmath.U128
}

// ApplyFill executes one side of a trade of sizeDelta base units at price.
// The existing position is first settled to the execution price, so the
// whole resulting position carries entry = price. The fee is charged on the
// fill notional.
func ApplyFill(acct *TradingAccount, g *GlobalState, sizeDelta fpmath.I128, price uint64, feeBps, currentSlot, warmupPeriodSlots uint64) (FillResult, error) {
	if acct.Status != AccountStatusActive {
		return FillResult{}, ErrAccountClosed
	}
	a, gs := *acct, *g

	funding, err := SettleFunding(&a, &gs, currentSlot, warmupPeriodSlots)
	if err != nil {
		return FillResult{}, err
	}
	pnl, err := SettleMarkToOracle(&a, &gs, price, currentSlot, warmupPeriodSlots)
	if err != nil {
		return FillResult{}, err
	}
	if a.PositionSize, err = a.PositionSize.Add(sizeDelta); err != nil {
		return FillResult{}, err
	}
	if a.PositionSize.IsZero() {
		a.EntryPrice = 0
	} else {
		a.EntryPrice = price
	}

	// trade PnL realized above may be a loss; pay it before judging the fee
	losses, err := SettleLosses(&a, &gs)
	if err != nil {
		return FillResult{}, err
	}
	notional, err := fpmath.ComputeNotional(sizeDelta, price)
	if err != nil {
		return FillResult{}, err
	}
	fee, err := ChargeTradingFee(&a, &gs, notional, feeBps)
	if err != nil {
		return FillResult{}, err
	}

	*acct, *g = a, gs
	return FillResult{
		Funding:     funding,
		RealizedPnL: pnl,
		Losses:      losses,
		Fee:         fee,
		Notional:    notional,
	}, nil
}

// CloseAccount releases an account holding nothing. Outstanding fee debt
// on an empty account is forgiven: there is no capital left to collect it.
func CloseAccount(acct *TradingAccount) error {
	if !acct.IsEmpty() {
		return fmt.Errorf("%w: capital=%s pnl=%s position=%s",
			ErrAccountNotEmpty, acct.Capital, acct.RealizedPnL, acct.PositionSize)
	}
	if !acct.Status.CanTransitionTo(AccountStatusClosed) {
		return fmt.Errorf("invalid status transition: %s -> Closed", acct.Status)
	}
	acct.Status = AccountStatusClosed
	acct.FeeCredits = fpmath.ZeroI128
	acct.Warmup = Warmup{}
	return nil
}
