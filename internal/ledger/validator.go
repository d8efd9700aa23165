package ledger

import (
	"Percolator/internal/state"
	"fmt"
)

// InvariantValidator cross-checks the ledger against the risk state. Every
// check here is O(1) per account so the engine can run it after each event.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ReconcileAccount verifies the ledger balances of one trading account
// match its capital, realized PnL and fee credits.
func (v *InvariantValidator) ReconcileAccount(acct *state.TradingAccount) error {
	capital, err := acct.Capital.ToI128()
	if err != nil {
		return err
	}
	if got := v.tracker.UserCapital(acct.Index); got.Cmp(capital) != 0 {
		return fmt.Errorf("account %d: ledger capital %s != state %s", acct.Index, got, acct.Capital)
	}
	if got := v.tracker.UserPnL(acct.Index); got.Cmp(acct.RealizedPnL) != 0 {
		return fmt.Errorf("account %d: ledger pnl %s != state %s", acct.Index, got, acct.RealizedPnL)
	}
	if got := v.tracker.UserFeeCredits(acct.Index); got.Cmp(acct.FeeCredits) != 0 {
		return fmt.Errorf("account %d: ledger fee credits %s != state %s", acct.Index, got, acct.FeeCredits)
	}
	return nil
}

// ReconcileClosed verifies a released slot holds no ledger balance.
func (v *InvariantValidator) ReconcileClosed(index uint64) error {
	for _, sub := range [3]AccountSubType{SubTypeCapital, SubTypePnL, SubTypeFeeCredits} {
		key := NewUserAccountKey(index, sub)
		if b := v.tracker.GetBalance(key); !b.IsZero() {
			return fmt.Errorf("closed slot %d: %s has balance %s", index, key, b)
		}
	}
	return nil
}

// ReconcileGlobal verifies the vault and insurance fund match the ledger.
func (v *InvariantValidator) ReconcileGlobal(g *state.GlobalState) error {
	vault, err := v.tracker.Vault()
	if err != nil {
		return err
	}
	want, err := g.VaultBalance.ToI128()
	if err != nil {
		return err
	}
	if vault.Cmp(want) != 0 {
		return fmt.Errorf("ledger vault %s != state %s", vault, g.VaultBalance)
	}
	insurance, err := g.InsuranceFund.ToI128()
	if err != nil {
		return err
	}
	if got := v.tracker.InsuranceFund(); got.Cmp(insurance) != 0 {
		return fmt.Errorf("ledger insurance fund %s != state %s", got, g.InsuranceFund)
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum. O(accounts); used
// by snapshot verification and tests.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	total, err := v.tracker.ComputeGlobalBalance()
	if err != nil {
		return err
	}
	if !total.IsZero() {
		return fmt.Errorf("global balance is non-zero: %s", total)
	}
	return nil
}
