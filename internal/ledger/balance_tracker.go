package ledger

import (
	fpmath "Percolator/internal/math"
	"fmt"
)

// BalanceTracker maintains in-memory ledger balances. A debit raises a
// balance and a credit lowers it.
type BalanceTracker struct {
	balances map[AccountKey]fpmath.I128
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.I128),
	}
}

// ApplyJournal applies a single journal entry to balances. Nothing changes
// when either side would overflow.
func (bt *BalanceTracker) ApplyJournal(j Journal) error {
	debit, err := bt.balances[j.DebitAccount].AddU128(j.Amount)
	if err != nil {
		return fmt.Errorf("journal %s debit %s: %w", j.JournalID, j.DebitAccount, err)
	}
	credit, err := bt.balances[j.CreditAccount].SubU128(j.Amount)
	if err != nil {
		return fmt.Errorf("journal %s credit %s: %w", j.JournalID, j.CreditAccount, err)
	}
	bt.set(j.DebitAccount, debit)
	bt.set(j.CreditAccount, credit)
	return nil
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		if err := bt.ApplyJournal(j); err != nil {
			return err
		}
	}

	return nil
}

// zero balances are dropped so the map stays bounded by live accounts
func (bt *BalanceTracker) set(key AccountKey, v fpmath.I128) {
	if v.IsZero() {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = v
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.I128 {
	return bt.balances[key]
}

// SetBalance directly sets a balance (used for snapshot restore)
func (bt *BalanceTracker) SetBalance(key AccountKey, v fpmath.I128) {
	bt.set(key, v)
}

// === Views ===

func (bt *BalanceTracker) UserCapital(index uint64) fpmath.I128 {
	return bt.GetBalance(NewUserAccountKey(index, SubTypeCapital))
}

func (bt *BalanceTracker) UserPnL(index uint64) fpmath.I128 {
	return bt.GetBalance(NewUserAccountKey(index, SubTypePnL))
}

func (bt *BalanceTracker) UserFeeCredits(index uint64) fpmath.I128 {
	return bt.GetBalance(NewUserAccountKey(index, SubTypeFeeCredits))
}

func (bt *BalanceTracker) InsuranceFund() fpmath.I128 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeSystemInsuranceFund))
}

// Vault is the net amount that crossed the external boundary into the
// system.
func (bt *BalanceTracker) Vault() (fpmath.I128, error) {
	out, err := bt.GetBalance(NewExternalAccountKey(SubTypeExternalDeposits)).
		Add(bt.GetBalance(NewExternalAccountKey(SubTypeExternalWithdrawals)))
	if err != nil {
		return fpmath.I128{}, err
	}
	return out.Neg()
}

// ComputeGlobalBalance sums all balances. A double-entry ledger always sums
// to zero.
func (bt *BalanceTracker) ComputeGlobalBalance() (fpmath.I128, error) {
	total := fpmath.ZeroI128
	var err error
	for _, balance := range bt.balances {
		if total, err = total.Add(balance); err != nil {
			return fpmath.I128{}, err
		}
	}
	return total, nil
}

// Snapshot returns a copy of all balances (for snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]fpmath.I128 {
	snapshot := make(map[AccountKey]fpmath.I128, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
