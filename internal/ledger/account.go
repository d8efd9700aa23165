package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types. Their balances mirror the TradingAccount fields of
	// the same name.
	SubTypeCapital AccountSubType = iota
	SubTypePnL
	SubTypeFeeCredits

	// System sub-types
	SubTypeSystemInsuranceFund
	SubTypeSystemSettlementPool // counterparty of mark and trade PnL
	SubTypeSystemFundingPool
	SubTypeSystemSocializedLoss // written-off losses and haircut profit
	SubTypeSystemFeeReceivable  // outstanding maintenance fee debt

	// External sub-types. -(deposits + withdrawals) is the vault balance.
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AccountKey is the in-memory key for balance tracking. Index is the
// trading account slot for user scope and zero otherwise.
type AccountKey struct {
	Scope   AccountScope
	SubType AccountSubType
	Index   uint64
}

// NewUserAccountKey creates a key for the trading account in slot index
func NewUserAccountKey(index uint64, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		SubType: subType,
		Index:   index,
	}
}

func NewSystemAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: subType}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%d:%s", k.Index, k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) String() string { return k.AccountPath() }

// ParseAccountPath is the inverse of AccountPath. Snapshots key balances by
// path.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 3 && parts[0] == "user":
		index, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: bad index: %w", path, err)
		}
		for _, sub := range [3]AccountSubType{SubTypeCapital, SubTypePnL, SubTypeFeeCredits} {
			if key := NewUserAccountKey(index, sub); key.subTypeName() == parts[2] {
				return key, nil
			}
		}
	case len(parts) == 2 && parts[0] == "system":
		for sub := SubTypeSystemInsuranceFund; sub <= SubTypeSystemFeeReceivable; sub++ {
			if key := NewSystemAccountKey(sub); key.subTypeName() == parts[1] {
				return key, nil
			}
		}
	case len(parts) == 2 && parts[0] == "external":
		for _, sub := range [2]AccountSubType{SubTypeExternalDeposits, SubTypeExternalWithdrawals} {
			if key := NewExternalAccountKey(sub); key.subTypeName() == parts[1] {
				return key, nil
			}
		}
	}
	return AccountKey{}, fmt.Errorf("unknown account path %q", path)
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCapital:
		return "capital"
	case SubTypePnL:
		return "pnl"
	case SubTypeFeeCredits:
		return "fee_credits"
	case SubTypeSystemInsuranceFund:
		return "insurance_fund"
	case SubTypeSystemSettlementPool:
		return "settlement_pool"
	case SubTypeSystemFundingPool:
		return "funding_pool"
	case SubTypeSystemSocializedLoss:
		return "socialized_loss"
	case SubTypeSystemFeeReceivable:
		return "fee_receivable"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
