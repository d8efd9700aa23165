package ledger

import (
	fpmath "Percolator/internal/math"
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeTradePnL
	JournalTypeTradeFee
	JournalTypeMarkSettlement
	JournalTypeFundingSettlement
	JournalTypeMaintenanceFeeAccrual
	JournalTypeMaintenanceFeeSweep
	JournalTypeFeeForgiveness
	JournalTypeLossSettlement
	JournalTypeLossWriteOff
	JournalTypeProfitConversion
	JournalTypeHaircutLoss
	JournalTypeLiquidationFee
	JournalTypeLiquidationSettlement
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeTradePnL:
		return "trade_pnl"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypeMarkSettlement:
		return "mark_settlement"
	case JournalTypeFundingSettlement:
		return "funding_settlement"
	case JournalTypeMaintenanceFeeAccrual:
		return "maintenance_fee_accrual"
	case JournalTypeMaintenanceFeeSweep:
		return "maintenance_fee_sweep"
	case JournalTypeFeeForgiveness:
		return "fee_forgiveness"
	case JournalTypeLossSettlement:
		return "loss_settlement"
	case JournalTypeLossWriteOff:
		return "loss_write_off"
	case JournalTypeProfitConversion:
		return "profit_conversion"
	case JournalTypeHaircutLoss:
		return "haircut_loss"
	case JournalTypeLiquidationFee:
		return "liquidation_fee"
	case JournalTypeLiquidationSettlement:
		return "liquidation_settlement"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        fpmath.U128 // quote units, ALWAYS positive
	JournalType   JournalType
	Timestamp     int64 // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from the credit account to the
// debit account, so every entry is balanced on its own. An empty batch is
// valid: state-only events (oracle, funding rate, params) move no funds.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		// no self-transfers
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

// Touched returns the distinct user account indexes the batch moves funds
// for, in first-seen order.
func (b *Batch) Touched() []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	for _, j := range b.Journals {
		for _, k := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if k.Scope == AccountScopeUser && !seen[k.Index] {
				seen[k.Index] = true
				out = append(out, k.Index)
			}
		}
	}
	return out
}
