package query

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountResponse is the read-model view of one account slot. Amounts are
// in base collateral units; EntryPrice is converted from the engine's
// 1e6 fixed-point scale.
type AccountResponse struct {
	MarketID     string          `json:"market_id"`
	Index        uint64          `json:"index"`
	Owner        uuid.UUID       `json:"owner"`
	Capital      decimal.Decimal `json:"capital"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	EffectivePnL decimal.Decimal `json:"effective_pnl"` // after the current haircut
	PositionSize decimal.Decimal `json:"position_size"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	FeeCredits   decimal.Decimal `json:"fee_credits"`
	WarmupPhase  string          `json:"warmup_phase"`
	LastSequence int64           `json:"last_sequence"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// GlobalResponse carries the market aggregates and the haircut ratio.
type GlobalResponse struct {
	MarketID         string          `json:"market_id"`
	VaultBalance     decimal.Decimal `json:"vault_balance"`
	CapitalTotal     decimal.Decimal `json:"capital_total"`
	PnLPositiveTotal decimal.Decimal `json:"pnl_positive_total"`
	InsuranceFund    decimal.Decimal `json:"insurance_fund"`
	Residual         decimal.Decimal `json:"residual"`
	Haircut          decimal.Decimal `json:"haircut"`
	HaircutNum       string          `json:"haircut_num"`
	HaircutDen       string          `json:"haircut_den"`
	CurrentSlot      uint64          `json:"current_slot"`
	ActiveAccounts   int64           `json:"active_accounts"`
	AsOfSequence     int64           `json:"as_of_sequence"`
}

// CrankHistoryEntry summarizes one keeper crank pass.
type CrankHistoryEntry struct {
	Sequence         int64           `json:"sequence"`
	Slot             uint64          `json:"slot"`
	StartCursor      uint64          `json:"start_cursor"`
	NextCursor       uint64          `json:"next_cursor"`
	Touched          int             `json:"touched"`
	Liquidations     int             `json:"liquidations"`
	Faults           int             `json:"faults"`
	OracleStale      bool            `json:"oracle_stale"`
	LossesWrittenOff decimal.Decimal `json:"losses_written_off"`
	ProfitConverted  decimal.Decimal `json:"profit_converted"`
	Haircut          decimal.Decimal `json:"haircut"`
	CreatedAt        time.Time       `json:"created_at"`
}

// FundingHistoryEntry is one account's net funding payment for an event.
// Positive payments were paid by the account.
type FundingHistoryEntry struct {
	Sequence  int64           `json:"sequence"`
	Payment   decimal.Decimal `json:"payment"`
	Slot      uint64          `json:"slot"`
	CreatedAt time.Time       `json:"created_at"`
}

// JournalHistoryEntry is a single ledger journal touching an account.
type JournalHistoryEntry struct {
	JournalID     uuid.UUID       `json:"journal_id"`
	BatchID       uuid.UUID       `json:"batch_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Timestamp     int64           `json:"timestamp"`
}

// IntegrityReport is returned by the admin integrity check.
type IntegrityReport struct {
	MarketID        string            `json:"market_id"`
	HashChainBreaks []int64           `json:"hash_chain_breaks,omitempty"`
	CapitalMismatch []CapitalMismatch `json:"capital_mismatch,omitempty"`
	AuditViolations []string          `json:"audit_violations,omitempty"`
	AccountsScanned int               `json:"accounts_scanned"`
	Haircut         decimal.Decimal   `json:"haircut"`
	IsHealthy       bool              `json:"is_healthy"`
}

// CapitalMismatch is an account whose stored capital disagrees with the
// net of its capital journals.
type CapitalMismatch struct {
	Index   uint64 `json:"index"`
	Stored  string `json:"stored"`
	Journal string `json:"journal"`
}
