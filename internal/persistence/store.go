package persistence

import (
	"Percolator/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// PostgresStore is a state.Store over the engine.accounts and
// engine.global_state tables. uint64 columns are NUMERIC because
// database/sql rejects uint64 values above MaxInt64.
type PostgresStore struct {
	q      queryer
	market string
}

var _ state.Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB, market string) *PostgresStore {
	return &PostgresStore{q: db, market: market}
}

// WithTx returns a store that writes inside tx.
func (s *PostgresStore) WithTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{q: tx, market: s.market}
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

type uint64Scanner struct{ dst *uint64 }

func (s uint64Scanner) Scan(src interface{}) error {
	var str string
	switch v := src.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	case int64:
		if v < 0 {
			return fmt.Errorf("negative value %d for uint64 column", v)
		}
		*s.dst = uint64(v)
		return nil
	default:
		return fmt.Errorf("unsupported uint64 source %T", src)
	}
	n, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return err
	}
	*s.dst = n
	return nil
}

const accountColumns = `account_index, owner, status, capital, realized_pnl, position_size,
	entry_price, fee_credits, warmup_started_at, warmup_slope, warmup_banked,
	warmup_phase, last_fee_slot, funding_index, version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (state.TradingAccount, error) {
	var (
		a      state.TradingAccount
		status int16
		phase  int16
	)
	err := row.Scan(
		uint64Scanner{&a.Index}, &a.Owner, &status, &a.Capital, &a.RealizedPnL, &a.PositionSize,
		uint64Scanner{&a.EntryPrice}, &a.FeeCredits, uint64Scanner{&a.Warmup.StartedAt},
		&a.Warmup.Slope, &a.Warmup.Banked, &phase, uint64Scanner{&a.LastFeeSlot},
		&a.FundingIndex, &a.Version,
	)
	a.Status = state.AccountStatus(status)
	a.Warmup.Phase = state.WarmupPhase(phase)
	return a, err
}

func (s *PostgresStore) LoadAccount(ctx context.Context, index uint64) (state.TradingAccount, bool, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM engine.accounts WHERE market_id = $1 AND account_index = $2`,
		s.market, u64(index))
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.TradingAccount{}, false, nil
	}
	if err != nil {
		return state.TradingAccount{}, false, fmt.Errorf("load account %d: %w", index, err)
	}
	return a, true, nil
}

func (s *PostgresStore) StoreAccount(ctx context.Context, a state.TradingAccount) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO engine.accounts (market_id, `+accountColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
		ON CONFLICT (market_id, account_index) DO UPDATE SET
			owner = EXCLUDED.owner,
			status = EXCLUDED.status,
			capital = EXCLUDED.capital,
			realized_pnl = EXCLUDED.realized_pnl,
			position_size = EXCLUDED.position_size,
			entry_price = EXCLUDED.entry_price,
			fee_credits = EXCLUDED.fee_credits,
			warmup_started_at = EXCLUDED.warmup_started_at,
			warmup_slope = EXCLUDED.warmup_slope,
			warmup_banked = EXCLUDED.warmup_banked,
			warmup_phase = EXCLUDED.warmup_phase,
			last_fee_slot = EXCLUDED.last_fee_slot,
			funding_index = EXCLUDED.funding_index,
			version = EXCLUDED.version,
			updated_at = NOW()
	`, s.market, u64(a.Index), a.Owner, int16(a.Status), a.Capital, a.RealizedPnL, a.PositionSize,
		u64(a.EntryPrice), a.FeeCredits, u64(a.Warmup.StartedAt), a.Warmup.Slope, a.Warmup.Banked,
		int16(a.Warmup.Phase), u64(a.LastFeeSlot), a.FundingIndex, a.Version)
	if err != nil {
		return fmt.Errorf("store account %d: %w", a.Index, err)
	}
	return nil
}

func (s *PostgresStore) DeleteAccount(ctx context.Context, index uint64) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM engine.accounts WHERE market_id = $1 AND account_index = $2`,
		s.market, u64(index))
	if err != nil {
		return fmt.Errorf("delete account %d: %w", index, err)
	}
	return nil
}

// ListAccounts returns active accounts ordered by index.
func (s *PostgresStore) ListAccounts(ctx context.Context) ([]state.TradingAccount, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM engine.accounts WHERE market_id = $1 ORDER BY account_index`,
		s.market)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []state.TradingAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LoadGlobal returns the zero state when the market has no row yet.
func (s *PostgresStore) LoadGlobal(ctx context.Context) (state.GlobalState, error) {
	var g state.GlobalState
	err := s.q.QueryRowContext(ctx, `
		SELECT vault_balance, capital_total, pnl_positive_total, insurance_fund,
		       last_crank_cursor, total_accounts, current_slot, funding_index,
		       funding_rate_per_slot, last_funding_slot
		FROM engine.global_state WHERE market_id = $1
	`, s.market).Scan(
		&g.VaultBalance, &g.CapitalTotal, &g.PnLPositiveTotal, &g.InsuranceFund,
		uint64Scanner{&g.LastCrankCursor}, uint64Scanner{&g.TotalAccounts},
		uint64Scanner{&g.CurrentSlot}, &g.FundingIndex, &g.FundingRatePerSlot,
		uint64Scanner{&g.LastFundingSlot},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return state.GlobalState{}, nil
	}
	if err != nil {
		return state.GlobalState{}, fmt.Errorf("load global state: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) StoreGlobal(ctx context.Context, g state.GlobalState) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO engine.global_state (market_id, vault_balance, capital_total,
			pnl_positive_total, insurance_fund, last_crank_cursor, total_accounts,
			current_slot, funding_index, funding_rate_per_slot, last_funding_slot, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (market_id) DO UPDATE SET
			vault_balance = EXCLUDED.vault_balance,
			capital_total = EXCLUDED.capital_total,
			pnl_positive_total = EXCLUDED.pnl_positive_total,
			insurance_fund = EXCLUDED.insurance_fund,
			last_crank_cursor = EXCLUDED.last_crank_cursor,
			total_accounts = EXCLUDED.total_accounts,
			current_slot = EXCLUDED.current_slot,
			funding_index = EXCLUDED.funding_index,
			funding_rate_per_slot = EXCLUDED.funding_rate_per_slot,
			last_funding_slot = EXCLUDED.last_funding_slot,
			updated_at = NOW()
	`, s.market, g.VaultBalance, g.CapitalTotal, g.PnLPositiveTotal, g.InsuranceFund,
		u64(g.LastCrankCursor), u64(g.TotalAccounts), u64(g.CurrentSlot),
		g.FundingIndex, g.FundingRatePerSlot, u64(g.LastFundingSlot))
	if err != nil {
		return fmt.Errorf("store global state: %w", err)
	}
	return nil
}

// SaveState writes the accounts an event changed plus the new global
// state. Closed accounts are deleted so their slot can be reused.
func (s *PostgresStore) SaveState(ctx context.Context, accounts []state.TradingAccount, g state.GlobalState) error {
	for _, a := range accounts {
		var err error
		if a.Status == state.AccountStatusClosed {
			err = s.DeleteAccount(ctx, a.Index)
		} else {
			err = s.StoreAccount(ctx, a)
		}
		if err != nil {
			return err
		}
	}
	return s.StoreGlobal(ctx, g)
}
