package query

import (
	"Percolator/internal/ledger"
	fpmath "Percolator/internal/math"
	"Percolator/internal/observability"
	"Percolator/internal/persistence"
	"Percolator/internal/projection"
	"Percolator/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("not found")

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// QueryService serves reads from the projection tables. Results may lag
// the engine; every response carries the projection watermark.
type QueryService struct {
	db      *sql.DB
	market  string
	cache   *readCache
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewQueryService creates a query service. client may be nil to disable
// caching.
func NewQueryService(
	db *sql.DB,
	client redis.UniversalClient,
	cacheTTL time.Duration,
	market string,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *QueryService {
	return &QueryService{
		db:     db,
		market: market,
		cache: &readCache{
			client:  client,
			prefix:  "percolator:" + market + ":",
			ttl:     cacheTTL,
			metrics: metrics,
			logger:  logger,
		},
		metrics: metrics,
		logger:  logger,
	}
}

func (qs *QueryService) Market() string { return qs.market }

func (qs *QueryService) observe(endpoint string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// --- Accounts ---

// GetAccount returns the projected account at index.
func (qs *QueryService) GetAccount(ctx context.Context, index uint64) (resp *AccountResponse, err error) {
	defer func(start time.Time) { qs.observe("account", start, err) }(time.Now())

	key := "account:" + strconv.FormatUint(index, 10)
	var cached AccountResponse
	if qs.cache.get(ctx, key, &cached) {
		return &cached, nil
	}

	accounts, err := qs.loadAccounts(ctx, `account_index = $2`, strconv.FormatUint(index, 10))
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, ErrNotFound
	}
	qs.cache.set(ctx, key, accounts[0])
	return &accounts[0], nil
}

// GetAccountsByOwner returns every account slot held by owner.
func (qs *QueryService) GetAccountsByOwner(ctx context.Context, owner uuid.UUID) (resp []AccountResponse, err error) {
	defer func(start time.Time) { qs.observe("accounts_by_owner", start, err) }(time.Now())
	return qs.loadAccounts(ctx, `owner = $2`, owner)
}

func (qs *QueryService) loadAccounts(ctx context.Context, where string, arg interface{}) ([]AccountResponse, error) {
	h, err := qs.haircut(ctx)
	if err != nil {
		return nil, err
	}
	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_index::TEXT, owner, capital, realized_pnl, position_size,
		       entry_price::TEXT, fee_credits, warmup_phase, last_sequence
		FROM projections.accounts
		WHERE market_id = $1 AND `+where+`
		ORDER BY account_index
	`, qs.market, arg)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []AccountResponse
	for rows.Next() {
		var r accountRow
		if err := rows.Scan(&r.index, &r.owner, &r.capital, &r.realizedPnL, &r.positionSize,
			&r.entryPrice, &r.feeCredits, &r.warmupPhase, &r.lastSequence); err != nil {
			return nil, err
		}
		resp, err := r.toResponse(qs.market, h)
		if err != nil {
			return nil, err
		}
		resp.AsOfSequence = watermark
		out = append(out, resp)
	}
	return out, rows.Err()
}

// --- Global ---

// GetGlobal returns the market aggregates and haircut ratio.
func (qs *QueryService) GetGlobal(ctx context.Context) (resp *GlobalResponse, err error) {
	defer func(start time.Time) { qs.observe("global", start, err) }(time.Now())

	var cached GlobalResponse
	if qs.cache.get(ctx, "global", &cached) {
		return &cached, nil
	}

	var (
		g      state.GlobalState
		h      state.Haircut
		slot   string
		active int64
	)
	out := &GlobalResponse{MarketID: qs.market}
	err = qs.db.QueryRowContext(ctx, `
		SELECT vault_balance, capital_total, pnl_positive_total, insurance_fund,
		       haircut_num, haircut_den, current_slot::TEXT, active_accounts
		FROM projections.global_state
		WHERE market_id = $1
	`, qs.market).Scan(&g.VaultBalance, &g.CapitalTotal, &g.PnLPositiveTotal, &g.InsuranceFund,
		&h.Num, &h.Den, &slot, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query global state: %w", err)
	}
	if out.CurrentSlot, err = parseUint("current_slot", slot); err != nil {
		return nil, err
	}
	if out.AsOfSequence, err = qs.getWatermark(ctx); err != nil {
		return nil, err
	}

	out.VaultBalance = g.VaultBalance.Decimal(0)
	out.CapitalTotal = g.CapitalTotal.Decimal(0)
	out.PnLPositiveTotal = g.PnLPositiveTotal.Decimal(0)
	out.InsuranceFund = g.InsuranceFund.Decimal(0)
	out.Residual = g.Residual().Decimal(0)
	out.Haircut = h.Decimal()
	out.HaircutNum = h.Num.String()
	out.HaircutDen = h.Den.String()
	out.ActiveAccounts = active

	qs.cache.set(ctx, "global", out)
	return out, nil
}

// haircut reads the projected ratio; a market with no global row yet is
// fully backed.
func (qs *QueryService) haircut(ctx context.Context) (state.Haircut, error) {
	var h state.Haircut
	err := qs.db.QueryRowContext(ctx, `
		SELECT haircut_num, haircut_den FROM projections.global_state WHERE market_id = $1
	`, qs.market).Scan(&h.Num, &h.Den)
	if errors.Is(err, sql.ErrNoRows) {
		return state.FullHaircut, nil
	}
	if err != nil {
		return state.Haircut{}, fmt.Errorf("query haircut: %w", err)
	}
	return h, nil
}

// --- History ---

// GetCrankHistory returns crank passes newest first. beforeSequence
// paginates.
func (qs *QueryService) GetCrankHistory(ctx context.Context, limit int, beforeSequence *int64) (resp []CrankHistoryEntry, err error) {
	defer func(start time.Time) { qs.observe("crank_history", start, err) }(time.Now())

	query := `
		SELECT sequence, slot::TEXT, start_cursor::TEXT, next_cursor::TEXT, touched,
		       liquidations, faults, oracle_stale, losses_written_off, profit_converted,
		       haircut_num, haircut_den, created_at
		FROM projections.crank_history
		WHERE market_id = $1
	`
	args := []interface{}{qs.market}
	if beforeSequence != nil {
		query += " AND sequence < $2"
		args = append(args, *beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query crank history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e                   CrankHistoryEntry
			slot, start, next   string
			writtenOff, convert fpmath.U128
			h                   state.Haircut
		)
		if err := rows.Scan(&e.Sequence, &slot, &start, &next, &e.Touched,
			&e.Liquidations, &e.Faults, &e.OracleStale, &writtenOff, &convert,
			&h.Num, &h.Den, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Slot, err = parseUint("slot", slot); err != nil {
			return nil, err
		}
		if e.StartCursor, err = parseUint("start_cursor", start); err != nil {
			return nil, err
		}
		if e.NextCursor, err = parseUint("next_cursor", next); err != nil {
			return nil, err
		}
		e.LossesWrittenOff = writtenOff.Decimal(0)
		e.ProfitConverted = convert.Decimal(0)
		e.Haircut = h.Decimal()
		resp = append(resp, e)
	}
	return resp, rows.Err()
}

// GetFundingHistory returns an account's funding payments newest first.
func (qs *QueryService) GetFundingHistory(ctx context.Context, index uint64, limit int) (resp []FundingHistoryEntry, err error) {
	defer func(start time.Time) { qs.observe("funding_history", start, err) }(time.Now())

	entries, err := projection.QueryFundingHistory(ctx, qs.db, qs.market, index, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	resp = make([]FundingHistoryEntry, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, FundingHistoryEntry{
			Sequence:  e.Sequence,
			Payment:   e.Payment.Decimal(0),
			Slot:      e.Slot,
			CreatedAt: e.Timestamp,
		})
	}
	return resp, nil
}

// GetJournalHistory returns journals touching any of the account's ledger
// paths, newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, index uint64, limit int, beforeSequence *int64) (resp []JournalHistoryEntry, err error) {
	defer func(start time.Time) { qs.observe("journal_history", start, err) }(time.Now())

	prefix := fmt.Sprintf("user:%d:%%", index)
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE market_id = $1 AND (debit_account LIKE $2 OR credit_account LIKE $2)
	`
	args := []interface{}{qs.market, prefix}
	if beforeSequence != nil {
		query += " AND sequence < $3"
		args = append(args, *beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC, journal_id LIMIT $%d", len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e      JournalHistoryEntry
			amount fpmath.U128
		)
		if err := rows.Scan(&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &amount, &e.JournalType, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount = amount.Decimal(0)
		resp = append(resp, e)
	}
	return resp, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the event hash chain, reconciles stored capital
// against the capital journals, and runs the aggregate audit over the
// persisted engine state.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer func(start time.Time) { qs.observe("verify_integrity", start, err) }(time.Now())

	report = &IntegrityReport{MarketID: qs.market}
	if report.HashChainBreaks, err = qs.hashChainBreaks(ctx); err != nil {
		return nil, err
	}

	store := persistence.NewPostgresStore(qs.db, qs.market)
	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	g, err := store.LoadGlobal(ctx)
	if err != nil {
		return nil, err
	}
	audit := state.Audit(accounts, g)
	report.AuditViolations = audit.Violations
	report.AccountsScanned = audit.Accounts
	report.Haircut = audit.Haircut.Decimal()

	ledgerCapital, err := qs.journalCapital(ctx)
	if err != nil {
		return nil, err
	}
	report.CapitalMismatch = reconcileCapital(accounts, ledgerCapital)

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.CapitalMismatch) == 0 &&
		len(report.AuditViolations) == 0
	return report, nil
}

func (qs *QueryService) hashChainBreaks(ctx context.Context) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2
		  ON e2.market_id = e1.market_id AND e2.sequence = e1.sequence - 1
		WHERE e1.market_id = $1 AND e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`, qs.market)
	if err != nil {
		return nil, fmt.Errorf("query hash chain: %w", err)
	}
	defer rows.Close()

	var breaks []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		breaks = append(breaks, seq)
	}
	return breaks, rows.Err()
}

// journalCapital nets every user capital path: debits raise the balance,
// credits lower it.
func (qs *QueryService) journalCapital(ctx context.Context) (map[uint64]fpmath.I128, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account, SUM(delta)
		FROM (
			SELECT debit_account AS account, amount AS delta
			FROM event_log.journal WHERE market_id = $1
			UNION ALL
			SELECT credit_account, -amount
			FROM event_log.journal WHERE market_id = $1
		) t
		WHERE account LIKE 'user:%:capital'
		GROUP BY account
	`, qs.market)
	if err != nil {
		return nil, fmt.Errorf("query capital journals: %w", err)
	}
	defer rows.Close()

	out := make(map[uint64]fpmath.I128)
	for rows.Next() {
		var (
			path string
			sum  fpmath.I128
		)
		if err := rows.Scan(&path, &sum); err != nil {
			return nil, err
		}
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, err
		}
		out[key.Index] = sum
	}
	return out, rows.Err()
}

// reconcileCapital compares stored capital with the journal net. Closed
// slots must net to zero since closing requires empty capital.
func reconcileCapital(accounts []state.TradingAccount, journal map[uint64]fpmath.I128) []CapitalMismatch {
	var out []CapitalMismatch
	seen := make(map[uint64]bool, len(accounts))
	for i := range accounts {
		a := &accounts[i]
		seen[a.Index] = true
		net := journal[a.Index]
		stored, err := a.Capital.ToI128()
		if err != nil || stored.Cmp(net) != 0 {
			out = append(out, CapitalMismatch{Index: a.Index, Stored: a.Capital.String(), Journal: net.String()})
		}
	}
	for index, net := range journal {
		if !seen[index] && !net.IsZero() {
			out = append(out, CapitalMismatch{Index: index, Stored: "0", Journal: net.String()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
