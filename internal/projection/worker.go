package projection

import (
	"Percolator/internal/core"
	"Percolator/internal/crank"
	"Percolator/internal/observability"
	"Percolator/internal/persistence"
	"Percolator/internal/state"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const watermarkName = "main"

// ProjectionWorker updates the read-model tables from engine outputs. The
// engine sends to it without blocking and drops outputs when it falls
// behind; RebuildProjections restores the tables from persisted state.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := out.Envelope.Sequence
			if pw.lastSeq >= 0 && seq > pw.lastSeq+1 {
				pw.logger.Warn().
					Int64("from", pw.lastSeq+1).
					Int64("to", seq-1).
					Msg("projection skipped dropped outputs")
			}
			if err := pw.processOutput(ctx, out); err != nil {
				// eventually consistent: the next output or a rebuild repairs it
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
			}
			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) observe(name string, start time.Time) {
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, out core.CoreOutput) error {
	env := out.Envelope
	var market string
	if env.MarketID != nil {
		market = *env.MarketID
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	start := time.Now()
	for i := range out.Accounts {
		if err := upsertAccount(ctx, tx, market, env.Sequence, &out.Accounts[i]); err != nil {
			return fmt.Errorf("account projection: %w", err)
		}
	}
	pw.observe("accounts", start)

	start = time.Now()
	if err := upsertGlobal(ctx, tx, market, env.Sequence, out.Global); err != nil {
		return fmt.Errorf("global projection: %w", err)
	}
	pw.observe("global_state", start)

	if out.Crank != nil {
		start = time.Now()
		if err := insertCrank(ctx, tx, market, env.Sequence, env.Timestamp, out.Crank); err != nil {
			return fmt.Errorf("crank projection: %w", err)
		}
		pw.observe("crank_history", start)
	}

	if out.Batch != nil {
		start = time.Now()
		for _, entry := range FundingEntries(market, env.Sequence, env.Slot, env.Timestamp, out.Batch) {
			if err := insertFunding(ctx, tx, entry); err != nil {
				return fmt.Errorf("funding projection: %w", err)
			}
		}
		pw.observe("funding_history", start)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkName, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func upsertAccount(ctx context.Context, tx *sql.Tx, market string, seq int64, a *state.TradingAccount) error {
	if a.Status == state.AccountStatusClosed {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM projections.accounts WHERE market_id = $1 AND account_index = $2`,
			market, u64(a.Index))
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.accounts (market_id, account_index, owner, capital, realized_pnl,
			position_size, entry_price, fee_credits, warmup_phase, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (market_id, account_index) DO UPDATE SET
			owner = EXCLUDED.owner,
			capital = EXCLUDED.capital,
			realized_pnl = EXCLUDED.realized_pnl,
			position_size = EXCLUDED.position_size,
			entry_price = EXCLUDED.entry_price,
			fee_credits = EXCLUDED.fee_credits,
			warmup_phase = EXCLUDED.warmup_phase,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.accounts.last_sequence < EXCLUDED.last_sequence
	`, market, u64(a.Index), a.Owner, a.Capital, a.RealizedPnL, a.PositionSize,
		u64(a.EntryPrice), a.FeeCredits, a.Warmup.Phase.String(), seq)
	return err
}

func upsertGlobal(ctx context.Context, tx *sql.Tx, market string, seq int64, g state.GlobalState) error {
	h := g.Haircut()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.global_state (market_id, vault_balance, capital_total,
			pnl_positive_total, insurance_fund, haircut_num, haircut_den, current_slot,
			active_accounts, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
			(SELECT COUNT(*) FROM projections.accounts WHERE market_id = $1), $9, NOW())
		ON CONFLICT (market_id) DO UPDATE SET
			vault_balance = EXCLUDED.vault_balance,
			capital_total = EXCLUDED.capital_total,
			pnl_positive_total = EXCLUDED.pnl_positive_total,
			insurance_fund = EXCLUDED.insurance_fund,
			haircut_num = EXCLUDED.haircut_num,
			haircut_den = EXCLUDED.haircut_den,
			current_slot = EXCLUDED.current_slot,
			active_accounts = EXCLUDED.active_accounts,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.global_state.last_sequence < EXCLUDED.last_sequence
	`, market, g.VaultBalance, g.CapitalTotal, g.PnLPositiveTotal, g.InsuranceFund,
		h.Num, h.Den, u64(g.CurrentSlot), seq)
	return err
}

func insertCrank(ctx context.Context, tx *sql.Tx, market string, seq int64, ts time.Time, r *crank.Report) error {
	writtenOff, converted, err := r.Totals()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.crank_history (market_id, sequence, slot, start_cursor, next_cursor,
			touched, liquidations, faults, oracle_stale, losses_written_off, profit_converted,
			haircut_num, haircut_den, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (market_id, sequence) DO NOTHING
	`, market, seq, u64(r.Slot), u64(r.StartCursor), u64(r.NextCursor),
		len(r.Touched), r.Liquidations(), len(r.Faults), r.OracleStale,
		writtenOff, converted, r.Haircut.Num, r.Haircut.Den, ts)
	return err
}

// RebuildProjections recreates the account and global read models from
// the engine state tables. Crank and funding history are append-only and
// are kept.
func RebuildProjections(ctx context.Context, db *sql.DB, market string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq, err := persistence.LatestSequence(ctx, tx, market)
	if err != nil {
		return fmt.Errorf("latest sequence: %w", err)
	}
	store := persistence.NewPostgresStore(db, market).WithTx(tx)
	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	g, err := store.LoadGlobal(ctx)
	if err != nil {
		return err
	}

	for _, stmt := range []string{
		`DELETE FROM projections.accounts WHERE market_id = $1`,
		`DELETE FROM projections.global_state WHERE market_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, market); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}
	for i := range accounts {
		if err := upsertAccount(ctx, tx, market, seq, &accounts[i]); err != nil {
			return fmt.Errorf("rebuild account %d: %w", accounts[i].Index, err)
		}
	}
	if err := upsertGlobal(ctx, tx, market, seq, g); err != nil {
		return fmt.Errorf("rebuild global: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkName, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}
