package query_test

import (
	"Percolator/internal/core"
	"Percolator/internal/event"
	fpmath "Percolator/internal/math"
	"Percolator/internal/persistence"
	"Percolator/internal/projection"
	"Percolator/internal/query"
	"Percolator/internal/state"
	"Percolator/internal/testutil"
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const market = "BTC-PERP"

// seed runs deposits through the engine and both workers, leaving the
// event log, engine tables and projections populated.
func seed(t *testing.T, db *sql.DB, owners []uuid.UUID, amount uint64) {
	t.Helper()
	ctx := context.Background()

	persistCh := make(chan core.CoreOutput, 64)
	projCh := make(chan core.CoreOutput, 64)
	params := state.DefaultRiskParams()
	params.WarmupPeriodSlots = 0
	c := core.NewRiskEngine(core.Options{Market: market, Params: params, Logger: zerolog.Nop()}, persistCh, projCh)

	for i, owner := range owners {
		ev := &event.DepositConfirmed{
			DepositID: uuid.New(),
			Owner:     owner,
			Market:    market,
			Amount:    fpmath.U128FromUint64(amount),
			Sequence:  int64(i),
			Timestamp: time.UnixMicro(1_000 + int64(i)),
		}
		if err := c.ProcessEvent(ctx, ev); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}
	close(persistCh)
	close(projCh)

	records := make(chan persistence.Record, len(owners))
	for out := range persistCh {
		records <- persistence.NewRecord(out)
	}
	close(records)

	store := persistence.NewPostgresStore(db, market)
	if err := persistence.NewPersistenceWorker(db, store, records, 10, time.Millisecond, nil, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("persistence worker: %v", err)
	}
	if err := projection.NewProjectionWorker(db, projCh, nil, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("projection worker: %v", err)
	}
}

func newService(db *sql.DB) *query.QueryService {
	return query.NewQueryService(db, nil, 0, market, nil, zerolog.Nop())
}

// ============================================================================
// Test: Reads (integration)
// ============================================================================

func TestQueryService_AccountsAndGlobal(t *testing.T) {
	db := testutil.SetupTestDB(t)
	owner := uuid.New()
	seed(t, db, []uuid.UUID{owner, uuid.New()}, 400)

	qs := newService(db)
	ctx := context.Background()

	acct, err := qs.GetAccount(ctx, 0)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Owner != owner || acct.Capital.String() != "400" || acct.AsOfSequence != 1 {
		t.Errorf("account: %+v", acct)
	}
	if _, err := qs.GetAccount(ctx, 9); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("missing account: got %v, want ErrNotFound", err)
	}

	byOwner, err := qs.GetAccountsByOwner(ctx, owner)
	if err != nil || len(byOwner) != 1 || byOwner[0].Index != 0 {
		t.Errorf("by owner: %+v err=%v", byOwner, err)
	}

	g, err := qs.GetGlobal(ctx)
	if err != nil {
		t.Fatalf("get global: %v", err)
	}
	if g.VaultBalance.String() != "800" || g.CapitalTotal.String() != "800" {
		t.Errorf("global: %+v", g)
	}
	if g.Haircut.String() != "1" || g.ActiveAccounts != 2 {
		t.Errorf("haircut=%s active=%d", g.Haircut, g.ActiveAccounts)
	}
}

func TestQueryService_JournalHistory(t *testing.T) {
	db := testutil.SetupTestDB(t)
	seed(t, db, []uuid.UUID{uuid.New(), uuid.New()}, 75)

	entries, err := newService(db).GetJournalHistory(context.Background(), 1, 10, nil)
	if err != nil {
		t.Fatalf("journal history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(entries))
	}
	e := entries[0]
	if e.DebitAccount != "user:1:capital" || e.Amount.String() != "75" || e.Sequence != 1 {
		t.Errorf("journal: %+v", e)
	}
}

func TestQueryService_VerifyIntegrity(t *testing.T) {
	db := testutil.SetupTestDB(t)
	seed(t, db, []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}, 10)

	qs := newService(db)
	ctx := context.Background()

	report, err := qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.IsHealthy || report.AccountsScanned != 3 {
		t.Fatalf("expected healthy report over 3 accounts, got %+v", report)
	}

	// tamper with one account's stored capital
	if _, err := db.Exec(`UPDATE engine.accounts SET capital = 11 WHERE market_id = $1 AND account_index = 2`, market); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	report, err = qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.IsHealthy || len(report.CapitalMismatch) != 1 || report.CapitalMismatch[0].Index != 2 {
		t.Errorf("expected capital mismatch on account 2, got %+v", report)
	}
}
