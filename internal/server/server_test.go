package server_test

import (
	"Percolator/internal/core"
	"Percolator/internal/ingestion"
	"Percolator/internal/observability"
	"Percolator/internal/query"
	"Percolator/internal/server"
	"Percolator/internal/state"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const market = "BTC-PERP"

type fakeReader struct {
	accounts map[uint64]query.AccountResponse
}

func (f *fakeReader) Market() string { return market }

func (f *fakeReader) GetAccount(_ context.Context, index uint64) (*query.AccountResponse, error) {
	a, ok := f.accounts[index]
	if !ok {
		return nil, query.ErrNotFound
	}
	return &a, nil
}

func (f *fakeReader) GetAccountsByOwner(_ context.Context, owner uuid.UUID) ([]query.AccountResponse, error) {
	var out []query.AccountResponse
	for _, a := range f.accounts {
		if a.Owner == owner {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeReader) GetGlobal(context.Context) (*query.GlobalResponse, error) {
	return &query.GlobalResponse{MarketID: market, Haircut: decimal.NewFromInt(1)}, nil
}

func (f *fakeReader) GetCrankHistory(context.Context, int, *int64) ([]query.CrankHistoryEntry, error) {
	return nil, nil
}

func (f *fakeReader) GetFundingHistory(context.Context, uint64, int) ([]query.FundingHistoryEntry, error) {
	return nil, nil
}

func (f *fakeReader) GetJournalHistory(_ context.Context, _ uint64, limit int, before *int64) ([]query.JournalHistoryEntry, error) {
	if before == nil || *before != 42 || limit != 5 {
		return nil, nil
	}
	return []query.JournalHistoryEntry{{Sequence: 41, JournalType: "deposit"}}, nil
}

func (f *fakeReader) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{MarketID: market, IsHealthy: true}, nil
}

type fakeMaintenance struct {
	snapshots int
}

func (f *fakeMaintenance) TakeSnapshot(context.Context) (int64, error) {
	f.snapshots++
	return 7, nil
}

func (f *fakeMaintenance) RebuildProjections(context.Context) error { return nil }

func (f *fakeMaintenance) LatestSequence(context.Context) (int64, error) { return 7, nil }

type fixture struct {
	handler http.Handler
	engine  *core.RiskEngine
	maint   *fakeMaintenance
	owner   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	params := state.DefaultRiskParams()
	params.WarmupPeriodSlots = 0
	engine := core.NewRiskEngine(core.Options{Market: market, Params: params, Logger: zerolog.Nop()}, nil, nil)

	owner := uuid.New()
	reader := &fakeReader{accounts: map[uint64]query.AccountResponse{
		3: {MarketID: market, Index: 3, Owner: owner, Capital: decimal.NewFromInt(250)},
	}}
	health := observability.NewHealthChecker()
	health.SetReady(true)
	maint := &fakeMaintenance{}

	srv, err := server.New(":0", ":0", server.Deps{
		Reader:      reader,
		Operator:    ingestion.NewAdminIngest(engine, zerolog.Nop()),
		Maintenance: maint,
		Health:      health,
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &fixture{handler: srv.Handler(), engine: engine, maint: maint, owner: owner}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, out
}

func deposit(owner uuid.UUID, amount string, seq int) string {
	b, _ := json.Marshal(map[string]interface{}{
		"deposit_id":   uuid.New().String(),
		"owner":        owner.String(),
		"market":       market,
		"amount":       amount,
		"sequence":     seq,
		"timestamp_us": 1_700_000_000_000_000,
	})
	return string(b)
}

// ============================================================================
// Test: Query routes
// ============================================================================

func TestGetAccount(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/v1/accounts/3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body)
	}
	if body["capital"] != "250" || body["owner"] != f.owner.String() {
		t.Errorf("body: %v", body)
	}

	rec, body = f.do(t, http.MethodGet, "/v1/accounts/9", "")
	if rec.Code != http.StatusNotFound || body["status"] != "NotFound" {
		t.Errorf("missing account: got %d %v", rec.Code, body)
	}

	rec, _ = f.do(t, http.MethodGet, "/v1/accounts/abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad index: got %d", rec.Code)
	}
}

func TestGetOwnerAccounts_EmptyIsArray(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/v1/owners/"+uuid.New().String()+"/accounts", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestGetJournals_PassesPaging(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/v1/accounts/3/journals?limit=5&before=42", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"sequence":41`) {
		t.Errorf("got %d %s", rec.Code, rec.Body)
	}

	rec, _ = f.do(t, http.MethodGet, "/v1/accounts/3/journals?limit=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit: got %d", rec.Code)
	}
}

// ============================================================================
// Test: Admin routes
// ============================================================================

func TestInjectEvent(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()

	rec, body := f.do(t, http.MethodPost, "/v1/admin/events/DepositConfirmed", deposit(owner, "100", 0))
	if rec.Code != http.StatusOK || body["idempotency_key"] == "" {
		t.Fatalf("deposit: got %d %v", rec.Code, body)
	}
	if got := f.engine.Global().VaultBalance.String(); got != "100" {
		t.Errorf("vault: got %s", got)
	}

	rec, body = f.do(t, http.MethodPost, "/v1/admin/events/DepositConfirmed", `{"amount":"oops"}`)
	if rec.Code != http.StatusBadRequest || body["status"] != "InvalidArgument" {
		t.Errorf("bad payload: got %d %v", rec.Code, body)
	}

	withdraw, _ := json.Marshal(map[string]interface{}{
		"withdrawal_id": uuid.New().String(),
		"owner":         owner.String(),
		"market":        market,
		"amount":        "1000",
		"sequence":      0,
		"timestamp_us":  1_700_000_000_000_001,
	})
	rec, body = f.do(t, http.MethodPost, "/v1/admin/events/WithdrawalRequested", string(withdraw))
	if body["status"] != "FailedPrecondition" || body["reason"] == "" {
		t.Errorf("oversized withdrawal: got %d %v", rec.Code, body)
	}
}

func TestStatusAndSnapshot(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/v1/admin/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if body["market"] != market || body["latest_sequence"] != float64(7) || body["halted"] != false || body["ready"] != true {
		t.Errorf("status body: %v", body)
	}

	rec, body = f.do(t, http.MethodPost, "/v1/admin/snapshot", "")
	if rec.Code != http.StatusOK || body["sequence"] != float64(7) || f.maint.snapshots != 1 {
		t.Errorf("snapshot: got %d %v", rec.Code, body)
	}
}

func TestRequestCrank(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/v1/admin/crank", `{"requester":"keeper-7","slot":5}`)
	if rec.Code != http.StatusOK || body["event_type"] != "CrankRequested" {
		t.Fatalf("crank: got %d %v", rec.Code, body)
	}
	if got := f.engine.Global().CurrentSlot; got != 5 {
		t.Errorf("current slot: got %d, want 5", got)
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		if rec, _ := f.do(t, http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Errorf("%s: got %d", path, rec.Code)
		}
	}
}
