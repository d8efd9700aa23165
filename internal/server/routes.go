package server

import (
	"Percolator/internal/ingestion"
	"Percolator/internal/observability"
	"Percolator/internal/persistence"
	"Percolator/internal/projection"
	"Percolator/internal/query"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Reader is the read-model surface.
type Reader interface {
	Market() string
	GetAccount(ctx context.Context, index uint64) (*query.AccountResponse, error)
	GetAccountsByOwner(ctx context.Context, owner uuid.UUID) ([]query.AccountResponse, error)
	GetGlobal(ctx context.Context) (*query.GlobalResponse, error)
	GetCrankHistory(ctx context.Context, limit int, beforeSequence *int64) ([]query.CrankHistoryEntry, error)
	GetFundingHistory(ctx context.Context, index uint64, limit int) ([]query.FundingHistoryEntry, error)
	GetJournalHistory(ctx context.Context, index uint64, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Operator injects events and controls the halt state.
type Operator interface {
	Inject(ctx context.Context, eventType string, payload []byte) (ingestion.InjectResult, error)
	RequestCrank(ctx context.Context, requester string, slot *uint64) (ingestion.InjectResult, error)
	Resume() error
	Halted() error
}

// Maintenance covers snapshotting and projection repair.
type Maintenance interface {
	TakeSnapshot(ctx context.Context) (int64, error)
	RebuildProjections(ctx context.Context) error
	LatestSequence(ctx context.Context) (int64, error)
}

// Deps holds everything the HTTP API calls into.
type Deps struct {
	Reader      Reader
	Operator    Operator
	Maintenance Maintenance
	Health      *observability.HealthChecker
	Logger      zerolog.Logger
}

type dbMaintenance struct {
	db          *sql.DB
	market      string
	snapshotter *persistence.Snapshotter
}

// NewMaintenance backs Maintenance with Postgres and the engine's
// snapshotter.
func NewMaintenance(db *sql.DB, market string, snapshotter *persistence.Snapshotter) Maintenance {
	return &dbMaintenance{db: db, market: market, snapshotter: snapshotter}
}

func (m *dbMaintenance) TakeSnapshot(ctx context.Context) (int64, error) {
	return m.snapshotter.TakeSnapshot(ctx)
}

func (m *dbMaintenance) RebuildProjections(ctx context.Context) error {
	return projection.RebuildProjections(ctx, m.db, m.market)
}

func (m *dbMaintenance) LatestSequence(ctx context.Context) (int64, error) {
	return persistence.LatestSequence(ctx, m.db, m.market)
}

// StatusResponse is returned by GET /v1/admin/status.
type StatusResponse struct {
	Market         string `json:"market"`
	LatestSequence int64  `json:"latest_sequence"`
	Ready          bool   `json:"ready"`
	Halted         bool   `json:"halted"`
	HaltReason     string `json:"halt_reason,omitempty"`
}

type crankRequest struct {
	Requester string  `json:"requester"`
	Slot      *uint64 `json:"slot"`
}

type snapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type api struct {
	Deps
	marshaler *runtime.JSONBuiltin
}

type handlerFunc func(r *http.Request, params map[string]string) (interface{}, error)

func newHandler(deps Deps) (http.Handler, error) {
	a := &api{Deps: deps, marshaler: &runtime.JSONBuiltin{}}
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		h               handlerFunc
	}{
		{http.MethodGet, "/v1/accounts/{index}", a.getAccount},
		{http.MethodGet, "/v1/accounts/{index}/funding", a.getFunding},
		{http.MethodGet, "/v1/accounts/{index}/journals", a.getJournals},
		{http.MethodGet, "/v1/owners/{owner}/accounts", a.getOwnerAccounts},
		{http.MethodGet, "/v1/global", a.getGlobal},
		{http.MethodGet, "/v1/cranks", a.getCranks},

		{http.MethodPost, "/v1/admin/events/{type}", a.injectEvent},
		{http.MethodPost, "/v1/admin/crank", a.requestCrank},
		{http.MethodPost, "/v1/admin/resume", a.resume},
		{http.MethodGet, "/v1/admin/status", a.status},
		{http.MethodGet, "/v1/admin/integrity", a.integrity},
		{http.MethodPost, "/v1/admin/snapshot", a.snapshot},
		{http.MethodPost, "/v1/admin/projections/rebuild", a.rebuild},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.wrap(rt.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	root := http.NewServeMux()
	if deps.Health != nil {
		root.HandleFunc("/healthz", deps.Health.LivenessHandler)
		root.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	}
	root.Handle("/", mux)
	return a.logRequests(root), nil
}

func (a *api) wrap(h handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		v, err := h(r, params)
		if err != nil {
			code, body := newErrorBody(err)
			if code >= http.StatusInternalServerError {
				a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
			}
			a.write(w, code, body)
			return
		}
		a.write(w, http.StatusOK, v)
	}
}

func (a *api) write(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", a.marshaler.ContentType(v))
	w.WriteHeader(code)
	if err := a.marshaler.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Warn().Err(err).Msg("write response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.code).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

// ============================================================================
// Parameter parsing
// ============================================================================

func pathIndex(params map[string]string) (uint64, error) {
	idx, err := strconv.ParseUint(params["index"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: account index %q", errBadRequest, params["index"])
	}
	return idx, nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit %q", errBadRequest, raw)
	}
	return n, nil
}

func queryBefore(r *http.Request) (*int64, error) {
	raw := r.URL.Query().Get("before")
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: before %q", errBadRequest, raw)
	}
	return &n, nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("%w: body larger than %d bytes", errBadRequest, maxBodyBytes)
	}
	return body, nil
}

// ============================================================================
// Query handlers
// ============================================================================

func (a *api) getAccount(r *http.Request, params map[string]string) (interface{}, error) {
	idx, err := pathIndex(params)
	if err != nil {
		return nil, err
	}
	return a.Reader.GetAccount(r.Context(), idx)
}

func (a *api) getOwnerAccounts(r *http.Request, params map[string]string) (interface{}, error) {
	owner, err := uuid.Parse(params["owner"])
	if err != nil {
		return nil, fmt.Errorf("%w: owner %q", errBadRequest, params["owner"])
	}
	accounts, err := a.Reader.GetAccountsByOwner(r.Context(), owner)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []query.AccountResponse{}
	}
	return accounts, nil
}

func (a *api) getGlobal(r *http.Request, _ map[string]string) (interface{}, error) {
	return a.Reader.GetGlobal(r.Context())
}

func (a *api) getFunding(r *http.Request, params map[string]string) (interface{}, error) {
	idx, err := pathIndex(params)
	if err != nil {
		return nil, err
	}
	limit, err := queryLimit(r)
	if err != nil {
		return nil, err
	}
	entries, err := a.Reader.GetFundingHistory(r.Context(), idx, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []query.FundingHistoryEntry{}
	}
	return entries, nil
}

func (a *api) getJournals(r *http.Request, params map[string]string) (interface{}, error) {
	idx, err := pathIndex(params)
	if err != nil {
		return nil, err
	}
	limit, err := queryLimit(r)
	if err != nil {
		return nil, err
	}
	before, err := queryBefore(r)
	if err != nil {
		return nil, err
	}
	entries, err := a.Reader.GetJournalHistory(r.Context(), idx, limit, before)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []query.JournalHistoryEntry{}
	}
	return entries, nil
}

func (a *api) getCranks(r *http.Request, _ map[string]string) (interface{}, error) {
	limit, err := queryLimit(r)
	if err != nil {
		return nil, err
	}
	before, err := queryBefore(r)
	if err != nil {
		return nil, err
	}
	entries, err := a.Reader.GetCrankHistory(r.Context(), limit, before)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []query.CrankHistoryEntry{}
	}
	return entries, nil
}

// ============================================================================
// Admin handlers
// ============================================================================

func (a *api) injectEvent(r *http.Request, params map[string]string) (interface{}, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	return a.Operator.Inject(r.Context(), params["type"], body)
}

func (a *api) requestCrank(r *http.Request, _ map[string]string) (interface{}, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	req := crankRequest{Requester: "admin"}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
	}
	return a.Operator.RequestCrank(r.Context(), req.Requester, req.Slot)
}

func (a *api) resume(_ *http.Request, _ map[string]string) (interface{}, error) {
	if err := a.Operator.Resume(); err != nil {
		return nil, err
	}
	if a.Health != nil {
		a.Health.SetHalted(false)
	}
	return okResponse{OK: true}, nil
}

func (a *api) status(r *http.Request, _ map[string]string) (interface{}, error) {
	seq, err := a.Maintenance.LatestSequence(r.Context())
	if err != nil {
		return nil, err
	}
	resp := StatusResponse{
		Market:         a.Reader.Market(),
		LatestSequence: seq,
		Ready:          a.Health == nil || a.Health.IsReady(),
	}
	if herr := a.Operator.Halted(); herr != nil {
		resp.Halted = true
		resp.HaltReason = herr.Error()
	}
	return resp, nil
}

func (a *api) integrity(r *http.Request, _ map[string]string) (interface{}, error) {
	return a.Reader.VerifyIntegrity(r.Context())
}

func (a *api) snapshot(r *http.Request, _ map[string]string) (interface{}, error) {
	seq, err := a.Maintenance.TakeSnapshot(r.Context())
	if err != nil {
		return nil, err
	}
	return snapshotResponse{Sequence: seq}, nil
}

func (a *api) rebuild(r *http.Request, _ map[string]string) (interface{}, error) {
	if err := a.Maintenance.RebuildProjections(r.Context()); err != nil {
		return nil, err
	}
	a.Logger.Info().Str("market", a.Reader.Market()).Msg("projections rebuilt")
	return okResponse{OK: true}, nil
}
