package ingestion_test

import (
	"Percolator/internal/core"
	"Percolator/internal/ingestion"
	"Percolator/internal/state"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func newAdmin(t *testing.T) (*ingestion.AdminIngest, *core.RiskEngine) {
	t.Helper()
	params := state.DefaultRiskParams()
	params.WarmupPeriodSlots = 0
	c := core.NewRiskEngine(core.Options{Market: "BTC-PERP", Params: params, Logger: zerolog.Nop()}, nil, nil)
	return ingestion.NewAdminIngest(c, zerolog.Nop()), c
}

func TestAdminIngest_InjectDeposit(t *testing.T) {
	admin, c := newAdmin(t)
	payload := []byte(`{
		"deposit_id": "5f0c1a52-2d5e-4c4b-9c53-3f1f0e9d7a11",
		"owner": "0b7e6c1c-8a44-4d1e-9d0b-7a5a2e6a4c10",
		"market": "BTC-PERP",
		"amount": "500",
		"sequence": 0,
		"timestamp_us": 1700000000000000
	}`)

	res, err := admin.Inject(context.Background(), "DepositConfirmed", payload)
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if res.EventType != "DepositConfirmed" || res.IdempotencyKey == "" {
		t.Errorf("result: %+v", res)
	}
	if got := c.Global().VaultBalance.String(); got != "500" {
		t.Errorf("vault: got %s, want 500", got)
	}

	// replaying the same payload is a no-op
	if _, err := admin.Inject(context.Background(), "DepositConfirmed", payload); err != nil {
		t.Fatalf("duplicate inject: %v", err)
	}
	if got := c.Global().VaultBalance.String(); got != "500" {
		t.Errorf("vault after duplicate: got %s", got)
	}
}

func TestAdminIngest_InvalidPayload(t *testing.T) {
	admin, _ := newAdmin(t)
	_, err := admin.Inject(context.Background(), "DepositConfirmed", []byte(`{"amount": "x"}`))
	if !errors.Is(err, ingestion.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	_, err = admin.Inject(context.Background(), "Bogus", []byte(`{}`))
	if !errors.Is(err, ingestion.ErrInvalidPayload) || !errors.Is(err, ingestion.ErrUnknownEventType) {
		t.Fatalf("unknown type should wrap both sentinels, got %v", err)
	}
}

func TestAdminIngest_RequestCrankAtCurrentSlot(t *testing.T) {
	admin, _ := newAdmin(t)
	res, err := admin.RequestCrank(context.Background(), "keeper-1", nil)
	if err != nil {
		t.Fatalf("crank: %v", err)
	}
	if res.EventType != "CrankRequested" {
		t.Errorf("event type: got %s", res.EventType)
	}
	if admin.Halted() != nil {
		t.Errorf("engine should not be halted: %v", admin.Halted())
	}
}
