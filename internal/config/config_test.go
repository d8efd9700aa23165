package config_test

import (
	"Percolator/internal/config"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Market.ID != "BTC-PERP" {
		t.Errorf("market id: got %q", cfg.Market.ID)
	}
	if cfg.Engine.PersistChanSize != 1024 || cfg.Engine.ProjectionChanSize != 2048 {
		t.Errorf("channel sizes: %+v", cfg.Engine)
	}
	if cfg.Postgres.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("conn lifetime: got %s", cfg.Postgres.ConnMaxLifetime)
	}
	p := cfg.RiskParams()
	if p.InitialMarginBps != 1_000 || p.MaintenanceMarginBps != 500 {
		t.Errorf("margin defaults: im=%d mm=%d", p.InitialMarginBps, p.MaintenanceMarginBps)
	}
	if !p.MaxFill.IsZero() {
		t.Errorf("max fill should default to unlimited, got %s", p.MaxFill)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PERCOLATOR_MARKET_RISK_FEE_BPS", "25")
	t.Setenv("PERCOLATOR_MARKET_ID", "ETH-PERP")
	t.Setenv("PERCOLATOR_REDIS_ADDR", "localhost:6379")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Market.Risk.FeeBps != 25 {
		t.Errorf("fee_bps: got %d, want 25", cfg.Market.Risk.FeeBps)
	}
	if cfg.Market.ID != "ETH-PERP" {
		t.Errorf("market id: got %q", cfg.Market.ID)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr: got %q", cfg.Redis.Addr)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "percolator.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
market:
  id: SOL-PERP
  risk:
    warmup_period_slots: 50
    max_fill: 1000
engine:
  snapshot_interval: 500
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Market.ID != "SOL-PERP" || cfg.Engine.SnapshotInterval != 500 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	p := cfg.RiskParams()
	if p.WarmupPeriodSlots != 50 {
		t.Errorf("warmup: got %d", p.WarmupPeriodSlots)
	}
	if got, _ := p.MaxFill.Uint64(); got != 1_000 {
		t.Errorf("max_fill: got %d", got)
	}
	// untouched keys keep their defaults
	if p.AccountsToTouch != 10 {
		t.Errorf("accounts_to_touch: got %d", p.AccountsToTouch)
	}
}

func TestLoad_InvalidRiskParams(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"maintenance above initial", "market:\n  risk:\n    initial_margin_bps: 400\n    maintenance_margin_bps: 500\n"},
		{"zero touch budget", "market:\n  risk:\n    accounts_to_touch: 0\n"},
		{"empty market", "market:\n  id: \"\"\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := config.Load(writeConfig(t, tc.yaml)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
