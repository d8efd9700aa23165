package main

import (
	fpmath "Percolator/internal/math"
	"Percolator/internal/state"
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewAuditOutput_Consistent(t *testing.T) {
	acct := state.NewTradingAccount(0, uuid.New(), 0, fpmath.ZeroI128)
	acct.Capital = fpmath.U128FromUint64(100)
	g := state.GlobalState{
		VaultBalance:  fpmath.U128FromUint64(100),
		CapitalTotal:  fpmath.U128FromUint64(100),
		TotalAccounts: 1,
	}

	out := newAuditOutput("engine_tables", 0, state.Audit([]state.TradingAccount{acct}, g))
	if !out.OK || len(out.Violations) != 0 {
		t.Fatalf("expected clean audit, got %+v", out)
	}
	if out.CapitalSum != "100" || out.Haircut != "1" {
		t.Errorf("output: %+v", out)
	}
}

func TestNewAuditOutput_ReportsViolation(t *testing.T) {
	acct := state.NewTradingAccount(0, uuid.New(), 0, fpmath.ZeroI128)
	acct.Capital = fpmath.U128FromUint64(100)
	g := state.GlobalState{
		VaultBalance:  fpmath.U128FromUint64(100),
		CapitalTotal:  fpmath.U128FromUint64(90), // aggregate drifted from the accounts
		TotalAccounts: 1,
	}

	out := newAuditOutput("snapshot", 12, state.Audit([]state.TradingAccount{acct}, g))
	if out.OK || len(out.Violations) == 0 {
		t.Fatalf("expected a violation, got %+v", out)
	}
}

func TestNewHaircutOutput_Underwater(t *testing.T) {
	g := state.GlobalState{
		VaultBalance:     fpmath.U128FromUint64(130),
		CapitalTotal:     fpmath.U128FromUint64(100),
		PnLPositiveTotal: fpmath.U128FromUint64(60),
	}
	out, err := newHaircutOutput("BTC-PERP", g)
	if err != nil {
		t.Fatalf("haircut: %v", err)
	}
	// residual 30 against 60 of profit claims
	if out.Senior != "100" || !strings.HasPrefix(out.Ratio, "0.5") {
		t.Errorf("output: %+v", out)
	}
}

func TestRootCmd_ListsSubcommands(t *testing.T) {
	var buf bytes.Buffer
	root := newRootCmd(&buf)
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"audit", "haircut", "integrity", "migrate", "rebuild-projections", "status"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing subcommand %q in %s", want, joined)
		}
	}
}
