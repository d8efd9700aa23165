package state_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	fpmath "Percolator/internal/math"
	"Percolator/internal/state"

	"github.com/google/uuid"
)

func u(v uint64) fpmath.U128 { return fpmath.U128FromUint64(v) }
func i(v int64) fpmath.I128  { return fpmath.I128FromInt64(v) }

func newAccount(capital uint64, pnl int64) state.TradingAccount {
	acct := state.NewTradingAccount(0, uuid.New(), 0, fpmath.ZeroI128)
	acct.Capital = u(capital)
	acct.RealizedPnL = i(pnl)
	return acct
}

func assertU128(t *testing.T, name string, got fpmath.U128, want uint64) {
	t.Helper()
	if got.Cmp(u(want)) != 0 {
		t.Errorf("%s: got %s, want %d", name, got, want)
	}
}

func assertI128(t *testing.T, name string, got fpmath.I128, want int64) {
	t.Helper()
	if got.Cmp(i(want)) != 0 {
		t.Errorf("%s: got %s, want %d", name, got, want)
	}
}

// ============================================================================
// Test: Haircut
// ============================================================================

func TestHaircut_PartiallyBacked(t *testing.T) {
	acct := newAccount(100, 50)
	g := state.GlobalState{
		VaultBalance:     u(140),
		CapitalTotal:     u(100),
		PnLPositiveTotal: u(50),
	}

	h := g.Haircut()
	assertU128(t, "h_num", h.Num, 40)
	assertU128(t, "h_den", h.Den, 50)

	effective, err := h.Apply(acct.RealizedPnL.PositivePart())
	if err != nil {
		t.Fatal(err)
	}
	assertU128(t, "effective_pnl", effective, 40)

	eq, err := state.EffectiveEquity(acct.Capital, acct.RealizedPnL, fpmath.ZeroI128, h)
	if err != nil {
		t.Fatal(err)
	}
	assertU128(t, "effective_equity", eq, 140)
}

func TestHaircut_NoProfitIsFullyBacked(t *testing.T) {
	h := state.ComputeHaircut(u(10), u(100), u(0), u(0))
	if !h.IsFull() {
		t.Errorf("expected full haircut with no positive pnl, got %s/%s", h.Num, h.Den)
	}
}

func TestHaircut_UndercollateralizedResidualIsZero(t *testing.T) {
	// senior claims above the vault: residual saturates to zero
	h := state.ComputeHaircut(u(90), u(100), u(5), u(20))
	assertU128(t, "h_num", h.Num, 0)
	assertU128(t, "h_den", h.Den, 20)
}

func TestHaircut_CappedAtOne(t *testing.T) {
	h := state.ComputeHaircut(u(1_000), u(100), u(0), u(50))
	if !h.IsFull() {
		t.Errorf("residual above pnl must give h=1, got %s/%s", h.Num, h.Den)
	}
}

func TestHaircut_MonotonicInResidual(t *testing.T) {
	pnl := u(1_000)
	prev := state.ComputeHaircut(u(5_000), u(2_000), u(0), pnl)
	for vault := uint64(5_000); vault >= 2_000; vault -= 37 {
		h := state.ComputeHaircut(u(vault), u(2_000), u(0), pnl)
		if h.Cmp(prev) > 0 {
			t.Fatalf("vault %d: h %s/%s increased above %s/%s", vault, h.Num, h.Den, prev.Num, prev.Den)
		}
		prev = h
	}
}

func TestEffectiveEquity_LossPassesThroughAndFloorsAtZero(t *testing.T) {
	h := state.Haircut{Num: u(1), Den: u(2)}
	eq, _ := state.EffectiveEquity(u(100), i(-30), fpmath.ZeroI128, h)
	assertU128(t, "loss not haircut", eq, 70)

	eq, _ = state.EffectiveEquity(u(100), i(-30), i(-200), h)
	assertU128(t, "floored", eq, 0)
}

func TestAccountEquity_SubtractsFeeDebt(t *testing.T) {
	acct := newAccount(100, 0)
	acct.FeeCredits = i(-25)
	eq, err := state.AccountEquity(&acct, fpmath.ZeroI128, state.FullHaircut)
	if err != nil {
		t.Fatal(err)
	}
	assertU128(t, "equity", eq, 75)
}

// ============================================================================
// Test: Settlement
// ============================================================================

func TestSettleLosses_WritesOffRemainder(t *testing.T) {
	acct := newAccount(30, -50)
	g := state.GlobalState{VaultBalance: u(30), CapitalTotal: u(30)}

	res, err := state.SettleLosses(&acct, &g)
	if err != nil {
		t.Fatal(err)
	}
	assertU128(t, "paid", res.Paid, 30)
	assertU128(t, "written off", res.WrittenOff, 20)
	assertU128(t, "capital", acct.Capital, 0)
	assertI128(t, "realized_pnl", acct.RealizedPnL, 0)
	assertU128(t, "capital_total", g.CapitalTotal, 0)
}

func TestSettleLosses_NoOpOnProfit(t *testing.T) {
	acct := newAccount(30, 10)
	g := state.GlobalState{VaultBalance: u(40), CapitalTotal: u(30), PnLPositiveTotal: u(10)}
	before, gBefore := acct, g

	if _, err := state.SettleLosses(&acct, &g); err != nil {
		t.Fatal(err)
	}
	if acct != before || g != gBefore {
		t.Error("settle_losses with non-negative pnl must not mutate state")
	}
}

func TestSettleLosses_DoesNotTouchOtherCapital(t *testing.T) {
	// A holds capital only, B owes 50 with 10 capital, C won B's 50.
	a := newAccount(100, 0)
	b := newAccount(10, -50)
	c := newAccount(0, 50)
	g := state.GlobalState{VaultBalance: u(110), CapitalTotal: u(110), PnLPositiveTotal: u(50)}

	if h := g.Haircut(); !h.Num.IsZero() {
		t.Fatalf("expected h=0 before settlement, got %s/%s", h.Num, h.Den)
	}
	if _, err := state.SettleLosses(&b, &g); err != nil {
		t.Fatal(err)
	}
	assertU128(t, "A capital", a.Capital, 100)

	h := g.Haircut()
	effective, _ := h.Apply(c.RealizedPnL.PositivePart())
	assertU128(t, "C effective pnl after write-off", effective, 10)
}

func TestChargeTradingFee(t *testing.T) {
	acct := newAccount(100, 0)
	g := state.GlobalState{VaultBalance: u(100), CapitalTotal: u(100)}

	fee, err := state.ChargeTradingFee(&acct, &g, u(10_000), 30)
	if err != nil {
		t.Fatal(err)
	}
	assertU128(t, "fee", fee, 30)
	assertU128(t, "capital", acct.Capital, 70)
	assertU128(t, "capital_total", g.CapitalTotal, 70)
	assertU128(t, "insurance", g.InsuranceFund, 30)
}

func TestChargeTradingFee_RejectsBeforeMutation(t *testing.T) {
	acct := newAccount(29, 0)
	g := state.GlobalState{VaultBalance: u(29), CapitalTotal: u(29)}
	before, gBefore := acct, g

	_, err := state.ChargeTradingFee(&acct, &g, u(10_000), 30)
	if !errors.Is(err, state.ErrInsufficientCapital) {
		t.Fatalf("expected ErrInsufficientCapital, got %v", err)
	}
	if acct != before || g != gBefore {
		t.Error("rejected fee must leave account and global state unchanged")
	}
}

func TestMaintenanceFees_AccrueThenSweep(t *testing.T) {
	acct := newAccount(50, 0)
	g := state.GlobalState{VaultBalance: u(50), CapitalTotal: u(50)}

	accrued, err := state.AccrueMaintenanceFees(&acct, 20, u(4))
	if err != nil {
		t.Fatal(err)
	}
	assertU128(t, "accrued", accrued, 80)
	assertI128(t, "fee_credits", acct.FeeCredits, -80)
	assertU128(t, "capital untouched by accrual", acct.Capital, 50)

	paid, err := state.SweepFeeDebt(&acct, &g)
	if err != nil {
		t.Fatal(err)
	}
	assertU128(t, "paid", paid, 50)
	assertU128(t, "capital", acct.Capital, 0)
	assertI128(t, "remaining debt", acct.FeeCredits, -30)
	assertU128(t, "insurance", g.InsuranceFund, 50)
	assertU128(t, "capital_total", g.CapitalTotal, 0)

	// second accrual in the same slot is a no-op
	accrued, _ = state.AccrueMaintenanceFees(&acct, 20, u(4))
	assertU128(t, "same-slot accrual", accrued, 0)
}

func TestSettleMarkToOracle_RealizesAndResetsEntry(t *testing.T) {
	acct := newAccount(1_000, 0)
	acct.PositionSize = i(10)
	acct.EntryPrice = 100 * fpmath.PriceScale
	g := state.GlobalState{VaultBalance: u(1_000), CapitalTotal: u(1_000)}

	pnl, err := state.SettleMarkToOracle(&acct, &g, 105*fpmath.PriceScale, 7, 100)
	if err != nil {
		t.Fatal(err)
	}
	assertI128(t, "mark pnl", pnl, 50)
	assertI128(t, "realized", acct.RealizedPnL, 50)
	assertU128(t, "pnl_positive_total", g.PnLPositiveTotal, 50)
	if acct.EntryPrice != 105*fpmath.PriceScale {
		t.Errorf("entry price not reset: %d", acct.EntryPrice)
	}
	if acct.Warmup.Phase != state.WarmupAccruing || acct.Warmup.StartedAt != 7 {
		t.Errorf("warmup not started on new profit: %+v", acct.Warmup)
	}
}

func TestSettleFunding_LongPaysShortReceives(t *testing.T) {
	long := newAccount(1_000, 0)
	long.PositionSize = i(3)
	short := newAccount(1_000, 0)
	short.PositionSize = i(-3)
	g := state.GlobalState{VaultBalance: u(2_000), CapitalTotal: u(2_000), FundingIndex: i(500_000)}

	paid, err := state.SettleFunding(&long, &g, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	received, err := state.SettleFunding(&short, &g, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	assertI128(t, "long pays", paid, 2)
	assertI128(t, "short receives", received, -1)
	assertI128(t, "long pnl", long.RealizedPnL, -2)
	assertI128(t, "short pnl", short.RealizedPnL, 1)
	if long.FundingIndex.Cmp(g.FundingIndex) != 0 {
		t.Error("funding index not advanced")
	}
}

// ============================================================================
// Test: Warmup / conversion
// ============================================================================

func TestWarmup_SlopeAndCap(t *testing.T) {
	var w state.Warmup
	if err := state.UpdateWarmupSlope(&w, u(0), u(1_000), 0, 100); err != nil {
		t.Fatal(err)
	}
	assertU128(t, "slope", w.Slope, 10)

	warmable, err := state.CalculateWarmableAmount(w, u(1_000), 40, 100)
	if err != nil {
		t.Fatal(err)
	}
	assertU128(t, "warmable after 40 slots", warmable, 400)
}

func TestWarmup_MinimumSlopeOne(t *testing.T) {
	var w state.Warmup
	_ = state.UpdateWarmupSlope(&w, u(0), u(5), 0, 100)
	assertU128(t, "slope", w.Slope, 1)
}

func TestWarmup_ZeroPeriodUnlocksEverything(t *testing.T) {
	warmable, _ := state.CalculateWarmableAmount(state.Warmup{}, u(777), 0, 0)
	assertU128(t, "warmable", warmable, 777)
}

func TestWarmup_BoundedAndNonDecreasing(t *testing.T) {
	var w state.Warmup
	_ = state.UpdateWarmupSlope(&w, u(0), u(1_000), 10, 64)

	prev := u(0)
	for slot := uint64(0); slot < 200; slot++ {
		got, err := state.CalculateWarmableAmount(w, u(1_000), slot, 64)
		if err != nil {
			t.Fatal(err)
		}
		if got.Cmp(u(1_000)) > 0 {
			t.Fatalf("slot %d: warmable %s exceeds available profit", slot, got)
		}
		if got.Cmp(prev) < 0 {
			t.Fatalf("slot %d: warmable decreased from %s to %s", slot, prev, got)
		}
		prev = got
	}
}

func TestWarmup_SlopeResetKeepsUnlockedProgress(t *testing.T) {
	var w state.Warmup
	_ = state.UpdateWarmupSlope(&w, u(0), u(1_000), 0, 100)

	// 30 slots later profit grows; 300 was already unlocked
	_ = state.UpdateWarmupSlope(&w, u(1_000), u(2_000), 30, 100)
	got, _ := state.CalculateWarmableAmount(w, u(2_000), 30, 100)
	assertU128(t, "banked progress", got, 300)

	got, _ = state.CalculateWarmableAmount(w, u(2_000), 40, 100)
	assertU128(t, "banked plus new slope", got, 500)
}

func TestConvertProfitToCapital_AppliesHaircutToWarmable(t *testing.T) {
	acct := newAccount(100, 50)
	g := state.GlobalState{VaultBalance: u(140), CapitalTotal: u(100), PnLPositiveTotal: u(50)}

	conv, err := state.ConvertProfitToCapital(&acct, &g, g.Haircut(), 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	assertU128(t, "warmable", conv.Warmable, 50)
	assertU128(t, "converted", conv.Converted, 40)
	assertU128(t, "haircut loss", conv.HaircutLoss, 10)
	assertU128(t, "capital", acct.Capital, 140)
	assertI128(t, "realized", acct.RealizedPnL, 0)
	assertU128(t, "capital_total", g.CapitalTotal, 140)
	assertU128(t, "pnl_positive_total", g.PnLPositiveTotal, 0)
	if acct.Warmup.Phase != state.WarmupIdle {
		t.Errorf("warmup should be idle with no profit left, got %s", acct.Warmup.Phase)
	}
	if err := g.CheckSolvency(); err != nil {
		t.Errorf("solvency after conversion: %v", err)
	}
}

func TestConvertProfitToCapital_PartialWarmup(t *testing.T) {
	acct := newAccount(0, 1_000)
	_ = state.UpdateWarmupSlope(&acct.Warmup, u(0), u(1_000), 0, 100)
	g := state.GlobalState{VaultBalance: u(1_000), PnLPositiveTotal: u(1_000)}

	conv, err := state.ConvertProfitToCapital(&acct, &g, g.Haircut(), 40, 100)
	if err != nil {
		t.Fatal(err)
	}
	assertU128(t, "converted", conv.Converted, 400)
	assertI128(t, "remaining profit", acct.RealizedPnL, 600)

	// immediately again: warmup clock restarted, nothing new unlocked
	conv, _ = state.ConvertProfitToCapital(&acct, &g, g.Haircut(), 40, 100)
	assertU128(t, "no double conversion", conv.Warmable, 0)

	conv, _ = state.ConvertProfitToCapital(&acct, &g, g.Haircut(), 50, 100)
	assertU128(t, "next 10 slots", conv.Warmable, 100)
}

func TestZeroProgressTouchIsIdempotent(t *testing.T) {
	acct := newAccount(500, 0)
	g := state.GlobalState{VaultBalance: u(500), CapitalTotal: u(500)}
	before := acct

	for slot := uint64(1); slot <= 3; slot++ {
		if _, err := state.AccrueMaintenanceFees(&acct, slot, u(0)); err != nil {
			t.Fatal(err)
		}
		if _, err := state.SettleLosses(&acct, &g); err != nil {
			t.Fatal(err)
		}
		if _, err := state.ConvertProfitToCapital(&acct, &g, g.Haircut(), slot, 100); err != nil {
			t.Fatal(err)
		}
		if _, err := state.SweepFeeDebt(&acct, &g); err != nil {
			t.Fatal(err)
		}
	}
	if acct.Capital != before.Capital || acct.RealizedPnL != before.RealizedPnL || acct.FeeCredits != before.FeeCredits {
		t.Errorf("zero-progress touches changed the account: %+v", acct)
	}
}

// ============================================================================
// Test: Liquidation policy
// ============================================================================

func TestMaintenanceMarginPolicy_LiquidatesUnderwater(t *testing.T) {
	params := state.DefaultRiskParams()
	policy := state.NewMaintenanceMarginPolicy(params)

	acct := newAccount(100, 0)
	acct.PositionSize = i(10)
	acct.EntryPrice = 100 * fpmath.PriceScale
	g := state.GlobalState{VaultBalance: u(100), CapitalTotal: u(100)}

	// at 100: equity 100, notional 1000, mm 50
	if policy.IsLiquidatable(&acct, 100*fpmath.PriceScale, &g) {
		t.Fatal("healthy account flagged")
	}
	// at 94: mark pnl -60, equity 40, mm ceil(940*5%)=47
	price := uint64(94 * fpmath.PriceScale)
	if !policy.IsLiquidatable(&acct, price, &g) {
		t.Fatal("underwater account not flagged")
	}
	if err := policy.Liquidate(&acct, &g, price); err != nil {
		t.Fatal(err)
	}
	if !acct.IsFlat() {
		t.Error("position not closed")
	}
	// loss 60 paid, fee ceil(940*1%)=10 to insurance
	assertU128(t, "capital", acct.Capital, 30)
	assertU128(t, "insurance", g.InsuranceFund, 10)
	assertU128(t, "capital_total", g.CapitalTotal, 30)
	assertI128(t, "realized", acct.RealizedPnL, 0)
}

func TestMaintenanceMarginPolicy_FlatAccountError(t *testing.T) {
	policy := state.NewMaintenanceMarginPolicy(state.DefaultRiskParams())
	acct := newAccount(10, 0)
	g := state.GlobalState{}
	err := policy.Liquidate(&acct, &g, fpmath.PriceScale)
	var le *state.LiquidationError
	if !errors.As(err, &le) {
		t.Fatalf("expected LiquidationError, got %v", err)
	}
}

// ============================================================================
// Test: Book and audit
// ============================================================================

func TestAccountBook_SlotReuse(t *testing.T) {
	book := state.NewAccountBook()
	a, _ := book.NewAccount(uuid.New())
	b, _ := book.NewAccount(uuid.New())
	if a.Index != 0 || b.Index != 0 {
		t.Fatalf("uncommitted accounts should both target slot 0, got %d %d", a.Index, b.Index)
	}
	book.Commit(book.Global(), a)
	b, _ = book.NewAccount(b.Owner)
	book.Commit(book.Global(), b)
	if b.Index != 1 || book.SlotCount() != 2 {
		t.Fatalf("second account: index %d slots %d", b.Index, book.SlotCount())
	}

	a, _ = book.Get(0)
	if err := state.CloseAccount(&a); err != nil {
		t.Fatal(err)
	}
	book.Commit(book.Global(), a)
	if _, ok := book.Get(0); ok {
		t.Fatal("closed slot still occupied")
	}

	c, _ := book.NewAccount(uuid.New())
	if c.Index != 0 {
		t.Errorf("closed slot not reused: got index %d", c.Index)
	}
	if g := book.Global(); g.TotalAccounts != 2 {
		t.Errorf("total_accounts: got %d, want 2", g.TotalAccounts)
	}
}

func TestCloseAccount_RejectsNonEmpty(t *testing.T) {
	acct := newAccount(1, 0)
	if err := state.CloseAccount(&acct); !errors.Is(err, state.ErrAccountNotEmpty) {
		t.Errorf("expected ErrAccountNotEmpty, got %v", err)
	}
}

func TestAudit_DetectsAggregateDrift(t *testing.T) {
	acct := newAccount(100, 20)
	g := state.GlobalState{VaultBalance: u(120), CapitalTotal: u(90), PnLPositiveTotal: u(20), TotalAccounts: 1}
	report := state.Audit([]state.TradingAccount{acct}, g)
	if report.OK() {
		t.Fatal("expected capital_total drift to be reported")
	}
}

func TestConservation_RandomizedOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	params := state.DefaultRiskParams()
	params.WarmupPeriodSlots = 20
	params.FeeBps = 10
	book := state.NewAccountBook()
	price := uint64(100 * fpmath.PriceScale)

	for n := 0; n < 8; n++ {
		acct, err := book.NewAccount(uuid.New())
		if err != nil {
			t.Fatal(err)
		}
		g := book.Global()
		if err := state.Deposit(&acct, &g, u(uint64(1_000+rng.Intn(10_000)))); err != nil {
			t.Fatal(err)
		}
		book.Commit(g, acct)
	}

	for step := 0; step < 3_000; step++ {
		g := book.Global()
		g.CurrentSlot++
		slots := book.SlotCount()

		switch rng.Intn(4) {
		case 0:
			ti, mi := rng.Uint64()%slots, rng.Uint64()%slots
			size := i(int64(rng.Intn(41) - 20))
			if ti == mi || size.IsZero() {
				book.SetGlobal(g)
				break
			}
			taker, _ := book.Get(ti)
			maker, _ := book.Get(mi)
			tg := g
			neg, _ := size.Neg()
			_, err1 := state.ApplyFill(&taker, &tg, size, price, params.FeeBps, g.CurrentSlot, params.WarmupPeriodSlots)
			_, err2 := state.ApplyFill(&maker, &tg, neg, price, 0, g.CurrentSlot, params.WarmupPeriodSlots)
			if err1 != nil || err2 != nil {
				book.SetGlobal(g)
				break
			}
			book.Commit(tg, taker, maker)
		case 1:
			move := uint64(90 + rng.Intn(21))
			price = price * move / 100
			book.SetGlobal(g)
		case 2:
			acct, _ := book.Get(rng.Uint64() % slots)
			if _, err := state.SettleMarkToOracle(&acct, &g, price, g.CurrentSlot, params.WarmupPeriodSlots); err != nil {
				t.Fatal(err)
			}
			if _, err := state.SettleLosses(&acct, &g); err != nil {
				t.Fatal(err)
			}
			if _, err := state.ConvertProfitToCapital(&acct, &g, g.Haircut(), g.CurrentSlot, params.WarmupPeriodSlots); err != nil {
				t.Fatal(err)
			}
			book.Commit(g, acct)
		case 3:
			acct, _ := book.Get(rng.Uint64() % slots)
			if _, err := state.AccrueMaintenanceFees(&acct, g.CurrentSlot, u(1)); err != nil {
				t.Fatal(err)
			}
			if _, err := state.SweepFeeDebt(&acct, &g); err != nil {
				t.Fatal(err)
			}
			book.Commit(g, acct)
		}

		gs := book.Global()
		if err := gs.CheckSolvency(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		report := state.Audit(book.GetAll(), gs)
		if !report.OK() {
			t.Fatalf("step %d: audit violations: %v", step, report.Violations)
		}
	}
}

func TestMemoryStore_ListsByIndex(t *testing.T) {
	ctx := context.Background()
	var store state.Store = state.NewMemoryStore()
	for _, idx := range []uint64{5, 1, 3} {
		if err := store.StoreAccount(ctx, state.NewTradingAccount(idx, uuid.New(), 0, fpmath.ZeroI128)); err != nil {
			t.Fatalf("store %d: %v", idx, err)
		}
	}
	if err := store.DeleteAccount(ctx, 3); err != nil {
		t.Fatalf("delete: %v", err)
	}

	accounts, _ := store.ListAccounts(ctx)
	if len(accounts) != 2 || accounts[0].Index != 1 || accounts[1].Index != 5 {
		t.Errorf("expected indices [1 5], got %+v", accounts)
	}
	if _, ok, _ := store.LoadAccount(ctx, 3); ok {
		t.Error("deleted account still loads")
	}

	g := state.GlobalState{VaultBalance: u(9), CurrentSlot: 2}
	_ = store.StoreGlobal(ctx, g)
	if got, _ := store.LoadGlobal(ctx); got != g {
		t.Errorf("global: got %+v", got)
	}
}
