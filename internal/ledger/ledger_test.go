package ledger_test

import (
	"Percolator/internal/ledger"
	fpmath "Percolator/internal/math"
	"Percolator/internal/state"
	"testing"

	"github.com/google/uuid"
)

func u(v uint64) fpmath.U128 { return fpmath.U128FromUint64(v) }
func i(v int64) fpmath.I128  { return fpmath.I128FromInt64(v) }

// fixture mirrors one market: state plus the ledger that journals it.
type fixture struct {
	g         state.GlobalState
	gen       *ledger.JournalGenerator
	tracker   *ledger.BalanceTracker
	validator *ledger.InvariantValidator
}

func newFixture() *fixture {
	tracker := ledger.NewBalanceTracker()
	return &fixture{
		gen:       ledger.NewJournalGenerator(0),
		tracker:   tracker,
		validator: ledger.NewInvariantValidator(tracker),
	}
}

func (f *fixture) apply(t *testing.T, b *ledger.Batch) {
	t.Helper()
	if err := f.tracker.ApplyBatch(b); err != nil {
		t.Fatalf("apply batch: %v", err)
	}
}

func (f *fixture) reconcile(t *testing.T, accts ...*state.TradingAccount) {
	t.Helper()
	for _, a := range accts {
		if err := f.validator.ReconcileAccount(a); err != nil {
			t.Error(err)
		}
	}
	if err := f.validator.ReconcileGlobal(&f.g); err != nil {
		t.Error(err)
	}
	if err := f.validator.ValidateGlobalBalance(); err != nil {
		t.Error(err)
	}
}

func (f *fixture) deposit(t *testing.T, index uint64, amount uint64) state.TradingAccount {
	t.Helper()
	acct := state.NewTradingAccount(index, uuid.New(), 0, fpmath.ZeroI128)
	if err := state.Deposit(&acct, &f.g, u(amount)); err != nil {
		t.Fatal(err)
	}
	b := f.gen.NewBatch("dep", 0)
	f.gen.Deposit(b, index, u(amount))
	f.apply(t, b)
	return acct
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	tests := []struct {
		key  ledger.AccountKey
		want string
	}{
		{ledger.NewUserAccountKey(7, ledger.SubTypeCapital), "user:7:capital"},
		{ledger.NewUserAccountKey(0, ledger.SubTypeFeeCredits), "user:0:fee_credits"},
		{ledger.NewSystemAccountKey(ledger.SubTypeSystemInsuranceFund), "system:insurance_fund"},
		{ledger.NewSystemAccountKey(ledger.SubTypeSystemSocializedLoss), "system:socialized_loss"},
		{ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits), "external:deposits"},
	}
	for _, tc := range tests {
		if got := tc.key.AccountPath(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
		parsed, err := ledger.ParseAccountPath(tc.want)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.want, err)
		}
		if parsed != tc.key {
			t.Errorf("parse %q: got %+v, want %+v", tc.want, parsed, tc.key)
		}
	}
}

func TestParseAccountPath_RejectsUnknown(t *testing.T) {
	for _, path := range []string{"", "user:x:capital", "user:1:reserved", "system:capital", "vault"} {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("expected error for %q", path)
		}
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_ValidateRejectsSelfTransfer(t *testing.T) {
	key := ledger.NewUserAccountKey(1, ledger.SubTypeCapital)
	b := &ledger.Batch{BatchID: uuid.New()}
	b.Journals = append(b.Journals, ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		DebitAccount:  key,
		CreditAccount: key,
		Amount:        u(1),
	})
	if err := b.Validate(); err == nil {
		t.Fatal("expected self-transfer to be rejected")
	}
}

func TestBatch_ValidateRejectsMismatchedBatchID(t *testing.T) {
	b := &ledger.Batch{BatchID: uuid.New()}
	b.Journals = append(b.Journals, ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(1, ledger.SubTypeCapital),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
		Amount:        u(1),
	})
	if err := b.Validate(); err == nil {
		t.Fatal("expected mismatched batch id to be rejected")
	}
}

func TestBatch_EmptyIsValid(t *testing.T) {
	b := ledger.NewJournalGenerator(0).NewBatch("oracle:1", 0)
	if err := b.Validate(); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}

func TestGenerator_IDsAreDeterministic(t *testing.T) {
	a := ledger.NewJournalGenerator(10).NewBatch("fill-1", 5)
	b := ledger.NewJournalGenerator(10).NewBatch("fill-1", 5)
	if a.BatchID != b.BatchID {
		t.Errorf("batch ids differ on replay: %s vs %s", a.BatchID, b.BatchID)
	}
	c := ledger.NewJournalGenerator(11).NewBatch("fill-1", 5)
	if a.BatchID == c.BatchID {
		t.Error("different sequences produced the same batch id")
	}
}

func TestGenerator_SkipsZeroAmounts(t *testing.T) {
	gen := ledger.NewJournalGenerator(0)
	b := gen.NewBatch("x", 0)
	gen.Fee(b, 1, fpmath.ZeroU128, ledger.JournalTypeTradeFee)
	gen.PnL(b, 1, fpmath.ZeroI128, ledger.JournalTypeMarkSettlement)
	if len(b.Journals) != 0 {
		t.Fatalf("got %d journals, want 0", len(b.Journals))
	}
}

// ============================================================================
// Test: Ledger mirrors state
// ============================================================================

func TestDepositWithdraw_Reconcile(t *testing.T) {
	f := newFixture()
	acct := f.deposit(t, 0, 1_000)
	f.reconcile(t, &acct)

	if err := state.Withdraw(&acct, &f.g, u(300)); err != nil {
		t.Fatal(err)
	}
	b := f.gen.NewBatch("wd", 0)
	f.gen.Withdrawal(b, 0, u(300))
	f.apply(t, b)

	f.reconcile(t, &acct)
	vault, err := f.tracker.Vault()
	if err != nil {
		t.Fatal(err)
	}
	if vault.Cmp(i(700)) != 0 {
		t.Errorf("vault: got %s, want 700", vault)
	}
}

func TestLossSettlementAndWriteOff_Reconcile(t *testing.T) {
	f := newFixture()
	acct := f.deposit(t, 3, 100)

	// mark loss of 150 against capital 100: 100 paid, 50 written off
	acct.PositionSize = i(10)
	acct.EntryPrice = 100 * fpmath.PriceScale
	pnl, err := state.SettleMarkToOracle(&acct, &f.g, 85*fpmath.PriceScale, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	s, err := state.SettleLosses(&acct, &f.g)
	if err != nil {
		t.Fatal(err)
	}
	b := f.gen.NewBatch("crank", 0)
	f.gen.PnL(b, 3, pnl, ledger.JournalTypeMarkSettlement)
	f.gen.Losses(b, 3, s)
	f.apply(t, b)

	f.reconcile(t, &acct)
	written := f.tracker.GetBalance(ledger.NewSystemAccountKey(ledger.SubTypeSystemSocializedLoss))
	if written.Cmp(i(-50)) != 0 {
		t.Errorf("socialized loss: got %s, want -50", written)
	}
}

func TestProfitConversion_Reconcile(t *testing.T) {
	f := newFixture()
	winner := f.deposit(t, 0, 100)
	loser := f.deposit(t, 1, 100)

	winner.PositionSize, winner.EntryPrice = i(10), 100*fpmath.PriceScale
	loser.PositionSize, loser.EntryPrice = i(-10), 100*fpmath.PriceScale
	price := uint64(105 * fpmath.PriceScale)

	b := f.gen.NewBatch("crank", 0)
	for _, a := range []*state.TradingAccount{&winner, &loser} {
		pnl, err := state.SettleMarkToOracle(a, &f.g, price, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		f.gen.PnL(b, a.Index, pnl, ledger.JournalTypeMarkSettlement)
		s, err := state.SettleLosses(a, &f.g)
		if err != nil {
			t.Fatal(err)
		}
		f.gen.Losses(b, a.Index, s)
	}
	conv, err := state.ConvertProfitToCapital(&winner, &f.g, f.g.Haircut(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.gen.Conversion(b, winner.Index, conv)
	f.apply(t, b)

	if conv.Converted.Cmp(u(50)) != 0 {
		t.Errorf("converted: got %s, want 50", conv.Converted)
	}
	f.reconcile(t, &winner, &loser)
}

func TestMaintenanceFees_AccrueSweepForgive(t *testing.T) {
	f := newFixture()
	acct := f.deposit(t, 2, 5)

	accrued, err := state.AccrueMaintenanceFees(&acct, 10, u(1))
	if err != nil {
		t.Fatal(err)
	}
	swept, err := state.SweepFeeDebt(&acct, &f.g)
	if err != nil {
		t.Fatal(err)
	}
	b := f.gen.NewBatch("crank", 0)
	f.gen.FeeAccrual(b, 2, accrued)
	f.gen.FeeSweep(b, 2, swept)
	f.apply(t, b)
	f.reconcile(t, &acct)

	// 5 of 10 paid; the rest is forgiven on close
	debt := acct.FeeDebt()
	if err := state.CloseAccount(&acct); err != nil {
		t.Fatal(err)
	}
	b = f.gen.NewBatch("close", 0)
	f.gen.FeeForgiveness(b, 2, debt)
	f.apply(t, b)

	if err := f.validator.ReconcileClosed(2); err != nil {
		t.Error(err)
	}
	receivable := f.tracker.GetBalance(ledger.NewSystemAccountKey(ledger.SubTypeSystemFeeReceivable))
	if !receivable.IsZero() {
		t.Errorf("fee receivable: got %s, want 0", receivable)
	}
}

func TestLiquidation_Reconcile(t *testing.T) {
	f := newFixture()
	acct := f.deposit(t, 0, 100)
	acct.PositionSize = i(10)
	acct.EntryPrice = 100 * fpmath.PriceScale

	policy := state.NewMaintenanceMarginPolicy(state.DefaultRiskParams())
	before, insuranceBefore := acct, f.g.InsuranceFund
	if err := policy.Liquidate(&acct, &f.g, 94*fpmath.PriceScale); err != nil {
		t.Fatal(err)
	}
	b := f.gen.NewBatch("crank", 0)
	if err := f.gen.Liquidation(b, &before, &acct, insuranceBefore, f.g.InsuranceFund); err != nil {
		t.Fatal(err)
	}
	f.apply(t, b)
	f.reconcile(t, &acct)
}

func TestReconcileAccount_DetectsDrift(t *testing.T) {
	f := newFixture()
	acct := f.deposit(t, 0, 100)
	acct.Capital = u(101)
	if err := f.validator.ReconcileAccount(&acct); err == nil {
		t.Fatal("expected capital drift to be reported")
	}
}

func TestBalanceTracker_OverflowLeavesBalancesUntouched(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	key := ledger.NewUserAccountKey(0, ledger.SubTypeCapital)
	maxI, err := fpmath.ParseI128("170141183460469231731687303715884105727")
	if err != nil {
		t.Fatal(err)
	}
	tracker.SetBalance(key, maxI)
	err = tracker.ApplyJournal(ledger.Journal{
		DebitAccount:  key,
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
		Amount:        u(1),
	})
	if err == nil {
		t.Fatal("expected overflow")
	}
	if !tracker.GetBalance(ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits)).IsZero() {
		t.Error("credit side moved despite overflow")
	}
}
