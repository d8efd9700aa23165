package core

import (
	"Percolator/internal/crank"
	"Percolator/internal/event"
	"Percolator/internal/ledger"
	fpmath "Percolator/internal/math"
	"Percolator/internal/state"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var errZeroAmount = errors.New("amount must be > 0")

func (c *RiskEngine) dispatchEvent(evt event.Event, b *ledger.Batch) (*staged, error) {
	switch e := evt.(type) {
	case *event.DepositConfirmed:
		return c.handleDepositConfirmed(e, b)
	case *event.WithdrawalRequested:
		return c.handleWithdrawalRequested(e, b)
	case *event.TradeFill:
		return c.handleTradeFill(e, b)
	case *event.OraclePriceUpdate:
		return c.handleOraclePriceUpdate(e)
	case *event.FundingRateUpdate:
		return c.handleFundingRateUpdate(e)
	case *event.CrankRequested:
		return c.handleCrankRequested(e, b)
	case *event.AccountCloseRequested:
		return c.handleAccountCloseRequested(e, b)
	case *event.RiskParamUpdate:
		return c.handleRiskParamUpdate(e)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// The market clock only moves forward.
func advanceSlot(g *state.GlobalState, slot uint64) {
	if slot > g.CurrentSlot {
		g.CurrentSlot = slot
	}
}

func (c *RiskEngine) lookup(owner uuid.UUID) (state.TradingAccount, error) {
	acct, ok := c.book.Lookup(owner)
	if !ok {
		return state.TradingAccount{}, fmt.Errorf("%w: owner %s", state.ErrAccountNotFound, owner)
	}
	return acct, nil
}

func (c *RiskEngine) handleDepositConfirmed(evt *event.DepositConfirmed, b *ledger.Batch) (*staged, error) {
	if evt.Amount.IsZero() {
		return nil, fmt.Errorf("deposit: %w", errZeroAmount)
	}
	g := c.book.Global()
	advanceSlot(&g, evt.EventSlot)

	acct, ok := c.book.Lookup(evt.Owner)
	if !ok {
		var err error
		if acct, err = c.book.NewAccount(evt.Owner); err != nil {
			return nil, err
		}
		acct.LastFeeSlot = g.CurrentSlot
	}
	if err := state.Deposit(&acct, &g, evt.Amount); err != nil {
		return nil, err
	}
	c.journalGen.Deposit(b, acct.Index, evt.Amount)
	return &staged{global: g, accounts: []state.TradingAccount{acct}}, nil
}

// settleAccount brings one account up to date outside the crank: funding,
// mark to a fresh oracle price when a position is open, fee accrual,
// losses and the fee sweep. Every movement is journaled into b. It returns
// the price used, zero for a flat account.
func (c *RiskEngine) settleAccount(a *state.TradingAccount, g *state.GlobalState, b *ledger.Batch) (uint64, error) {
	slot := g.CurrentSlot
	period := c.params.WarmupPeriodSlots

	funding, err := state.SettleFunding(a, g, slot, period)
	if err != nil {
		return 0, err
	}
	c.journalGen.Funding(b, a.Index, funding)

	var price uint64
	if !a.IsFlat() {
		if price, err = state.FreshPrice(c.oracle, slot, c.params.MaxOracleStalenessSlots); err != nil {
			return 0, err
		}
		mark, err := state.SettleMarkToOracle(a, g, price, slot, period)
		if err != nil {
			return 0, err
		}
		c.journalGen.PnL(b, a.Index, mark, ledger.JournalTypeMarkSettlement)
	}

	accrued, err := state.AccrueMaintenanceFees(a, slot, c.params.MaintenanceFeePerSlot)
	if err != nil {
		return 0, err
	}
	c.journalGen.FeeAccrual(b, a.Index, accrued)

	losses, err := state.SettleLosses(a, g)
	if err != nil {
		return 0, err
	}
	c.journalGen.Losses(b, a.Index, losses)

	swept, err := state.SweepFeeDebt(a, g)
	if err != nil {
		return 0, err
	}
	c.journalGen.FeeSweep(b, a.Index, swept)
	return price, nil
}

// handleWithdrawalRequested settles the account, debits capital and the
// vault, and requires the remaining equity to cover initial margin.
func (c *RiskEngine) handleWithdrawalRequested(evt *event.WithdrawalRequested, b *ledger.Batch) (*staged, error) {
	if evt.Amount.IsZero() {
		return nil, fmt.Errorf("withdrawal: %w", errZeroAmount)
	}
	acct, err := c.lookup(evt.Owner)
	if err != nil {
		return nil, err
	}
	g := c.book.Global()
	advanceSlot(&g, evt.EventSlot)

	price, err := c.settleAccount(&acct, &g, b)
	if err != nil {
		return nil, fmt.Errorf("settle before withdrawal: %w", err)
	}
	if err := state.Withdraw(&acct, &g, evt.Amount); err != nil {
		return nil, err
	}
	if err := state.CheckInitialMargin(&acct, &g, price, c.params); err != nil {
		return nil, err
	}
	c.journalGen.Withdrawal(b, acct.Index, evt.Amount)

	return &staged{
		global:   g,
		accounts: []state.TradingAccount{acct},
		withdrawal: &event.WithdrawalApproved{
			WithdrawalID: evt.WithdrawalID,
			Owner:        evt.Owner,
			Market:       evt.Market,
			AccountIndex: acct.Index,
			Amount:       evt.Amount,
		},
	}, nil
}

func rejectedWithdrawal(evt event.Event, reason error) *event.WithdrawalRejected {
	w, ok := evt.(*event.WithdrawalRequested)
	if !ok {
		return nil
	}
	return &event.WithdrawalRejected{
		WithdrawalID: w.WithdrawalID,
		Owner:        w.Owner,
		Market:       w.Market,
		Amount:       w.Amount,
		Reason:       reason.Error(),
	}
}

// handleTradeFill applies both sides of a fill at the execution price. The
// taker pays the trading fee. A side whose exposure grows must still cover
// initial margin afterwards; reducing a position is always allowed.
func (c *RiskEngine) handleTradeFill(evt *event.TradeFill, b *ledger.Batch) (*staged, error) {
	if evt.Taker == evt.Maker {
		return nil, fmt.Errorf("fill %s: taker and maker are the same owner", evt.FillID)
	}
	if evt.Size.IsZero() || evt.Price == 0 {
		return nil, fmt.Errorf("fill %s: size and price must be non-zero", evt.FillID)
	}
	taker, err := c.lookup(evt.Taker)
	if err != nil {
		return nil, err
	}
	maker, err := c.lookup(evt.Maker)
	if err != nil {
		return nil, err
	}
	makerSize, err := evt.Size.Neg()
	if err != nil {
		return nil, err
	}

	g := c.book.Global()
	advanceSlot(&g, evt.EventSlot)

	sides := []struct {
		acct *state.TradingAccount
		size fpmath.I128
		fee  uint64
	}{
		{&taker, evt.Size, c.params.FeeBps},
		{&maker, makerSize, 0},
	}
	for _, s := range sides {
		before := s.acct.PositionSize
		after, err := before.Add(s.size)
		if err != nil {
			return nil, err
		}
		if err := c.params.CheckFillLimits(s.size, after); err != nil {
			return nil, fmt.Errorf("account %d: %w", s.acct.Index, err)
		}
		res, err := state.ApplyFill(s.acct, &g, s.size, evt.Price, s.fee, g.CurrentSlot, c.params.WarmupPeriodSlots)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", s.acct.Index, err)
		}
		c.journalFill(b, s.acct.Index, res)
		if after.Abs().Cmp(before.Abs()) > 0 {
			if err := state.CheckInitialMargin(s.acct, &g, evt.Price, c.params); err != nil {
				return nil, fmt.Errorf("account %d: %w", s.acct.Index, err)
			}
		}
	}
	return &staged{global: g, accounts: []state.TradingAccount{taker, maker}}, nil
}

func (c *RiskEngine) journalFill(b *ledger.Batch, index uint64, r state.FillResult) {
	c.journalGen.Funding(b, index, r.Funding)
	c.journalGen.PnL(b, index, r.RealizedPnL, ledger.JournalTypeTradePnL)
	c.journalGen.Losses(b, index, r.Losses)
	c.journalGen.Fee(b, index, r.Fee, ledger.JournalTypeTradeFee)
}

func (c *RiskEngine) handleOraclePriceUpdate(evt *event.OraclePriceUpdate) (*staged, error) {
	o := *c.oracle
	if err := o.Update(evt.Price, evt.PublishSlot); err != nil {
		return nil, err
	}
	g := c.book.Global()
	advanceSlot(&g, evt.PublishSlot)
	*c.oracle = o
	return &staged{global: g}, nil
}

// handleFundingRateUpdate accrues the index at the old rate up to the
// effective slot before switching rates. Without any oracle price the
// elapsed slots accrue nothing.
func (c *RiskEngine) handleFundingRateUpdate(evt *event.FundingRateUpdate) (*staged, error) {
	if next := c.fundingManager.NextEpoch(); evt.EpochID != next {
		return nil, fmt.Errorf("funding epoch %d out of order: expected %d", evt.EpochID, next)
	}
	g := c.book.Global()
	advanceSlot(&g, evt.EffectiveSlot)

	if price, _, ok := c.oracle.Price(); ok {
		if _, err := c.fundingManager.AccrueFunding(&g, price, g.CurrentSlot); err != nil {
			return nil, fmt.Errorf("accrue funding: %w", err)
		}
	} else if g.CurrentSlot > g.LastFundingSlot {
		g.LastFundingSlot = g.CurrentSlot
	}

	if _, err := c.fundingManager.StoreFundingRate(evt.EpochID, evt.RatePerSlot, g.CurrentSlot); err != nil {
		return nil, err
	}
	g.FundingRatePerSlot = evt.RatePerSlot
	return &staged{global: g}, nil
}

// handleCrankRequested runs one keeper pass. The keeper commits each
// account on its own, so the pass is journaled after the fact; a failure
// to journal it halts the engine.
func (c *RiskEngine) handleCrankRequested(evt *event.CrankRequested, b *ledger.Batch) (*staged, error) {
	start := time.Now()
	report, err := c.keeper.Run(c.book, c.oracle, evt.CurrentSlot)
	if err != nil {
		return nil, err
	}

	st := &staged{committed: true, crank: &report}
	for i := range report.Touched {
		if err := c.journalTouch(b, &report.Touched[i]); err != nil {
			st.journalErr = fmt.Errorf("journal crank touch: %w", err)
			break
		}
	}
	c.recordCrank(&report, time.Since(start))
	return st, nil
}

func (c *RiskEngine) journalTouch(b *ledger.Batch, t *crank.TouchResult) error {
	c.journalGen.Funding(b, t.Index, t.Funding)
	c.journalGen.PnL(b, t.Index, t.Mark, ledger.JournalTypeMarkSettlement)
	c.journalGen.FeeAccrual(b, t.Index, t.FeeAccrued)
	c.journalGen.Losses(b, t.Index, t.Losses)
	c.journalGen.Conversion(b, t.Index, t.Conversion)
	c.journalGen.FeeSweep(b, t.Index, t.Swept)
	if l := t.Liquidation; l != nil {
		return c.journalGen.Liquidation(b, &l.Before, &l.After, l.InsuranceBefore, l.InsuranceAfter)
	}
	return nil
}

func (c *RiskEngine) recordCrank(r *crank.Report, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.CrankRuns.Inc()
	c.metrics.CrankDuration.Observe(elapsed.Seconds())
	c.metrics.CrankAccountsTouched.Add(float64(len(r.Touched)))
	c.metrics.Liquidations.Add(float64(r.Liquidations()))
	for _, f := range r.Faults {
		c.metrics.CrankFaults.WithLabelValues(string(f.Stage)).Inc()
	}
	if r.OracleStale {
		c.metrics.CrankOracleStale.Inc()
	}
	if writtenOff, converted, err := r.Totals(); err == nil {
		c.metrics.LossesWrittenOff.Add(writtenOff.Decimal(0).InexactFloat64())
		c.metrics.ProfitConverted.Add(converted.Decimal(0).InexactFloat64())
	}
}

// handleAccountCloseRequested settles a flat account and releases its
// slot. Fee debt left on an empty account is forgiven.
func (c *RiskEngine) handleAccountCloseRequested(evt *event.AccountCloseRequested, b *ledger.Batch) (*staged, error) {
	acct, err := c.lookup(evt.Owner)
	if err != nil {
		return nil, err
	}
	if !acct.IsFlat() {
		return nil, fmt.Errorf("%w: open position %s", state.ErrAccountNotEmpty, acct.PositionSize)
	}
	g := c.book.Global()
	advanceSlot(&g, evt.EventSlot)

	if _, err := c.settleAccount(&acct, &g, b); err != nil {
		return nil, fmt.Errorf("settle before close: %w", err)
	}
	forgiven := acct.FeeDebt()
	if err := state.CloseAccount(&acct); err != nil {
		return nil, err
	}
	c.journalGen.FeeForgiveness(b, acct.Index, forgiven)
	return &staged{global: g, accounts: []state.TradingAccount{acct}}, nil
}

// handleRiskParamUpdate validates the new set as a whole and swaps it in.
// The keeper and the liquidation policy share the params pointer, so the
// next crank pass uses the new values.
func (c *RiskEngine) handleRiskParamUpdate(evt *event.RiskParamUpdate) (*staged, error) {
	next := state.RiskParams{
		WarmupPeriodSlots:       evt.WarmupPeriodSlots,
		AccountsToTouch:         evt.AccountsToTouch,
		FeeBps:                  evt.FeeBps,
		MaintenanceFeePerSlot:   evt.MaintenanceFeePerSlot,
		MaxFill:                 evt.MaxFill,
		MaxInventory:            evt.MaxInventory,
		InitialMarginBps:        evt.InitialMarginBps,
		MaintenanceMarginBps:    evt.MaintenanceMarginBps,
		LiquidationFeeBps:       evt.LiquidationFeeBps,
		MaxOracleStalenessSlots: evt.MaxOracleStalenessSlots,
		EffectiveSeq:            evt.EffectiveSeq,
	}
	if err := state.ValidateRiskParams(&next); err != nil {
		return nil, fmt.Errorf("risk param update rejected: %w", err)
	}
	if next.EffectiveSeq < c.params.EffectiveSeq {
		return nil, fmt.Errorf("risk param update rejected: effective_seq %d older than current %d",
			next.EffectiveSeq, c.params.EffectiveSeq)
	}
	*c.params = next

	g := c.book.Global()
	advanceSlot(&g, evt.EventSlot)
	return &staged{global: g}, nil
}
