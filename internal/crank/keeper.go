// Package crank runs the keeper pass: a bounded, cursor-paginated sweep
// that settles a window of accounts per call.
package crank

import (
	fpmath "Percolator/internal/math"
	"Percolator/internal/state"
	"fmt"

	"github.com/rs/zerolog"
)

// Stage names the touch step an AccountFault happened in.
type Stage string

const (
	StageFunding     Stage = "funding"
	StageMark        Stage = "mark"
	StageFeeAccrual  Stage = "fee_accrual"
	StageLosses      Stage = "losses"
	StageConversion  Stage = "conversion"
	StageFeeSweep    Stage = "fee_sweep"
	StageLiquidation Stage = "liquidation"
)

// AccountFault is a per-account failure. The pass continues past it.
type AccountFault struct {
	Index uint64
	Stage Stage
	Err   error
}

func (f AccountFault) Error() string {
	return fmt.Sprintf("account %d: %s: %v", f.Index, f.Stage, f.Err)
}

func (f AccountFault) Unwrap() error { return f.Err }

// LiquidationOutcome keeps the account and insurance fund on both sides of
// a liquidation so the movement can be journaled whatever the policy did.
type LiquidationOutcome struct {
	Before          state.TradingAccount
	After           state.TradingAccount
	InsuranceBefore fpmath.U128
	InsuranceAfter  fpmath.U128
}

// TouchResult is what one account touch settled, in step order.
type TouchResult struct {
	Index       uint64
	Funding     fpmath.I128 // positive = the account paid
	Mark        fpmath.I128
	FeeAccrued  fpmath.U128
	Losses      state.LossSettlement
	Conversion  state.Conversion
	Swept       fpmath.U128
	Liquidation *LiquidationOutcome
	Changed     bool
}

// Report summarizes one pass.
type Report struct {
	Slot         uint64
	StartCursor  uint64
	NextCursor   uint64
	Budget       uint64
	FundingDelta fpmath.I128
	OracleStale  bool
	Touched      []TouchResult
	Skipped      int // free or closed slots inside the window
	Faults       []AccountFault
	Haircut      state.Haircut // after the pass
}

func (r *Report) Liquidations() int {
	n := 0
	for i := range r.Touched {
		if r.Touched[i].Liquidation != nil {
			n++
		}
	}
	return n
}

// Totals sums the written-off losses and converted profit of the pass.
func (r *Report) Totals() (writtenOff, converted fpmath.U128, err error) {
	for i := range r.Touched {
		t := &r.Touched[i]
		if writtenOff, err = writtenOff.Add(t.Losses.WrittenOff); err != nil {
			return
		}
		if converted, err = converted.Add(t.Conversion.Converted); err != nil {
			return
		}
	}
	return
}

// Keeper executes crank passes. Params is read at call time so parameter
// updates apply to the next pass.
type Keeper struct {
	params  *state.RiskParams
	funding state.FundingModel
	policy  state.LiquidationPolicy
	logger  zerolog.Logger
}

func NewKeeper(params *state.RiskParams, funding state.FundingModel, policy state.LiquidationPolicy, logger zerolog.Logger) *Keeper {
	return &Keeper{
		params:  params,
		funding: funding,
		policy:  policy,
		logger:  logger,
	}
}

// Run accrues global funding and then touches up to AccountsToTouch slots
// starting at the global cursor, wrapping around. Each account is settled
// on copies and committed on its own; a failing account is reported and
// left as it was.
//
// An error is returned only when the global funding accrual fails, in
// which case nothing was changed.
func (k *Keeper) Run(book *state.AccountBook, oracle state.Oracle, slot uint64) (Report, error) {
	g := book.Global()
	if slot > g.CurrentSlot {
		g.CurrentSlot = slot
	}
	slot = g.CurrentSlot

	report := Report{Slot: slot, StartCursor: g.LastCrankCursor}

	price, priceErr := state.FreshPrice(oracle, slot, k.params.MaxOracleStalenessSlots)
	fresh := priceErr == nil
	if !fresh {
		report.OracleStale = true
		k.logger.Warn().
			Err(priceErr).
			Uint64("slot", slot).
			Msg("oracle unusable: skipping mark settlement and liquidation")
	}

	// funding needs a price; without one it accrues on a later pass
	if fresh && k.funding != nil {
		delta, err := k.funding.AccrueFunding(&g, price, slot)
		if err != nil {
			return Report{}, fmt.Errorf("accrue funding: %w", err)
		}
		report.FundingDelta = delta
	}
	book.SetGlobal(g)

	total := book.SlotCount()
	if total == 0 {
		report.Haircut = g.Haircut()
		return report, nil
	}
	budget := k.params.AccountsToTouch
	if budget > total {
		budget = total
	}
	report.Budget = budget

	cursor := g.LastCrankCursor % total
	for n := uint64(0); n < budget; n++ {
		idx := (cursor + n) % total
		acct, ok := book.Get(idx)
		if !ok || acct.Status != state.AccountStatusActive {
			report.Skipped++
			continue
		}
		res, fault := k.touch(book, acct, price, fresh, slot)
		if fault != nil {
			report.Faults = append(report.Faults, *fault)
			k.logger.Warn().
				Err(fault.Err).
				Uint64("account_index", fault.Index).
				Str("stage", string(fault.Stage)).
				Uint64("slot", slot).
				Msg("crank touch failed")
		}
		if res != nil {
			report.Touched = append(report.Touched, *res)
		}
	}

	g = book.Global()
	g.LastCrankCursor = (cursor + budget) % total
	book.SetGlobal(g)
	report.NextCursor = g.LastCrankCursor
	report.Haircut = g.Haircut()

	k.logger.Debug().
		Uint64("slot", slot).
		Uint64("cursor", report.StartCursor).
		Uint64("next_cursor", report.NextCursor).
		Int("touched", len(report.Touched)).
		Int("faults", len(report.Faults)).
		Msg("crank pass complete")
	return report, nil
}

// touch settles one account in the fixed order: funding, mark, fee
// accrual, losses, haircut, conversion, fee sweep, liquidation.
// A failure before liquidation discards the whole touch. A failed
// liquidation keeps the settlement steps and reports the fault.
func (k *Keeper) touch(book *state.AccountBook, orig state.TradingAccount, price uint64, fresh bool, slot uint64) (*TouchResult, *AccountFault) {
	a, g := orig, book.Global()
	period := k.params.WarmupPeriodSlots
	res := TouchResult{Index: a.Index}
	fault := func(stage Stage, err error) *AccountFault {
		return &AccountFault{Index: a.Index, Stage: stage, Err: err}
	}

	var err error
	if res.Funding, err = state.SettleFunding(&a, &g, slot, period); err != nil {
		return nil, fault(StageFunding, err)
	}
	if fresh {
		if res.Mark, err = state.SettleMarkToOracle(&a, &g, price, slot, period); err != nil {
			return nil, fault(StageMark, err)
		}
	}
	if res.FeeAccrued, err = state.AccrueMaintenanceFees(&a, slot, k.params.MaintenanceFeePerSlot); err != nil {
		return nil, fault(StageFeeAccrual, err)
	}
	if res.Losses, err = state.SettleLosses(&a, &g); err != nil {
		return nil, fault(StageLosses, err)
	}
	// the haircut is read after this account's losses settled
	h := g.Haircut()
	if res.Conversion, err = state.ConvertProfitToCapital(&a, &g, h, slot, period); err != nil {
		return nil, fault(StageConversion, err)
	}
	if res.Swept, err = state.SweepFeeDebt(&a, &g); err != nil {
		return nil, fault(StageFeeSweep, err)
	}

	var liqFault *AccountFault
	if fresh && k.policy != nil && k.policy.IsLiquidatable(&a, price, &g) {
		la, lg := a, g
		if err := k.policy.Liquidate(&la, &lg, price); err != nil {
			liqFault = fault(StageLiquidation, err)
		} else {
			res.Liquidation = &LiquidationOutcome{
				Before:          a,
				After:           la,
				InsuranceBefore: g.InsuranceFund,
				InsuranceAfter:  lg.InsuranceFund,
			}
			a, g = la, lg
			k.logger.Info().
				Uint64("account_index", a.Index).
				Uint64("slot", slot).
				Str("capital", a.Capital.String()).
				Msg("account liquidated")
		}
	}

	before := book.Global()
	if a == orig && g == before {
		return &res, liqFault
	}
	res.Changed = true
	book.Commit(g, a)
	return &res, liqFault
}
