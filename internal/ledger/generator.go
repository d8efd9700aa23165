package ledger

import (
	fpmath "Percolator/internal/math"
	"Percolator/internal/state"
	"fmt"

	"github.com/google/uuid"
)

// journalNamespace seeds the name-based batch and journal IDs, so replaying
// the same event log reproduces the same IDs.
var journalNamespace = uuid.MustParse("6f1c1c52-6d5e-4b8a-9b0e-7c3a52d0a9e1")

// JournalGenerator turns the results of risk-state operations into journal
// entries. Every method appends to an open batch; zero amounts are skipped.
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

// SetSequence is used on snapshot restore.
func (jg *JournalGenerator) SetSequence(seq int64) { jg.sequence = seq }

// Sequence returns the sequence of the last opened batch.
func (jg *JournalGenerator) Sequence() int64 { return jg.sequence }

// NewBatch opens a batch for the event with idempotency key eventRef.
func (jg *JournalGenerator) NewBatch(eventRef string, timestampMicros int64) *Batch {
	jg.sequence++
	return &Batch{
		BatchID:   uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%s:%d", eventRef, jg.sequence))),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestampMicros,
	}
}

func (jg *JournalGenerator) add(b *Batch, debit, credit AccountKey, amount fpmath.U128, jt JournalType) {
	if amount.IsZero() {
		return
	}
	n := len(b.Journals)
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, []byte{byte(n >> 8), byte(n)}),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// addSigned moves |delta| between an account and its counterparty: a
// positive delta debits the account.
func (jg *JournalGenerator) addSigned(b *Batch, account, counterparty AccountKey, delta fpmath.I128, jt JournalType) {
	if delta.IsNegative() {
		jg.add(b, counterparty, account, delta.Abs(), jt)
		return
	}
	jg.add(b, account, counterparty, delta.Abs(), jt)
}

func capitalKey(index uint64) AccountKey    { return NewUserAccountKey(index, SubTypeCapital) }
func pnlKey(index uint64) AccountKey        { return NewUserAccountKey(index, SubTypePnL) }
func feeCreditsKey(index uint64) AccountKey { return NewUserAccountKey(index, SubTypeFeeCredits) }

var (
	insuranceKey      = NewSystemAccountKey(SubTypeSystemInsuranceFund)
	settlementPoolKey = NewSystemAccountKey(SubTypeSystemSettlementPool)
	fundingPoolKey    = NewSystemAccountKey(SubTypeSystemFundingPool)
	socializedLossKey = NewSystemAccountKey(SubTypeSystemSocializedLoss)
	feeReceivableKey  = NewSystemAccountKey(SubTypeSystemFeeReceivable)
)

// Deposit: external:deposits → user:capital
func (jg *JournalGenerator) Deposit(b *Batch, index uint64, amount fpmath.U128) {
	jg.add(b, capitalKey(index), NewExternalAccountKey(SubTypeExternalDeposits), amount, JournalTypeDeposit)
}

// Withdrawal: user:capital → external:withdrawals
func (jg *JournalGenerator) Withdrawal(b *Batch, index uint64, amount fpmath.U128) {
	jg.add(b, NewExternalAccountKey(SubTypeExternalWithdrawals), capitalKey(index), amount, JournalTypeWithdrawal)
}

// Fee moves a charged fee from capital into the insurance fund.
func (jg *JournalGenerator) Fee(b *Batch, index uint64, amount fpmath.U128, jt JournalType) {
	jg.add(b, insuranceKey, capitalKey(index), amount, jt)
}

// PnL books realized mark or trade PnL against the settlement pool.
func (jg *JournalGenerator) PnL(b *Batch, index uint64, pnl fpmath.I128, jt JournalType) {
	jg.addSigned(b, pnlKey(index), settlementPoolKey, pnl, jt)
}

// Funding books a funding payment (positive = the account paid) against
// the funding pool. Payer rounding leaves a non-negative pool residue.
func (jg *JournalGenerator) Funding(b *Batch, index uint64, payment fpmath.I128) {
	jg.addSigned(b, fundingPoolKey, pnlKey(index), payment, JournalTypeFundingSettlement)
}

// Losses books SettleLosses: the paid part closes against capital, the
// written-off part is socialized.
func (jg *JournalGenerator) Losses(b *Batch, index uint64, s state.LossSettlement) {
	jg.add(b, pnlKey(index), capitalKey(index), s.Paid, JournalTypeLossSettlement)
	jg.add(b, pnlKey(index), socializedLossKey, s.WrittenOff, JournalTypeLossWriteOff)
}

// Conversion books ConvertProfitToCapital: the converted part becomes
// capital, the haircut part is forfeited.
func (jg *JournalGenerator) Conversion(b *Batch, index uint64, c state.Conversion) {
	jg.add(b, capitalKey(index), pnlKey(index), c.Converted, JournalTypeProfitConversion)
	jg.add(b, socializedLossKey, pnlKey(index), c.HaircutLoss, JournalTypeHaircutLoss)
}

// FeeAccrual books maintenance fee debt; no capital moves.
func (jg *JournalGenerator) FeeAccrual(b *Batch, index uint64, amount fpmath.U128) {
	jg.add(b, feeReceivableKey, feeCreditsKey(index), amount, JournalTypeMaintenanceFeeAccrual)
}

// FeeSweep books a fee-debt payment from capital into the insurance fund
// and clears the matching receivable.
func (jg *JournalGenerator) FeeSweep(b *Batch, index uint64, amount fpmath.U128) {
	jg.add(b, insuranceKey, capitalKey(index), amount, JournalTypeMaintenanceFeeSweep)
	jg.add(b, feeCreditsKey(index), feeReceivableKey, amount, JournalTypeMaintenanceFeeSweep)
}

// FeeForgiveness books the debt dropped when an empty account closes.
func (jg *JournalGenerator) FeeForgiveness(b *Batch, index uint64, amount fpmath.U128) {
	jg.add(b, feeCreditsKey(index), feeReceivableKey, amount, JournalTypeFeeForgiveness)
}

// Liquidation books a liquidation from the account and insurance fund
// before and after it. The policy is pluggable, so the entries are derived
// from the field deltas: the insurance increase is the liquidation fee, the
// rest of the capital decrease paid losses, and the remaining PnL change
// settled against the settlement pool.
func (jg *JournalGenerator) Liquidation(b *Batch, before, after *state.TradingAccount, insuranceBefore, insuranceAfter fpmath.U128) error {
	index := after.Index
	fee, err := insuranceAfter.Sub(insuranceBefore)
	if err != nil {
		return fmt.Errorf("liquidation of %d: insurance fund decreased", index)
	}
	jg.add(b, insuranceKey, capitalKey(index), fee, JournalTypeLiquidationFee)

	capitalDelta, err := signedDelta(before.Capital, after.Capital)
	if err != nil {
		return err
	}
	paid, err := capitalDelta.AddU128(fee)
	if err != nil {
		return err
	}
	// paid <= 0: capital moved to pnl; > 0: pnl converted to capital
	jg.addSigned(b, capitalKey(index), pnlKey(index), paid, JournalTypeLiquidationSettlement)

	pnlDelta, err := after.RealizedPnL.Sub(before.RealizedPnL)
	if err != nil {
		return err
	}
	if pnlDelta, err = pnlDelta.Add(paid); err != nil {
		return err
	}
	jg.addSigned(b, pnlKey(index), settlementPoolKey, pnlDelta, JournalTypeLiquidationSettlement)

	creditsDelta, err := after.FeeCredits.Sub(before.FeeCredits)
	if err != nil {
		return err
	}
	jg.addSigned(b, feeCreditsKey(index), feeReceivableKey, creditsDelta, JournalTypeLiquidationSettlement)
	return nil
}

func signedDelta(before, after fpmath.U128) (fpmath.I128, error) {
	a, err := after.ToI128()
	if err != nil {
		return fpmath.I128{}, err
	}
	b, err := before.ToI128()
	if err != nil {
		return fpmath.I128{}, err
	}
	return a.Sub(b)
}
