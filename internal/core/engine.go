package core

import (
	"Percolator/internal/crank"
	"Percolator/internal/event"
	"Percolator/internal/ledger"
	"Percolator/internal/observability"
	"Percolator/internal/state"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrEngineHalted is returned for every event after a global invariant
	// check failed, until Resume succeeds.
	ErrEngineHalted = errors.New("engine halted")
	ErrWrongMarket  = errors.New("event for another market")
)

// RejectedError reports an event that was recorded in the log but changed
// no state: a withdrawal above capital, a fill failing margin, and so on.
// Subscribers acknowledge it; redelivery would be rejected again.
type RejectedError struct {
	EventType      string
	IdempotencyKey string
	Err            error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s %s rejected: %v", e.EventType, e.IdempotencyKey, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// CoreOutput is everything downstream workers need from one processed
// event.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte

	// Post-event state of every account the event touched. A released
	// slot is reported with AccountStatusClosed.
	Accounts []state.TradingAccount
	Global   state.GlobalState

	Crank      *crank.Report
	Withdrawal *event.WithdrawalApproved
	Rejected   *event.WithdrawalRejected
}

// Options configures a RiskEngine.
type Options struct {
	Market        string
	StartSequence int64
	Params        *state.RiskParams
	DedupCapacity int
	DBChecker     DBIdempotencyChecker
	Policy        state.LiquidationPolicy // nil = maintenance margin policy
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// RiskEngine is the single-writer event processor for one market. It owns
// the account book, the oracle and the double-entry mirror of every
// capital, PnL and insurance movement.
type RiskEngine struct {
	mu sync.Mutex // serializes ProcessEvent with admin calls

	market            string
	sequence          int64
	hasher            *chainHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	book              *state.AccountBook
	oracle            *state.OracleState
	params            *state.RiskParams
	fundingManager    *state.FundingManager
	keeper            *crank.Keeper
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger
	halted            error

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func NewRiskEngine(opts Options, persistChan, projectionChan chan<- CoreOutput) *RiskEngine {
	params := opts.Params
	if params == nil {
		params = state.DefaultRiskParams()
	}
	policy := opts.Policy
	if policy == nil {
		policy = state.NewMaintenanceMarginPolicy(params)
	}
	capacity := opts.DedupCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	balanceTracker := ledger.NewBalanceTracker()
	fundingManager := state.NewFundingManager()

	return &RiskEngine{
		market:            opts.Market,
		sequence:          opts.StartSequence,
		hasher:            newChainHasher(opts.Market),
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(opts.StartSequence),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		book:              state.NewAccountBook(),
		oracle:            &state.OracleState{},
		params:            params,
		fundingManager:    fundingManager,
		keeper:            crank.NewKeeper(params, fundingManager, policy, opts.Logger.With().Str("component", "crank").Logger()),
		idempotency:       NewIdempotencyChecker(capacity, opts.DBChecker, opts.Metrics),
		sequenceValidator: NewSequenceValidator(opts.Metrics),
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// staged is a handler's result: state computed on copies, not yet
// committed.
type staged struct {
	global     state.GlobalState
	accounts   []state.TradingAccount
	committed  bool // the handler already wrote the book (crank)
	journalErr error
	crank      *crank.Report
	withdrawal *event.WithdrawalApproved
}

// ProcessEvent is the main processing pipeline:
// dedup → sequence check → handler → journal → commit → reconcile → hash → emit.
//
// A nil error means the event was applied or was a duplicate. A
// *RejectedError means it was recorded without effect. Any other error
// means it was not recorded and may be retried.
func (c *RiskEngine) ProcessEvent(ctx context.Context, evt event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted != nil {
		return fmt.Errorf("%w: %v", ErrEngineHalted, c.halted)
	}
	if m := evt.MarketID(); m == nil || *m != c.market {
		return fmt.Errorf("%w: engine serves %q", ErrWrongMarket, c.market)
	}

	start := time.Now()
	eventType := evt.EventType().String()
	key := evt.IdempotencyKey()

	isDuplicate, err := c.idempotency.IsDuplicate(ctx, eventType, key)
	if err != nil {
		return err
	}
	if isDuplicate {
		c.recordRejected(eventType, "duplicate")
		return nil
	}

	payload, err := event.Encode(evt)
	if err != nil {
		return err
	}

	partition := fmt.Sprintf("%s:%s", c.market, eventType)
	switch evt.EventType() {
	case event.EventTypeOraclePriceUpdate, event.EventTypeCrankRequested:
		err = c.sequenceValidator.ValidateMonotonic(partition, evt.SourceSequence())
	default:
		err = c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), false)
	}
	if err != nil {
		c.recordRejected(eventType, "sequence")
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	batch := c.journalGen.NewBatch(key, evt.OccurredAt().UnixMicro())
	st, handleErr := c.dispatchEvent(evt, batch)

	output := CoreOutput{Batch: batch}
	var invariantErr error
	if handleErr != nil {
		// Handlers work on copies, so nothing was written.
		batch.Journals = nil
		output.Rejected = rejectedWithdrawal(evt, handleErr)
	} else {
		invariantErr = c.apply(st, batch)
		output.Crank = st.crank
		output.Withdrawal = st.withdrawal
		output.Accounts = c.postState(st, batch)
	}
	output.Global = c.book.Global()

	digest := c.computeStateDigest(output.Accounts)
	prevHash := c.hasher.current()
	stateHash := c.hasher.advance(c.sequence, digest)

	output.StateDelta = digest
	output.Envelope = &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: key,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Slot:           output.Global.CurrentSlot,
		Timestamp:      evt.OccurredAt(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	if handleErr != nil {
		output.Envelope.RejectReason = handleErr.Error()
	}
	if output.Withdrawal != nil {
		output.Withdrawal.Sequence = c.sequence
	}
	c.sequence++

	c.emit(output)
	c.idempotency.MarkProcessed(eventType, key)

	if invariantErr != nil {
		c.halt(invariantErr)
		return fmt.Errorf("%w: %v", ErrEngineHalted, invariantErr)
	}

	if handleErr != nil {
		c.recordRejected(eventType, "rejected")
		c.logger.Info().
			Err(handleErr).
			Str("event_type", eventType).
			Str("idempotency_key", key).
			Msg("event rejected")
		return &RejectedError{EventType: eventType, IdempotencyKey: key, Err: handleErr}
	}

	c.recordApplied(eventType, batch, output.Global, time.Since(start))
	return nil
}

// apply writes the ledger batch and the staged state, then runs the O(1)
// reconciliation for everything the event touched. Any error here means
// the engine can no longer vouch for its state.
func (c *RiskEngine) apply(st *staged, batch *ledger.Batch) error {
	if st.journalErr != nil {
		return st.journalErr
	}
	if err := c.validator.ValidateBatchBalance(batch); err != nil {
		return fmt.Errorf("unbalanced batch: %w", err)
	}
	if err := c.balanceTracker.ApplyBatch(batch); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}
	if !st.committed {
		c.book.Commit(st.global, st.accounts...)
	}
	return c.postCheckInvariants(st, batch)
}

// postCheckInvariants reconciles the ledger against every touched account
// and the global aggregates, then checks solvency.
func (c *RiskEngine) postCheckInvariants(st *staged, batch *ledger.Batch) error {
	for _, idx := range touchedIndexes(st, batch) {
		acct, ok := c.book.Get(idx)
		if !ok {
			if err := c.validator.ReconcileClosed(idx); err != nil {
				return err
			}
			continue
		}
		if err := c.validator.ReconcileAccount(&acct); err != nil {
			return err
		}
	}
	g := c.book.Global()
	if err := c.validator.ReconcileGlobal(&g); err != nil {
		return err
	}
	return g.CheckSolvency()
}

func touchedIndexes(st *staged, batch *ledger.Batch) []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	add := func(idx uint64) {
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	for i := range st.accounts {
		add(st.accounts[i].Index)
	}
	if st.crank != nil {
		for i := range st.crank.Touched {
			add(st.crank.Touched[i].Index)
		}
	}
	for _, idx := range batch.Touched() {
		add(idx)
	}
	return out
}

// postState returns the committed state of every touched account, sorted
// by index. Released slots are reported closed.
func (c *RiskEngine) postState(st *staged, batch *ledger.Batch) []state.TradingAccount {
	closed := make(map[uint64]state.TradingAccount)
	for _, a := range st.accounts {
		if a.Status == state.AccountStatusClosed {
			closed[a.Index] = a
		}
	}
	var out []state.TradingAccount
	for _, idx := range touchedIndexes(st, batch) {
		if st.crank != nil && !crankChanged(st.crank, idx) && len(st.accounts) == 0 {
			continue
		}
		if acct, ok := c.book.Get(idx); ok {
			out = append(out, acct)
		} else if acct, ok := closed[idx]; ok {
			out = append(out, acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func crankChanged(r *crank.Report, idx uint64) bool {
	for i := range r.Touched {
		if r.Touched[i].Index == idx {
			return r.Touched[i].Changed
		}
	}
	return false
}

// computeStateDigest creates canonical bytes for the state hash: the
// global aggregates, the oracle, then each touched account by index.
func (c *RiskEngine) computeStateDigest(accounts []state.TradingAccount) []byte {
	g := c.book.Global()
	digest := g.CanonicalBytes()
	digest = appendUint64LE(digest, c.oracle.LastPrice)
	digest = appendUint64LE(digest, c.oracle.PublishSlot)
	for i := range accounts {
		digest = append(digest, accounts[i].CanonicalBytes()...)
	}
	return digest
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// emit hands the output to the workers. Persistence uses a blocking send
// (backpressure, no event may be lost). Projections use a non-blocking
// send and rebuild from the event log when they fall behind.
func (c *RiskEngine) emit(output CoreOutput) {
	if c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan == nil {
		return
	}
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
		}
	}
}

func (c *RiskEngine) halt(err error) {
	c.halted = err
	if c.metrics != nil {
		c.metrics.CoreHalted.Set(1)
	}
	c.logger.Error().
		Err(err).
		Int64("sequence", c.sequence-1).
		Msg("invariant violated: engine halted")
}

// Halted returns the invariant failure that stopped the engine, or nil.
func (c *RiskEngine) Halted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Resume clears a halt after a full audit of the book and the ledger
// passes. The O(n) scan is acceptable here: the engine is not processing.
func (c *RiskEngine) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted == nil {
		return nil
	}
	accounts := c.book.GetAll()
	report := state.Audit(accounts, c.book.Global())
	if !report.OK() {
		return fmt.Errorf("audit failed: %v", report.Violations)
	}
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("ledger audit failed: %w", err)
	}
	for i := range accounts {
		if err := c.validator.ReconcileAccount(&accounts[i]); err != nil {
			return fmt.Errorf("ledger audit failed: %w", err)
		}
	}
	g := c.book.Global()
	if err := c.validator.ReconcileGlobal(&g); err != nil {
		return fmt.Errorf("ledger audit failed: %w", err)
	}
	c.logger.Warn().Str("halt_reason", c.halted.Error()).Msg("engine resumed after audit")
	c.halted = nil
	if c.metrics != nil {
		c.metrics.CoreHalted.Set(0)
	}
	return nil
}

func (c *RiskEngine) recordRejected(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *RiskEngine) recordApplied(eventType string, batch *ledger.Batch, g state.GlobalState, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	c.metrics.VaultBalance.Set(g.VaultBalance.Decimal(0).InexactFloat64())
	c.metrics.CapitalTotal.Set(g.CapitalTotal.Decimal(0).InexactFloat64())
	c.metrics.PnLPositiveTotal.Set(g.PnLPositiveTotal.Decimal(0).InexactFloat64())
	c.metrics.InsuranceFund.Set(g.InsuranceFund.Decimal(0).InexactFloat64())
	c.metrics.HaircutRatio.Set(g.Haircut().Decimal().InexactFloat64())
	c.metrics.ActiveAccounts.Set(float64(c.book.ActiveCount()))
}

// GetSequence returns the next sequence number to assign.
func (c *RiskEngine) GetSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *RiskEngine) GetStateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.current()
}

func (c *RiskEngine) Market() string { return c.market }

// Global returns a copy of the market aggregates.
func (c *RiskEngine) Global() state.GlobalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.book.Global()
}

// Account returns a copy of the account in slot index.
func (c *RiskEngine) Account(index uint64) (state.TradingAccount, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.book.Get(index)
}

// Params returns a copy of the live risk parameters.
func (c *RiskEngine) Params() state.RiskParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.params
}
