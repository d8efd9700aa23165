package ingestion_test

import (
	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/ingestion"
	"Percolator/internal/state"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

// ============================================================================
// Test: Disposition mapping
// ============================================================================

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ingestion.Disposition
	}{
		{"applied", nil, ingestion.Ack},
		{"rejected", &core.RejectedError{Err: state.ErrInsufficientCapital}, ingestion.Ack},
		{"stale", fmt.Errorf("sequence validation failed: %w", core.ErrStaleSequence), ingestion.Ack},
		{"out of order", fmt.Errorf("sequence validation failed: %w", core.ErrOutOfOrder), ingestion.Ack},
		{"gap", fmt.Errorf("sequence validation failed: %w", core.ErrSequenceGap), ingestion.Nak},
		{"halted", fmt.Errorf("%w: audit", core.ErrEngineHalted), ingestion.Nak},
		{"db down", errors.New("connection refused"), ingestion.Nak},
		{"wrong market", core.ErrWrongMarket, ingestion.Term},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ingestion.Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

// ============================================================================
// Test: Ingestion loop
// ============================================================================

type fakeProcessor struct {
	results []error
	seen    []event.Event
}

func (f *fakeProcessor) ProcessEvent(_ context.Context, evt event.Event) error {
	f.seen = append(f.seen, evt)
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

type acks struct{ ack, nak, term int }

func tracked(t *testing.T, eventType string, payload map[string]interface{}, a *acks) ingestion.RawEvent {
	t.Helper()
	raw := rawFromJSON(t, eventType, payload)
	raw.AckFunc = func() { a.ack++ }
	raw.NakFunc = func() { a.nak++ }
	raw.TermFunc = func() { a.term++ }
	return raw
}

func oraclePayload(seq int64) map[string]interface{} {
	return map[string]interface{}{"market": "BTC-PERP", "price": uint64(1), "price_sequence": seq}
}

func TestLoop_AcksAfterProcessing(t *testing.T) {
	proc := &fakeProcessor{results: []error{
		nil,
		fmt.Errorf("sequence validation failed: %w", core.ErrSequenceGap),
		&core.RejectedError{Err: state.ErrStaleOracle},
	}}
	var a acks
	ch := make(chan ingestion.RawEvent, 5)
	ch <- tracked(t, "OraclePriceUpdate", oraclePayload(1), &a)
	ch <- tracked(t, "OraclePriceUpdate", oraclePayload(2), &a)
	ch <- tracked(t, "OraclePriceUpdate", oraclePayload(3), &a)
	ch <- tracked(t, "TradeFill", map[string]interface{}{"fill_id": "nope"}, &a)
	close(ch)

	if err := ingestion.NewLoop(ch, proc, zerolog.Nop()).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(proc.seen) != 3 {
		t.Errorf("processor saw %d events, want 3", len(proc.seen))
	}
	if a != (acks{ack: 2, nak: 1, term: 1}) {
		t.Errorf("dispositions: %+v", a)
	}
}
