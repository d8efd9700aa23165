package ingestion_test

import (
	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/ingestion"
	fpmath "Percolator/internal/math"
	"Percolator/internal/state"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func engineOutputs(t *testing.T, events ...event.Event) []core.CoreOutput {
	t.Helper()
	persistCh := make(chan core.CoreOutput, len(events))
	params := state.DefaultRiskParams()
	params.WarmupPeriodSlots = 0
	c := core.NewRiskEngine(core.Options{Market: "BTC-PERP", Params: params, Logger: zerolog.Nop()}, persistCh, nil)
	for _, evt := range events {
		_ = c.ProcessEvent(context.Background(), evt)
	}
	close(persistCh)
	var outs []core.CoreOutput
	for out := range persistCh {
		outs = append(outs, out)
	}
	return outs
}

func TestPublishables_Withdrawals(t *testing.T) {
	owner := uuid.New()
	ok := uuid.New()
	tooBig := uuid.New()
	outs := engineOutputs(t,
		&event.DepositConfirmed{DepositID: uuid.New(), Owner: owner, Market: "BTC-PERP",
			Amount: fpmath.U128FromUint64(100), Timestamp: time.UnixMicro(1)},
		&event.WithdrawalRequested{WithdrawalID: ok, Owner: owner, Market: "BTC-PERP",
			Amount: fpmath.U128FromUint64(40), Sequence: 0, Timestamp: time.UnixMicro(2)},
		&event.WithdrawalRequested{WithdrawalID: tooBig, Owner: owner, Market: "BTC-PERP",
			Amount: fpmath.U128FromUint64(1_000), Sequence: 1, Timestamp: time.UnixMicro(3)},
	)
	if len(outs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outs))
	}

	deposit := ingestion.Publishables(outs[0])
	if len(deposit) != 1 || deposit[0].Subject != "percolator.events.DepositConfirmed.BTC-PERP" {
		t.Fatalf("deposit messages: %+v", deposit)
	}
	if deposit[0].MsgID != "BTC-PERP:0" {
		t.Errorf("msg id: got %s", deposit[0].MsgID)
	}

	approved := ingestion.Publishables(outs[1])
	if len(approved) != 2 || approved[1].Subject != "percolator.withdrawals.approved.BTC-PERP" {
		t.Fatalf("approved messages: %+v", approved)
	}
	res := approved[1].Payload.(ingestion.WithdrawalResult)
	if !res.Approved || res.WithdrawalID != ok || res.AccountIndex == nil || *res.AccountIndex != 0 {
		t.Errorf("approved payload: %+v", res)
	}

	rejected := ingestion.Publishables(outs[2])
	if len(rejected) != 2 || rejected[1].Subject != "percolator.withdrawals.rejected.BTC-PERP" {
		t.Fatalf("rejected messages: %+v", rejected)
	}
	rec := rejected[0].Payload.(ingestion.EventRecord)
	if rec.RejectReason == "" {
		t.Error("rejected event record should carry the reason")
	}
	if res := rejected[1].Payload.(ingestion.WithdrawalResult); res.Approved || res.Reason == "" || res.WithdrawalID != tooBig {
		t.Errorf("rejected payload: %+v", res)
	}
}
