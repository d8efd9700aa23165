package ingestion

import (
	"Percolator/internal/core"
	fpmath "Percolator/internal/math"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const outboundStream = "PERCOLATOR_OUTBOUND"

// OutboundPublisher publishes processed events to NATS for downstream
// consumers. Publishing is best-effort: the event log is authoritative.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is a message ready for outbound publishing. MsgID is
// the JetStream dedup key, stable across restarts.
type PublishableEvent struct {
	Subject string
	MsgID   string
	Payload interface{}
}

// EventRecord announces every recorded event, applied or rejected.
type EventRecord struct {
	Sequence       int64     `json:"sequence"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	MarketID       string    `json:"market_id"`
	Slot           uint64    `json:"slot"`
	RejectReason   string    `json:"reject_reason,omitempty"`
	StateHash      string    `json:"state_hash"`
	Timestamp      time.Time `json:"timestamp"`
}

// WithdrawalResult tells the token-transfer service whether to pay out.
type WithdrawalResult struct {
	WithdrawalID uuid.UUID   `json:"withdrawal_id"`
	Owner        uuid.UUID   `json:"owner"`
	Market       string      `json:"market"`
	AccountIndex *uint64     `json:"account_index,omitempty"`
	Amount       fpmath.U128 `json:"amount"`
	Approved     bool        `json:"approved"`
	Reason       string      `json:"reason,omitempty"`
	Sequence     int64       `json:"sequence"`
}

// Publishables converts an engine output to the messages it announces.
func Publishables(out core.CoreOutput) []PublishableEvent {
	env := out.Envelope
	var market string
	if env.MarketID != nil {
		market = *env.MarketID
	}
	eventType := env.EventType.String()

	msgs := []PublishableEvent{{
		Subject: fmt.Sprintf("percolator.events.%s.%s", eventType, market),
		MsgID:   fmt.Sprintf("%s:%d", market, env.Sequence),
		Payload: EventRecord{
			Sequence:       env.Sequence,
			EventType:      eventType,
			IdempotencyKey: env.IdempotencyKey,
			MarketID:       market,
			Slot:           env.Slot,
			RejectReason:   env.RejectReason,
			StateHash:      hex.EncodeToString(env.StateHash[:]),
			Timestamp:      env.Timestamp,
		},
	}}

	if w := out.Withdrawal; w != nil {
		index := w.AccountIndex
		msgs = append(msgs, PublishableEvent{
			Subject: "percolator.withdrawals.approved." + market,
			MsgID:   "withdrawal:" + w.WithdrawalID.String(),
			Payload: WithdrawalResult{
				WithdrawalID: w.WithdrawalID,
				Owner:        w.Owner,
				Market:       w.Market,
				AccountIndex: &index,
				Amount:       w.Amount,
				Approved:     true,
				Sequence:     w.Sequence,
			},
		})
	}
	if r := out.Rejected; r != nil {
		msgs = append(msgs, PublishableEvent{
			Subject: "percolator.withdrawals.rejected." + market,
			MsgID:   "withdrawal:" + r.WithdrawalID.String(),
			Payload: WithdrawalResult{
				WithdrawalID: r.WithdrawalID,
				Owner:        r.Owner,
				Market:       r.Market,
				Amount:       r.Amount,
				Reason:       r.Reason,
				Sequence:     env.Sequence,
			},
		})
	}
	return msgs
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Str("subject", evt.Subject).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, evt.Subject, data, jetstream.WithMsgID(evt.MsgID))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	subjects := []string{
		"percolator.events.>",
		"percolator.withdrawals.approved.>",
		"percolator.withdrawals.rejected.>",
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       outboundStream,
		Subjects:   subjects,
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Replicas:   1,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", outboundStream).Msg("ensured outbound stream")
	return nil
}
