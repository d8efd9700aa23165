package ingestion

import (
	"Percolator/internal/core"
	"Percolator/internal/event"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Processor is the engine surface the ingestion loop needs.
type Processor interface {
	ProcessEvent(ctx context.Context, evt event.Event) error
}

// Disposition is what to do with a broker message after processing.
type Disposition int

const (
	// Ack: applied, duplicate, rejected-and-recorded, or superseded.
	Ack Disposition = iota
	// Nak: not recorded; redelivery may succeed (gap, halt, DB outage).
	Nak
	// Term: can never be processed.
	Term
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	case Term:
		return "term"
	default:
		return "unknown"
	}
}

// Classify maps a ProcessEvent result to a broker disposition.
func Classify(err error) Disposition {
	var rejected *core.RejectedError
	switch {
	case err == nil:
		return Ack
	case errors.As(err, &rejected):
		return Ack
	case errors.Is(err, core.ErrStaleSequence), errors.Is(err, core.ErrOutOfOrder):
		return Ack
	case errors.Is(err, core.ErrWrongMarket), errors.Is(err, ErrUnknownEventType):
		return Term
	default:
		return Nak
	}
}

// Loop drains raw events into the engine one at a time. Acks are sent
// after processing, so a crash before the persistence flush redelivers
// and the idempotency tier skips what was already recorded.
type Loop struct {
	rawChan   <-chan RawEvent
	processor Processor
	logger    zerolog.Logger
}

func NewLoop(rawChan <-chan RawEvent, processor Processor, logger zerolog.Logger) *Loop {
	return &Loop{rawChan: rawChan, processor: processor, logger: logger}
}

// Run blocks until ctx is done or the channel is closed.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-l.rawChan:
			if !ok {
				return nil
			}
			l.handle(ctx, raw)
		}
	}
}

func (l *Loop) handle(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw, raw.EventType)
	if err != nil {
		l.logger.Warn().
			Err(err).
			Str("subject", raw.Subject).
			Msg("dropping undecodable event")
		call(raw.TermFunc)
		return
	}

	err = l.processor.ProcessEvent(ctx, evt)
	d := Classify(err)
	if err != nil && d != Ack {
		l.logger.Warn().
			Err(err).
			Str("event_type", raw.EventType).
			Str("idempotency_key", evt.IdempotencyKey()).
			Stringer("disposition", d).
			Msg("event not applied")
	}

	switch d {
	case Ack:
		call(raw.AckFunc)
	case Nak:
		call(raw.NakFunc)
	case Term:
		call(raw.TermFunc)
	}
}

func call(f func()) {
	if f != nil {
		f()
	}
}
