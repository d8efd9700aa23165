package ingestion

import (
	"Percolator/internal/event"
	"Percolator/internal/state"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrInvalidPayload wraps parse failures of injected events.
var ErrInvalidPayload = errors.New("invalid event payload")

// Engine is the engine surface exposed to operators.
type Engine interface {
	Processor
	Market() string
	Global() state.GlobalState
	Halted() error
	Resume() error
}

// AdminIngest injects events by hand. It is for operators and keeper bots,
// not for throughput; NATS is the primary surface.
type AdminIngest struct {
	engine Engine
	now    func() time.Time
	logger zerolog.Logger
}

func NewAdminIngest(engine Engine, logger zerolog.Logger) *AdminIngest {
	return &AdminIngest{engine: engine, now: time.Now, logger: logger}
}

// InjectResult identifies the event the engine received.
type InjectResult struct {
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Inject parses payload as eventType and processes it synchronously. The
// error is the engine's, so callers can tell rejected from not recorded.
func (a *AdminIngest) Inject(ctx context.Context, eventType string, payload []byte) (InjectResult, error) {
	evt, err := ParseRawEvent(RawEvent{EventType: eventType, Data: payload}, eventType)
	if err != nil {
		return InjectResult{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	res := InjectResult{EventType: eventType, IdempotencyKey: evt.IdempotencyKey()}
	err = a.engine.ProcessEvent(ctx, evt)
	a.logger.Info().
		Err(err).
		Str("event_type", eventType).
		Str("idempotency_key", res.IdempotencyKey).
		Msg("admin event injected")
	return res, err
}

// RequestCrank submits a crank at slot, or at the engine's current slot
// when slot is nil.
func (a *AdminIngest) RequestCrank(ctx context.Context, requester string, slot *uint64) (InjectResult, error) {
	s := a.engine.Global().CurrentSlot
	if slot != nil {
		s = *slot
	}
	req := event.NewCrankRequest(a.engine.Market(), requester, s, a.now())
	res := InjectResult{EventType: req.EventType().String(), IdempotencyKey: req.IdempotencyKey()}
	return res, a.engine.ProcessEvent(ctx, req)
}

// Resume clears an engine halt once the audit passes.
func (a *AdminIngest) Resume() error {
	if err := a.engine.Resume(); err != nil {
		return err
	}
	a.logger.Warn().Msg("engine resumed by operator")
	return nil
}

// Halted reports the halt cause, or nil.
func (a *AdminIngest) Halted() error { return a.engine.Halted() }
