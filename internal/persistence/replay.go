package persistence

import (
	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/observability"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

// ErrReplayDiverged means re-applying a logged event produced a different
// state hash than the one recorded.
var ErrReplayDiverged = errors.New("replay diverged from event log")

// Replay re-applies logged events from the engine's next sequence to the
// head of the log. Rejected events are re-rejected; every event must land
// on the state hash it was logged with. It returns the number of events
// replayed.
func Replay(ctx context.Context, db *sql.DB, engine *core.RiskEngine, metrics *observability.Metrics, logger zerolog.Logger) (int, error) {
	market := engine.Market()
	from := engine.GetSequence()
	total := 0

	for {
		rows, err := LoadEventsFrom(ctx, db, market, from, replayPageSize)
		if err != nil {
			return total, fmt.Errorf("load events from %d: %w", from, err)
		}
		for _, row := range rows {
			if err := replayOne(ctx, engine, row); err != nil {
				return total, err
			}
			total++
			if metrics != nil {
				metrics.ReplayEventsTotal.Inc()
			}
		}
		if len(rows) < replayPageSize {
			break
		}
		from = rows[len(rows)-1].Sequence + 1
		logger.Info().Int("replayed", total).Int64("sequence", from).Msg("replay progress")
	}
	return total, nil
}

func replayOne(ctx context.Context, engine *core.RiskEngine, row EventRow) error {
	if want := engine.GetSequence(); row.Sequence != want {
		return fmt.Errorf("%w: log has sequence %d, engine expects %d", ErrReplayDiverged, row.Sequence, want)
	}
	evt, err := event.Decode(event.ParseEventType(row.EventType), row.Payload)
	if err != nil {
		return fmt.Errorf("decode event %d: %w", row.Sequence, err)
	}

	err = engine.ProcessEvent(ctx, evt)
	var rejected *core.RejectedError
	switch {
	case err == nil:
		if row.RejectReason != "" {
			return fmt.Errorf("%w: event %d applied but was logged as rejected", ErrReplayDiverged, row.Sequence)
		}
	case errors.As(err, &rejected):
		if row.RejectReason == "" {
			return fmt.Errorf("%w: event %d rejected (%v) but was logged as applied", ErrReplayDiverged, row.Sequence, rejected.Err)
		}
	default:
		return fmt.Errorf("replay event %d: %w", row.Sequence, err)
	}

	hash := engine.GetStateHash()
	if !bytes.Equal(hash[:], row.StateHash) {
		return fmt.Errorf("%w: state hash mismatch at sequence %d", ErrReplayDiverged, row.Sequence)
	}
	return nil
}
