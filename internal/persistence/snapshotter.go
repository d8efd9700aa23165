package persistence

import (
	"Percolator/internal/core"
	"Percolator/internal/observability"
	"Percolator/internal/state"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrNothingToSnapshot is returned before the first event is processed.
var ErrNothingToSnapshot = errors.New("no events processed")

// Snapshotter captures engine snapshots, saves them and marks them
// verified once the event log has caught up and agrees on the state hash.
type Snapshotter struct {
	engine  *core.RiskEngine
	mgr     *SnapshotManager
	db      *sql.DB
	metrics *observability.Metrics
	logger  zerolog.Logger

	// how long to wait for the persistence worker to reach the snapshot
	catchUp time.Duration
}

func NewSnapshotter(engine *core.RiskEngine, db *sql.DB, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		engine:  engine,
		mgr:     NewSnapshotManager(db),
		db:      db,
		metrics: metrics,
		logger:  logger,
		catchUp: 10 * time.Second,
	}
}

// Run takes a snapshot whenever interval events have been processed since
// the last one, checking every period.
func (s *Snapshotter) Run(ctx context.Context, interval int64, period time.Duration) error {
	if interval <= 0 {
		interval = 100_000
	}
	last := s.engine.GetSequence()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current := s.engine.GetSequence()
			if current-last < interval {
				continue
			}
			seq, err := s.TakeSnapshot(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = current
			s.logger.Info().Int64("sequence", seq).Msg("periodic snapshot")
		}
	}
}

// TakeSnapshot captures, audits, saves and verifies a snapshot. It returns
// the snapshot's sequence.
func (s *Snapshotter) TakeSnapshot(ctx context.Context) (int64, error) {
	start := time.Now()
	snap := s.engine.CreateSnapshotState()
	if snap.Sequence < 0 {
		return 0, ErrNothingToSnapshot
	}

	if report := state.Audit(snap.Accounts, snap.Global); !report.OK() {
		return 0, fmt.Errorf("snapshot %d failed audit: %v", snap.Sequence, report.Violations)
	}

	data := FromCoreSnapshot(snap, time.Now().UTC())
	if err := s.mgr.SaveSnapshot(ctx, data); err != nil {
		return 0, err
	}
	if err := s.verify(ctx, data); err != nil {
		return 0, err
	}
	if err := s.mgr.MarkVerified(ctx, data.MarketID, data.Sequence); err != nil {
		return 0, fmt.Errorf("mark snapshot verified: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	}
	s.logger.Info().
		Int64("sequence", data.Sequence).
		Int("accounts", len(data.Accounts)).
		Dur("elapsed", time.Since(start)).
		Msg("snapshot saved")
	return data.Sequence, nil
}

// verify waits until the event at the snapshot's sequence is durable and
// checks that its logged state hash matches.
func (s *Snapshotter) verify(ctx context.Context, snap *SnapshotData) error {
	ctx, cancel := context.WithTimeout(ctx, s.catchUp)
	defer cancel()

	backoff := 10 * time.Millisecond
	for {
		var logged []byte
		err := s.db.QueryRowContext(ctx, `
			SELECT state_hash FROM event_log.events WHERE market_id = $1 AND sequence = $2
		`, snap.MarketID, snap.Sequence).Scan(&logged)
		switch {
		case err == nil:
			if !bytes.Equal(logged, snap.StateHash) {
				return fmt.Errorf("snapshot %d: state hash differs from event log", snap.Sequence)
			}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("verify snapshot %d: %w", snap.Sequence, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("verify snapshot %d: event not yet persisted: %w", snap.Sequence, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
}
