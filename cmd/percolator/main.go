package main

import (
	"Percolator/internal/config"
	"Percolator/internal/core"
	"Percolator/internal/ingestion"
	"Percolator/internal/observability"
	"Percolator/internal/persistence"
	"Percolator/internal/projection"
	"Percolator/internal/query"
	"Percolator/internal/server"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// inboundBuffer bounds NATS messages waiting for the engine. JetStream
// redelivers anything unacked, so a full buffer only slows consumers.
const inboundBuffer = 4096

func main() {
	var configPath string
	root := &cobra.Command{
		Use:          "percolator",
		Short:        "Percolator risk engine for one perpetual market",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level := observability.ParseLogLevel(cfg.Log.Level)
	newLogger := func(component string) zerolog.Logger {
		return observability.NewMarketLogger(os.Stdout, component, cfg.Market.ID, level)
	}
	logger := newLogger("main")
	logger.Info().Msg("percolator starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := openDB(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	// --- Engine ---
	// persist blocks the engine when full; projection drops
	persistCoreChan := make(chan core.CoreOutput, cfg.Engine.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Engine.ProjectionChanSize)
	engine := core.NewRiskEngine(core.Options{
		Market:        cfg.Market.ID,
		Params:        cfg.RiskParams(),
		DedupCapacity: cfg.Engine.IdempotencyLRUCapacity,
		Metrics:       metrics,
		Logger:        newLogger("engine"),
	}, persistCoreChan, projectionChan)

	snap, err := restoreSnapshot(ctx, db, engine, logger)
	if err != nil {
		return err
	}

	// --- Workers ---
	// Workers outlive ingestion so the final snapshot can be verified
	// against a flushed event log.
	workerBase, killWorkers := context.WithCancel(context.Background())
	defer killWorkers()
	workers, workerCtx := errgroup.WithContext(workerBase)

	records := make(chan persistence.Record, cfg.Engine.PersistChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.Engine.PublishChanSize)
	var replaying atomic.Bool
	replaying.Store(true)

	workers.Go(func() error {
		bridgeOutputs(workerCtx, persistCoreChan, records, publishChan, &replaying, metrics)
		return nil
	})
	store := persistence.NewPostgresStore(db, cfg.Market.ID)
	persistWorker := persistence.NewPersistenceWorker(db, store, records,
		cfg.Engine.PersistBatchSize, cfg.Engine.PersistFlushTimeout, metrics,
		newLogger("persistence"))
	workers.Go(func() error { return ignoreCanceled(persistWorker.Run(workerCtx)) })
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics,
		newLogger("projection"))
	workers.Go(func() error { return ignoreCanceled(projWorker.Run(workerCtx)) })

	// --- Replay ---
	start := time.Now()
	replayed, err := persistence.Replay(ctx, db, engine, metrics, logger)
	if err != nil {
		return fmt.Errorf("event replay: %w", err)
	}
	replaying.Store(false)
	if snap != nil && replayed == 0 {
		hash := engine.GetStateHash()
		if !bytes.Equal(hash[:], snap.StateHash) {
			return fmt.Errorf("state hash mismatch after restore: snapshot %x, engine %x", snap.StateHash, hash)
		}
	}
	engine.SetDBChecker(persistence.NewPostgresIdempotencyChecker(db, cfg.Market.ID))
	logger.Info().
		Int("replayed", replayed).
		Int64("next_sequence", engine.GetSequence()).
		Dur("elapsed", time.Since(start)).
		Msg("recovery complete")

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}
	publisher := ingestion.NewOutboundPublisher(js, publishChan, newLogger("publisher"))
	workers.Go(func() error { return ignoreCanceled(publisher.Run(workerCtx)) })

	rawChan := make(chan ingestion.RawEvent, inboundBuffer)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, newLogger("nats"))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects(cfg.Market.ID)); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	// --- Query + API ---
	var cache redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, query cache disabled")
		} else {
			cache = rdb
		}
	}
	queries := query.NewQueryService(db, cache, cfg.Redis.CacheTTL, cfg.Market.ID, metrics,
		newLogger("query"))
	snapshotter := persistence.NewSnapshotter(engine, db, metrics, newLogger("snapshot"))

	srv, err := server.New(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, server.Deps{
		Reader:      queries,
		Operator:    ingestion.NewAdminIngest(engine, newLogger("admin")),
		Maintenance: server.NewMaintenance(db, cfg.Market.ID, snapshotter),
		Health:      health,
		Logger:      newLogger("http"),
	})
	if err != nil {
		return err
	}

	// --- Ingestion side ---
	g, gctx := errgroup.WithContext(ctx)
	loop := ingestion.NewLoop(rawChan, engine, newLogger("ingest"))
	g.Go(func() error { return ignoreCanceled(loop.Run(gctx)) })
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTP(gctx) })
	g.Go(func() error {
		return ignoreCanceled(snapshotter.Run(gctx, cfg.Engine.SnapshotInterval, cfg.Engine.SnapshotCheckPeriod))
	})
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, logger) })
	g.Go(func() error {
		watchHalt(gctx, engine, health, srv, logger)
		return nil
	})

	health.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("percolator ready")

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("shutting down after failure")
	} else {
		logger.Info().Msg("shutting down")
	}

	// --- Shutdown ---
	// Nothing sends to the engine once ingestion and the API have stopped.
	health.SetReady(false)
	subscriber.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()
	if seq, err := snapshotter.TakeSnapshot(shutdownCtx); err != nil && !errors.Is(err, persistence.ErrNothingToSnapshot) {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else if err == nil {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	close(persistCoreChan)
	close(projectionChan)
	done := make(chan error, 1)
	go func() { done <- workers.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			logger.Error().Err(err).Msg("worker exited with error")
		}
	case <-shutdownCtx.Done():
		logger.Error().Msg("workers did not drain before the shutdown timeout")
		killWorkers()
	}

	logger.Info().Msg("percolator stopped")
	return nil
}

func openDB(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// restoreSnapshot loads the latest verified snapshot into the engine and
// warms the dedup cache from it. It returns nil on a cold start.
func restoreSnapshot(ctx context.Context, db *sql.DB, engine *core.RiskEngine, logger zerolog.Logger) (*persistence.SnapshotData, error) {
	data, err := persistence.NewSnapshotManager(db).LoadLatestSnapshot(ctx, engine.Market())
	if err != nil {
		return nil, err
	}
	if data == nil {
		logger.Info().Msg("no snapshot found, cold start")
		return nil, nil
	}
	snap, err := data.ToCore()
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w", data.Sequence, err)
	}
	if err := engine.RestoreFromSnapshot(snap); err != nil {
		return nil, fmt.Errorf("restore snapshot %d: %w", data.Sequence, err)
	}
	engine.WarmLRU(data.IdempotencyKeys)
	logger.Info().
		Int64("sequence", data.Sequence).
		Int("accounts", len(data.Accounts)).
		Int("dedup_keys", len(data.IdempotencyKeys)).
		Msg("snapshot restored")
	return data, nil
}

// bridgeOutputs turns engine outputs into persistence records and outbound
// messages. Records block; outbound messages are dropped when the
// publisher falls behind, and are not sent at all during replay.
func bridgeOutputs(
	ctx context.Context,
	in <-chan core.CoreOutput,
	records chan<- persistence.Record,
	publish chan<- ingestion.PublishableEvent,
	replaying *atomic.Bool,
	metrics *observability.Metrics,
) {
	defer close(records)
	defer close(publish)

	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				return
			}
			select {
			case records <- persistence.NewRecord(out):
			case <-ctx.Done():
				return
			}
			if replaying.Load() {
				continue
			}
			for _, msg := range ingestion.Publishables(out) {
				select {
				case publish <- msg:
				default:
					metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := server.MetricsServer(addr, promhttp.Handler())
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// watchHalt mirrors the engine's halt state into the health endpoints.
func watchHalt(ctx context.Context, engine *core.RiskEngine, health *observability.HealthChecker, srv *server.Server, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	wasHalted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := engine.Halted()
			halted := err != nil
			if halted != wasHalted {
				if halted {
					logger.Error().Err(err).Msg("engine halted")
				} else {
					logger.Info().Msg("engine resumed")
				}
				wasHalted = halted
			}
			health.SetHalted(halted)
			srv.SetServing(!halted)
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
