package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the risk engine.
type Metrics struct {
	// --- Engine ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge
	CoreHalted         prometheus.Gauge

	// --- Risk aggregates (quote units, float for display only) ---
	VaultBalance     prometheus.Gauge
	CapitalTotal     prometheus.Gauge
	PnLPositiveTotal prometheus.Gauge
	InsuranceFund    prometheus.Gauge
	HaircutRatio     prometheus.Gauge
	ActiveAccounts   prometheus.Gauge

	// --- Crank ---
	CrankRuns            prometheus.Counter
	CrankAccountsTouched prometheus.Counter
	CrankFaults          *prometheus.CounterVec
	CrankOracleStale     prometheus.Counter
	Liquidations         prometheus.Counter
	LossesWrittenOff     prometheus.Counter
	ProfitConverted      prometheus.Counter
	CrankDuration        prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize     *prometheus.GaugeVec
	ChannelCapacity *prometheus.GaugeVec
	ProjectionDrops *prometheus.CounterVec
	PublishDrops    prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence & Snapshot ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge
	SnapshotTaken          prometheus.Counter
	SnapshotLastSeq        prometheus.Gauge
	ReplayEventsTotal      prometheus.Counter

	// --- Projection & Query ---
	ProjectionUpdateDur *prometheus.HistogramVec
	QueryRequests       *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
	QueryCacheHits      *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_core_events_applied_total",
			Help: "Events successfully applied by the engine",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, validation, halted)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "percolator_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_core_sequence",
			Help: "Current global sequence number",
		}),

		CoreHalted: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_core_halted",
			Help: "1 while the engine refuses events after an invariant failure",
		}),

		VaultBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_vault_balance",
			Help: "Tokens held by the vault",
		}),

		CapitalTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_capital_total",
			Help: "Sum of account capital (senior claims)",
		}),

		PnLPositiveTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_pnl_positive_total",
			Help: "Sum of positive realized PnL (junior claims)",
		}),

		InsuranceFund: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_insurance_fund",
			Help: "Insurance fund balance",
		}),

		HaircutRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_haircut_ratio",
			Help: "Fraction of junior profit backed by the residual (0-1)",
		}),

		ActiveAccounts: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_active_accounts",
			Help: "Occupied account slots",
		}),

		CrankRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_crank_runs_total",
			Help: "Keeper crank passes",
		}),

		CrankAccountsTouched: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_crank_accounts_touched_total",
			Help: "Accounts settled by the crank",
		}),

		CrankFaults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_crank_faults_total",
			Help: "Per-account crank failures",
		}, []string{"stage"}),

		CrankOracleStale: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_crank_oracle_stale_total",
			Help: "Crank passes that skipped mark settlement on a stale oracle",
		}),

		Liquidations: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_liquidations_total",
			Help: "Accounts liquidated",
		}),

		LossesWrittenOff: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_losses_written_off_total",
			Help: "Losses socialized through the haircut (quote units)",
		}),

		ProfitConverted: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_profit_converted_total",
			Help: "Warmed-up profit converted to capital (quote units)",
		}),

		CrankDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "percolator_crank_duration_seconds",
			Help:    "Time to run one crank pass",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_publish_drops_total",
			Help: "Outbound messages dropped due to full publish channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_event_sequence_gap_total",
			Help: "Sequence gaps detected",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_event_out_of_order_total",
			Help: "Out-of-order events rejected",
		}, []string{"partition"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_persist_events_written_total",
			Help: "Events committed to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_persist_journals_written_total",
			Help: "Journals committed to Postgres",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "percolator_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"kind"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "percolator_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "percolator_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_query_cache_total",
			Help: "Redis cache lookups by result (hit/miss/error)",
		}, []string{"result"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
