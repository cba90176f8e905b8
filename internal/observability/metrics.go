package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the stablecoin engine.
type Metrics struct {
	// --- Engine ---
	EngineOpsApplied  *prometheus.CounterVec
	EngineOpsRejected *prometheus.CounterVec
	EngineOpDuration  *prometheus.HistogramVec
	EngineJournals    *prometheus.CounterVec
	EngineSequence    prometheus.Gauge

	// --- Liquidation ---
	LiquidationsExecuted  prometheus.Counter
	LiquidationsRejected  *prometheus.CounterVec
	LiquidationDebtCovered prometheus.Counter

	// --- Price ingestion ---
	PriceUpdatesApplied prometheus.Counter
	PriceUpdatesStale   prometheus.Counter
	PriceSequenceGaps   *prometheus.CounterVec

	// --- Persistence ---
	PersistRecordsWritten  prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge

	// --- Event publishing ---
	PublishDrops prometheus.Counter

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	apiBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		EngineOpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_engine_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"op"}),

		EngineOpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_engine_ops_rejected_total",
			Help: "Operations rejected (validation, health factor, transfer)",
		}, []string{"op", "reason"}),

		EngineOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stable_engine_op_duration_seconds",
			Help:    "Time to apply a single operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_engine_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stable_engine_sequence",
			Help: "Current engine operation sequence",
		}),

		LiquidationsExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stable_liquidations_executed_total",
			Help: "Liquidations applied",
		}),

		LiquidationsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_liquidations_rejected_total",
			Help: "Liquidations rejected",
		}, []string{"reason"}),

		LiquidationDebtCovered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stable_liquidation_debt_covered_total",
			Help: "Stablecoin debt retired through liquidations (wad)",
		}),

		PriceUpdatesApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stable_price_updates_applied_total",
			Help: "Price updates applied to the feed store",
		}),

		PriceUpdatesStale: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stable_price_updates_stale_total",
			Help: "Price updates ignored as stale",
		}),

		PriceSequenceGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_price_sequence_gaps_total",
			Help: "Observed gaps in per-feed price sequences",
		}, []string{"feed"}),

		PersistRecordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stable_persist_records_written_total",
			Help: "Operation records written to the database",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stable_persist_journals_written_total",
			Help: "Journal rows written to the database",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "stable_persist_batch_size",
			Help:    "Records per persistence write batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_persist_errors_total",
			Help: "Persistence write errors",
		}, []string{"kind"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stable_persist_retries_total",
			Help: "Persistence write retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stable_persist_last_sequence",
			Help: "Last operation sequence durably written",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stable_snapshot_taken_total",
			Help: "State snapshots written",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "stable_snapshot_duration_seconds",
			Help:    "Time to write a state snapshot",
			Buckets: apiBuckets,
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stable_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stable_publish_drops_total",
			Help: "Outbound events dropped on full publish channel",
		}),

		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stable_api_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: apiBuckets,
		}, []string{"endpoint"}),
	}
}
