package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the race service.
// Every consumer treats a nil *Metrics as "metrics disabled".
type Metrics struct {
	// --- Session cache ---
	SessionsIngested   prometheus.Counter
	SessionsFlushed    prometheus.Counter
	SessionsRetried    prometheus.Counter
	SessionsDropped    prometheus.Counter
	SessionsEvicted    *prometheus.CounterVec
	FlushErrors        prometheus.Counter
	FlushDuration      prometheus.Histogram
	FlushBatchSize     prometheus.Histogram
	CacheSize          prometheus.Gauge
	CachePending       prometheus.Gauge
	CacheOverCapacity  prometheus.Counter
	RetentionDeletes   prometheus.Counter
	RetentionDelErrors prometheus.Counter

	// --- Race lifecycle ---
	RacesStarted       prometheus.Counter
	RacesFinalized     prometheus.Counter
	FinalizeDuplicates prometheus.Counter
	FinalizeErrors     prometheus.Counter
	FinalizeDuration   prometheus.Histogram
	RaceRecoveries     *prometheus.CounterVec
	RaceParticipants   prometheus.Gauge
	RacePrizePool      prometheus.Gauge
	RaceFloorRemainder prometheus.Gauge

	// --- Prize crediting ---
	PrizeCredits      *prometheus.CounterVec
	PrizeCreditAmount prometheus.Counter

	// --- Ingestion & publishing ---
	IngestParseErrors *prometheus.CounterVec
	PublishDrops      prometheus.Counter
	PublishErrors     prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics registers all metrics on the default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		// Session cache
		SessionsIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_sessions_ingested_total",
			Help: "Session records accepted into the cache",
		}),
		SessionsFlushed: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_sessions_flushed_total",
			Help: "Session records written to Postgres",
		}),
		SessionsRetried: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_sessions_flush_retried_total",
			Help: "Session records re-enqueued after a failed flush",
		}),
		SessionsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_sessions_dropped_total",
			Help: "Session records dropped after exhausting flush retries (never reach Postgres)",
		}),
		SessionsEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_sessions_evicted_total",
			Help: "Session records evicted from the cache",
		}, []string{"reason"}),
		FlushErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_session_flush_errors_total",
			Help: "Failed bulk inserts",
		}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crash_session_flush_duration_seconds",
			Help:    "Bulk insert duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		FlushBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crash_session_flush_batch_size",
			Help:    "Records per flush batch",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		}),
		CacheSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_session_cache_size",
			Help: "Records resident in the global cache list",
		}),
		CachePending: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_session_cache_pending",
			Help: "Records waiting for the next flush",
		}),
		CacheOverCapacity: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_session_cache_over_capacity_total",
			Help: "Ingests that left the cache above its size limit because nothing had expired",
		}),
		RetentionDeletes: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_session_retention_deleted_total",
			Help: "Rows removed from Postgres by retention",
		}),
		RetentionDelErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_session_retention_delete_errors_total",
			Help: "Failed retention deletes",
		}),

		// Race lifecycle
		RacesStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_races_started_total",
			Help: "Races started",
		}),
		RacesFinalized: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_races_finalized_total",
			Help: "Races transitioned ACTIVE to ENDED",
		}),
		FinalizeDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_race_finalize_duplicates_total",
			Help: "Redundant end-of-race triggers absorbed by the guard",
		}),
		FinalizeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_race_finalize_errors_total",
			Help: "Finalize attempts that failed to persist the snapshot",
		}),
		FinalizeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crash_race_finalize_duration_seconds",
			Help:    "Time to settle and persist a race",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		RaceRecoveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_race_recoveries_total",
			Help: "Startup recovery outcomes",
		}, []string{"outcome"}),
		RaceParticipants: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_race_last_participants",
			Help: "Participants in the last finalized race",
		}),
		RacePrizePool: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_race_last_prize_pool",
			Help: "Prize pool of the last finalized race (minor units)",
		}),
		RaceFloorRemainder: f.NewGauge(prometheus.GaugeOpts{
			Name: "crash_race_last_pool_remainder",
			Help: "Pool retained after distribution of the last finalized race (minor units)",
		}),

		// Prize crediting
		PrizeCredits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_prize_credits_total",
			Help: "Prize credit hand-offs to the balance service",
		}, []string{"status"}),
		PrizeCreditAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_prize_credited_amount_total",
			Help: "Sum of acknowledged prize credits (minor units)",
		}),

		// Ingestion & publishing
		IngestParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_ingest_parse_errors_total",
			Help: "Session events rejected by structural validation",
		}, []string{"source"}),
		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_publish_drops_total",
			Help: "Race events dropped due to full publish channel",
		}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "crash_publish_errors_total",
			Help: "Race events that failed to publish",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crash_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crash_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
