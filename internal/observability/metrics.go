package observability

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// === Core Processing ===

	// CoreEventsApplied counts events applied by the core, by event type.
	CoreEventsApplied *prometheus.CounterVec

	// CoreEventsRejected counts events rejected by the core, by event type and reason.
	CoreEventsRejected *prometheus.CounterVec

	// CoreEventDuration measures per-event processing time in the core.
	CoreEventDuration prometheus.Histogram

	// CoreJournals counts journal entries created, by journal type.
	CoreJournals *prometheus.CounterVec

	// CoreStateHashDur measures state hash computation time.
	CoreStateHashDur prometheus.Histogram

	// CoreSequence tracks the current core sequence number.
	CoreSequence prometheus.Gauge

	// === Latency ===

	// IngestToApply measures NATS receipt to core apply.
	IngestToApply prometheus.Histogram

	// ApplyToPersist measures core apply to Postgres commit.
	ApplyToPersist prometheus.Histogram

	// QueryFreshnessLag tracks core sequence minus projected sequence.
	QueryFreshnessLag prometheus.Gauge

	// === Channels & Backpressure ===

	// ChannelSize tracks current channel buffer occupancy by channel name.
	ChannelSize *prometheus.GaugeVec

	// ChannelCapacity tracks channel buffer capacity by channel name.
	ChannelCapacity *prometheus.GaugeVec

	// ProjectionDrops counts projection updates dropped due to a full channel.
	ProjectionDrops prometheus.Counter

	// PublishDrops counts outbound notices dropped due to a full channel.
	PublishDrops prometheus.Counter

	// PersistBackpressure counts blocking sends to the persistence channel.
	PersistBackpressure prometheus.Counter

	// === Idempotency & Ordering ===

	// IdempotencyDuplicates counts duplicate events detected, by event type and tier.
	IdempotencyDuplicates *prometheus.CounterVec

	// DedupLRUSize tracks the current size of the idempotency LRU.
	DedupLRUSize prometheus.Gauge

	// DedupLRUEvictions counts LRU evictions.
	DedupLRUEvictions prometheus.Counter

	// EventSequenceGap counts sequence gaps detected, by partition.
	EventSequenceGap *prometheus.CounterVec

	// EventOutOfOrder counts out-of-order events detected, by partition.
	EventOutOfOrder *prometheus.CounterVec

	// === Auctions ===

	// AuctionsStarted counts auctions started, by pool and auction type.
	AuctionsStarted *prometheus.CounterVec

	// AuctionsRestarted counts stale auctions restarted, by pool.
	AuctionsRestarted *prometheus.CounterVec

	// AuctionsClosed counts auctions closed, by pool and auction type.
	AuctionsClosed *prometheus.CounterVec

	// BidsPlaced counts bids placed, by pool.
	BidsPlaced *prometheus.CounterVec

	// AuctionsPaused is 1 while auction operations are paused.
	AuctionsPaused prometheus.Gauge

	// BadDebtRecovered accumulates recovered bad debt, by market.
	BadDebtRecovered *prometheus.CounterVec

	// === Risk Fund & Reserves ===

	// SurplusRecognized counts surplus recognition operations, by pool and asset.
	SurplusRecognized *prometheus.CounterVec

	// SurplusSwept counts treasury sweeps, by asset.
	SurplusSwept *prometheus.CounterVec

	// ReservesSwapped counts reserve conversion operations, by pool.
	ReservesSwapped *prometheus.CounterVec

	// FundPayouts counts risk fund payouts to closed auctions, by pool.
	FundPayouts *prometheus.CounterVec

	// RiskFundBalance tracks the per-pool risk fund reserve.
	RiskFundBalance *prometheus.GaugeVec

	// === Persistence ===

	// PersistAttempts counts persistence batch attempts.
	PersistAttempts prometheus.Counter

	// PersistFailures counts persistence batch failures after retries.
	PersistFailures prometheus.Counter

	// PersistRetries counts persistence retries.
	PersistRetries prometheus.Counter

	// PersistBatchSize measures rows per persisted batch.
	PersistBatchSize prometheus.Histogram

	// PersistedSequence tracks the highest durably persisted sequence.
	PersistedSequence prometheus.Gauge

	// === Snapshots ===

	// SnapshotDuration measures snapshot creation time.
	SnapshotDuration prometheus.Histogram

	// SnapshotSizeBytes measures encoded snapshot size.
	SnapshotSizeBytes prometheus.Histogram

	// SnapshotSequence tracks the sequence of the latest snapshot.
	SnapshotSequence prometheus.Gauge

	// RecoveryDuration measures startup recovery time.
	RecoveryDuration prometheus.Histogram

	// === Query API ===

	// QueryRequests counts API requests, by endpoint and status.
	QueryRequests *prometheus.CounterVec

	// QueryDuration measures API request latency, by endpoint.
	QueryDuration *prometheus.HistogramVec

	// WSConnections tracks active websocket subscribers.
	WSConnections prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_core_events_applied_total",
			Help: "Events applied by the core",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_core_events_rejected_total",
			Help: "Events rejected by the core",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "shortfall_core_event_duration_seconds",
			Help:    "Per-event processing time in the core",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12),
		}),

		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_core_journals_total",
			Help: "Journal entries created",
		}, []string{"journal_type"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "shortfall_core_state_hash_duration_seconds",
			Help:    "State hash computation time",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "shortfall_core_sequence",
			Help: "Current core sequence number",
		}),

		IngestToApply: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "shortfall_ingest_to_apply_seconds",
			Help:    "Latency from NATS receipt to core apply",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "shortfall_apply_to_persist_seconds",
			Help:    "Latency from core apply to Postgres commit",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),

		QueryFreshnessLag: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "shortfall_query_freshness_lag",
			Help: "Core sequence minus projected sequence",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shortfall_channel_size",
			Help: "Current channel buffer occupancy",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shortfall_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shortfall_projection_drops_total",
			Help: "Projection updates dropped due to full channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shortfall_publish_drops_total",
			Help: "Outbound notices dropped due to full channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shortfall_persist_backpressure_total",
			Help: "Blocking sends to the persistence channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_idempotency_duplicates_total",
			Help: "Duplicate events detected",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "shortfall_dedup_lru_size",
			Help: "Current size of the idempotency LRU",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shortfall_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_event_sequence_gap_total",
			Help: "Sequence gaps detected",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_event_out_of_order_total",
			Help: "Out-of-order events detected",
		}, []string{"partition"}),

		AuctionsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_auctions_started_total",
			Help: "Auctions started",
		}, []string{"pool", "type"}),

		AuctionsRestarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_auctions_restarted_total",
			Help: "Stale auctions restarted",
		}, []string{"pool"}),

		AuctionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_auctions_closed_total",
			Help: "Auctions closed",
		}, []string{"pool", "type"}),

		BidsPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_bids_placed_total",
			Help: "Bids placed",
		}, []string{"pool"}),

		AuctionsPaused: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "shortfall_auctions_paused",
			Help: "1 while auction operations are paused",
		}),

		BadDebtRecovered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_bad_debt_recovered",
			Help: "Recovered bad debt in whole tokens",
		}, []string{"market"}),

		SurplusRecognized: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_surplus_recognized_total",
			Help: "Surplus recognition operations",
		}, []string{"pool", "asset"}),

		SurplusSwept: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_surplus_swept_total",
			Help: "Treasury sweeps",
		}, []string{"asset"}),

		ReservesSwapped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_reserves_swapped_total",
			Help: "Reserve conversion operations",
		}, []string{"pool"}),

		FundPayouts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_fund_payouts_total",
			Help: "Risk fund payouts to closed auctions",
		}, []string{"pool"}),

		RiskFundBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shortfall_risk_fund_balance",
			Help: "Per-pool risk fund reserve in whole tokens",
		}, []string{"pool"}),

		PersistAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shortfall_persist_attempts_total",
			Help: "Persistence batch attempts",
		}),

		PersistFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shortfall_persist_failures_total",
			Help: "Persistence batch failures after retries",
		}),

		PersistRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shortfall_persist_retries_total",
			Help: "Persistence retries",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "shortfall_persist_batch_size",
			Help:    "Rows per persisted batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		PersistedSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "shortfall_persisted_sequence",
			Help: "Highest durably persisted sequence",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "shortfall_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),

		SnapshotSizeBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "shortfall_snapshot_size_bytes",
			Help:    "Encoded snapshot size",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),

		SnapshotSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "shortfall_snapshot_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		RecoveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "shortfall_recovery_duration_seconds",
			Help:    "Startup recovery time",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shortfall_query_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shortfall_query_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"endpoint"}),

		WSConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "shortfall_ws_connections",
			Help: "Active websocket subscribers",
		}),
	}
}

// SetChannelMetrics updates size and capacity gauges for a named channel.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}

// UnitsToFloat converts a 1e18-scaled amount to whole tokens for gauges
// and counters. Lossy above 2^53; acceptable for monitoring.
func UnitsToFloat(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), big.NewFloat(1e18)).Float64()
	return f
}
