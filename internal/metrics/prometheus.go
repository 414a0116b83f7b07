// Package metrics provides Prometheus metrics for the memory router.
// It tracks store and retrieve latency, chunk and token volume, sync lag,
// budget overruns and degraded retrievals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "memoryrouter"
)

// LatencyBuckets defines histogram buckets for memory operations (in seconds).
// Memory work is budgeted in tens of milliseconds, so the low end is dense.
var LatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
	0.075, 0.1, 0.15, 0.2, 0.3, 0.5, 1.0, 2.5, 5.0,
}

// =============================================================================
// Actor Metrics
// =============================================================================

var (
	// OperationLatency tracks actor operation latency, queueing included.
	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of memory actor operations",
			Buckets:   LatencyBuckets,
		},
		[]string{"operation"}, // store, retrieve, ingest, flush, hibernate
	)

	// ChunksFinalized counts chunks added to vector indexes.
	ChunksFinalized = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_finalized_total",
			Help:      "Total number of chunks embedded and indexed",
		},
	)

	// EmbeddingFailures counts chunk embeddings that failed and were queued for retry.
	EmbeddingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_failures_total",
			Help:      "Total number of failed chunk embeddings",
		},
	)

	// RetryQueueSize tracks chunks waiting for an embedding retry, summed over keys.
	RetryQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_queue_size",
			Help:      "Chunks waiting for an embedding retry",
		},
	)

	// ActiveActors tracks resident memory actors.
	ActiveActors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_actors",
			Help:      "Number of resident memory actors",
		},
	)

	// Rehydrations counts actor cold starts by source.
	Rehydrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rehydrations_total",
			Help:      "Actor cold starts by source",
		},
		[]string{"source"}, // empty, snapshot, durable, failed
	)
)

// =============================================================================
// Retrieval Metrics
// =============================================================================

var (
	// TokensRetrieved tracks the size of retrieved context.
	TokensRetrieved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tokens_retrieved",
			Help:      "Estimated tokens of context returned per retrieval",
			Buckets:   prometheus.ExponentialBuckets(16, 2, 10),
		},
	)

	// ChunksRetrievedByTier counts retrieved chunks per recency tier.
	ChunksRetrievedByTier = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_retrieved_total",
			Help:      "Retrieved chunks by recency tier",
		},
		[]string{"tier"},
	)

	// DegradedRetrievals counts buffer-only retrievals.
	DegradedRetrievals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_retrievals_total",
			Help:      "Retrievals answered from the buffer only",
		},
		[]string{"reason"}, // unavailable, deadline, embedding
	)

	// BudgetExceeded counts pipeline stages that ran out of latency budget.
	BudgetExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_exceeded_total",
			Help:      "Pipeline stages that exceeded their latency budget",
		},
		[]string{"stage"},
	)

	// PipelineLatency tracks the pipeline latency report fields.
	PipelineLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_latency_seconds",
			Help:      "Pipeline latency by report field",
			Buckets:   LatencyBuckets,
		},
		[]string{"field"}, // embedding, mr_overhead, mr_processing, provider
	)
)

// =============================================================================
// Sync Metrics
// =============================================================================

var (
	// SyncLagExceeded counts observations where a key's durable copy trailed
	// its live index by more than the configured bound.
	SyncLagExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_lag_exceeded_total",
			Help:      "Times a key's durable lag exceeded its bound",
		},
	)

	// SyncFailures counts failed durable flushes.
	SyncFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_failures_total",
			Help:      "Total number of failed durable flushes",
		},
	)

	// SnapshotsSaved counts snapshots written by trigger.
	SnapshotsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_saved_total",
			Help:      "Snapshots written by trigger",
		},
		[]string{"trigger"}, // hibernate, schedule
	)

	// DBConnectionPoolSize tracks durable store connection pool usage.
	DBConnectionPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connection_pool_size",
			Help:      "Durable store connection pool size",
		},
		[]string{"state"}, // active, idle, max
	)
)
