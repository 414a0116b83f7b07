package metrics

import (
	"time"

	"github.com/John-Rood/MemoryRouter-sub003/internal/kronos"
)

// RecordOperation records the latency of an actor operation.
func RecordOperation(op string, d time.Duration) {
	OperationLatency.WithLabelValues(op).Observe(d.Seconds())
}

// RecordRetrieval records the shape of a retrieval result.
func RecordRetrieval(tokens int, b kronos.Breakdown) {
	TokensRetrieved.Observe(float64(tokens))
	for _, tier := range kronos.Tiers {
		if n := b.Count(tier); n > 0 {
			ChunksRetrievedByTier.WithLabelValues(string(tier)).Add(float64(n))
		}
	}
}

// RecordDegraded records a buffer-only retrieval.
func RecordDegraded(reason string) {
	DegradedRetrievals.WithLabelValues(reason).Inc()
}

// RecordBudgetExceeded records a pipeline stage that ran out of budget.
func RecordBudgetExceeded(stage string) {
	BudgetExceeded.WithLabelValues(stage).Inc()
}

// RecordPipelineLatency records one latency report field, given in milliseconds.
func RecordPipelineLatency(field string, ms float64) {
	PipelineLatency.WithLabelValues(field).Observe(ms / 1000)
}
