package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operational metrics of the indexer itself. Proposal statistics are rendered from the
// aggregation store snapshot by the metrics adapter.
var (
	slotsProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proposals_indexer",
			Name:      "slots_processed_total",
			Help:      "Slots appended to the aggregation store since start, by outcome.",
		},
		[]string{"outcome"},
	)
	slotsDeferredCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proposals_indexer",
			Name:      "slots_deferred_total",
			Help:      "Slots left for the next cycle because an upstream was unavailable.",
		},
	)
	relayQueryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proposals_indexer",
			Name:      "relay_query_failures_total",
			Help:      "Relay queries that failed or timed out.",
		},
		[]string{"relay"},
	)
	rewardFallbackFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proposals_indexer",
			Name:      "reward_fallback_failures_total",
			Help:      "On-chain reward computations that failed, leaving the reward unknown.",
		},
	)
	correctionsCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proposals_indexer",
			Name:      "slot_corrections_total",
			Help:      "Slot corrections by result: applied or dropped.",
		},
		[]string{"result"},
	)
	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "proposals_indexer",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one reconciliation cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
)
