package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initMemoryMetrics(cfg Config) {
	m.memoryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_operations_total",
			Help:      "Memory operations by operation and resulting event",
		},
		[]string{"op", "event"},
	)

	m.memoryOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_operation_duration_seconds",
			Help:      "Memory operation latency in seconds",
			Buckets:   cfg.OperationDurationBuckets,
		},
		[]string{"op"},
	)

	m.conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Conflict classifications between new and existing memories",
		},
		[]string{"classification"},
	)

	m.accessBumps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_bumps_total",
			Help:      "Search-driven access bumps by outcome",
		},
		[]string{"outcome"},
	)

	m.registry.MustRegister(m.memoryOps, m.memoryOpDuration, m.conflicts, m.accessBumps)
}

// RecordMemoryOperation counts one operation outcome, e.g. ("add", "NOOP").
func (m *Manager) RecordMemoryOperation(op, event string) {
	if !m.Enabled() {
		return
	}
	m.memoryOps.WithLabelValues(op, event).Inc()
}

// ObserveOperationDuration records the latency of an engine operation.
func (m *Manager) ObserveOperationDuration(ctx context.Context, op string, d time.Duration) {
	if !m.Enabled() {
		return
	}
	observe(ctx, m.memoryOpDuration.WithLabelValues(op), d)
}

// RecordConflict counts a conflict classification.
func (m *Manager) RecordConflict(classification string) {
	if !m.Enabled() {
		return
	}
	m.conflicts.WithLabelValues(classification).Inc()
}

// RecordAccessBump counts an asynchronous access bump: "applied", "dropped" or "failed".
func (m *Manager) RecordAccessBump(outcome string) {
	if !m.Enabled() {
		return
	}
	m.accessBumps.WithLabelValues(outcome).Inc()
}
