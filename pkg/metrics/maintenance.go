package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initMaintenanceMetrics(cfg Config) {
	m.decayRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decay_runs_total",
		Help:      "Completed memory decay passes",
	})

	m.decayMemories = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decay_memories_total",
			Help:      "Memories touched by decay passes by outcome",
		},
		[]string{"outcome"},
	)

	m.decayDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "decay_duration_seconds",
		Help:      "Duration of a memory decay pass",
		Buckets:   cfg.DecayDurationBuckets,
	})

	m.categoryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "category_maintenance_total",
			Help:      "Category decay pass results by outcome",
		},
		[]string{"outcome"},
	)

	m.categoriesCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "categories",
		Help:      "Number of live categories",
	})

	m.registry.MustRegister(m.decayRuns, m.decayMemories, m.decayDuration, m.categoryOutcomes, m.categoriesCurrent)
}

// RecordDecayRun records the result of one memory decay pass.
func (m *Manager) RecordDecayRun(ctx context.Context, decayed, forgotten, promoted int, d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.decayRuns.Inc()
	m.decayMemories.WithLabelValues("decayed").Add(float64(decayed))
	m.decayMemories.WithLabelValues("forgotten").Add(float64(forgotten))
	m.decayMemories.WithLabelValues("promoted").Add(float64(promoted))
	observe(ctx, m.decayDuration, d)
}

// RecordCategoryMaintenance records the result of one category decay pass.
func (m *Manager) RecordCategoryMaintenance(decayed, merged, deleted, live int) {
	if !m.Enabled() {
		return
	}
	m.categoryOutcomes.WithLabelValues("decayed").Add(float64(decayed))
	m.categoryOutcomes.WithLabelValues("merged").Add(float64(merged))
	m.categoryOutcomes.WithLabelValues("deleted").Add(float64(deleted))
	m.categoriesCurrent.Set(float64(live))
}

// SetCategoryCount updates the live category gauge.
func (m *Manager) SetCategoryCount(n int) {
	if !m.Enabled() {
		return
	}
	m.categoriesCurrent.Set(float64(n))
}
