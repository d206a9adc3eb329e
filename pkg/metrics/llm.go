package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initLLMMetrics(cfg Config) {
	m.llmCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Calls to the text generator and embedder by kind and status",
		},
		[]string{"kind", "status"},
	)

	m.llmDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Latency of generator and embedder calls",
			Buckets:   cfg.LLMDurationBuckets,
		},
		[]string{"kind"},
	)

	m.registry.MustRegister(m.llmCalls, m.llmDuration)
}

// RecordLLMCall records one generate ("generate") or embed ("embed") call.
func (m *Manager) RecordLLMCall(ctx context.Context, kind string, err error, d time.Duration) {
	if !m.Enabled() {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.llmCalls.WithLabelValues(kind, status).Inc()
	observe(ctx, m.llmDuration.WithLabelValues(kind), d)
}
