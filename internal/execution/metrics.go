package execution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sagaOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreads_saga_outcomes_total",
		Help: "多腿执行结果计数",
	}, []string{"intent", "status"})

	compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreads_saga_compensations_total",
		Help: "补偿动作计数",
	}, []string{"action", "outcome"})

	sagaDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spreads_saga_duration_seconds",
		Help:    "多腿执行耗时",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"intent"})
)

func observeResult(result Result) {
	sagaOutcomes.WithLabelValues(string(result.Intent), string(result.Status)).Inc()
	if !result.FinishedAt.IsZero() && !result.StartedAt.IsZero() {
		sagaDuration.WithLabelValues(string(result.Intent)).Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	}
}
