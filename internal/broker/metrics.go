package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallsTotal 统计券商调用次数。
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreads_broker_calls_total",
			Help: "Total number of broker API calls",
		},
		[]string{"operation", "outcome"},
	)

	// CallDurationSeconds 统计券商调用耗时。
	CallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spreads_broker_call_duration_seconds",
			Help:    "Duration of broker API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func observeCall(operation string, err error, elapsed time.Duration) {
	outcome := "ok"
	switch {
	case err == nil:
	case IsTransient(err):
		outcome = "transient"
	default:
		outcome = "error"
	}
	CallsTotal.WithLabelValues(operation, outcome).Inc()
	CallDurationSeconds.WithLabelValues(operation).Observe(elapsed.Seconds())
}
