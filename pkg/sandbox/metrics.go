package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "execution_duration_seconds",
		Help:      "Duration of sandboxed test case executions",
		Buckets:   prometheus.DefBuckets,
	}, []string{"language"})

	execTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "execution_timeouts_total",
		Help:      "Number of executions that hit the time limit",
	}, []string{"language"})

	execFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "execution_failures_total",
		Help:      "Number of executions that could not be run to completion",
	}, []string{"language"})

	execUnsupported = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "unsupported_language_total",
		Help:      "Number of test cases requested for a language without an adapter",
	}, []string{"language"})

	poolInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "pool_in_flight",
		Help:      "Executions currently holding a worker pool slot",
	})
)
