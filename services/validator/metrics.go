package validator

import (
	"sync"

	"github.com/hybridpos/vssnode/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusValidatorRequests prometheus.Counter
	prometheusValidatorInvalid  prometheus.Counter
	prometheusValidatorDuration prometheus.Histogram
	prometheusValidatorTxs      prometheus.Histogram
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusValidatorRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "validator",
			Name:      "requests",
			Help:      "Number of block validation requests handled by the worker pool",
		},
	)

	prometheusValidatorInvalid = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "validator",
			Name:      "invalid",
			Help:      "Number of validation requests that found an invalid transaction",
		},
	)

	prometheusValidatorDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vssnode",
			Subsystem: "validator",
			Name:      "duration",
			Help:      "Duration of a validation request",
			Buckets:   util.MetricsBucketsMilliSeconds,
		},
	)

	prometheusValidatorTxs = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vssnode",
			Subsystem: "validator",
			Name:      "txs",
			Help:      "Number of transactions per validation request",
			Buckets:   []float64{0, 1, 10, 100, 1000, 10000},
		},
	)
}
