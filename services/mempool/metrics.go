package mempool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusMempoolSize     prometheus.Gauge
	prometheusMempoolAdmitted prometheus.Counter
	prometheusMempoolRejected *prometheus.CounterVec
	prometheusMempoolBatchTxs prometheus.Histogram
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusMempoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vssnode",
			Subsystem: "mempool",
			Name:      "size",
			Help:      "Number of transactions in the mempool",
		},
	)

	prometheusMempoolAdmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "mempool",
			Name:      "admitted",
			Help:      "Number of transactions admitted to the mempool",
		},
	)

	prometheusMempoolRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "mempool",
			Name:      "rejected",
			Help:      "Number of transactions rejected by the mempool, by reason",
		},
		[]string{"reason"},
	)

	prometheusMempoolBatchTxs = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vssnode",
			Subsystem: "mempool",
			Name:      "batch_txs",
			Help:      "Number of transactions selected for a block candidate",
			Buckets:   []float64{0, 1, 10, 100, 1000, 10000},
		},
	)
}
