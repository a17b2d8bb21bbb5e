package miner

import (
	"sync"

	"github.com/hybridpos/vssnode/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusBlockMined prometheus.Histogram
	prometheusHashRate   prometheus.Gauge
)

var (
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusBlockMined = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vssnode",
			Subsystem: "miner",
			Name:      "block_mined",
			Help:      "Histogram of the time spent mining a candidate",
			Buckets:   util.MetricsBucketsSeconds,
		},
	)

	prometheusHashRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vssnode",
			Subsystem: "miner",
			Name:      "hash_rate",
			Help:      "Argon2 hashes per second of the local miner",
		},
	)
}
