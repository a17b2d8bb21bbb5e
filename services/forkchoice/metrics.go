package forkchoice

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusForkChoiceCached prometheus.Gauge
	prometheusForkChoiceReorgs prometheus.Counter
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusForkChoiceCached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vssnode",
			Subsystem: "forkchoice",
			Name:      "cached_blocks",
			Help:      "Number of finalized blocks waiting in the fork cache",
		},
	)

	prometheusForkChoiceReorgs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "forkchoice",
			Name:      "reorgs",
			Help:      "Number of reorganizations planned",
		},
	)
}
