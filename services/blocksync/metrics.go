package blocksync

import (
	"sync"

	"github.com/hybridpos/vssnode/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusSyncResults  *prometheus.CounterVec
	prometheusSyncDuration prometheus.Histogram
	prometheusSyncBlocks   prometheus.Counter
	prometheusSyncRejected prometheus.Counter
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusSyncResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "blocksync",
			Name:      "results",
			Help:      "Number of syncs per result",
		},
		[]string{"result"},
	)

	prometheusSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vssnode",
			Subsystem: "blocksync",
			Name:      "duration",
			Help:      "Duration of a sync with peers",
			Buckets:   util.MetricsBucketsSeconds,
		},
	)

	prometheusSyncBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "blocksync",
			Name:      "blocks",
			Help:      "Number of blocks fetched and digested during syncs",
		},
	)

	prometheusSyncRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "blocksync",
			Name:      "rejected_branches",
			Help:      "Number of diverged branches refused for blocks without a valid proof",
		},
	)
}
