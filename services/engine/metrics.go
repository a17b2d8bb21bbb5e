package engine

import (
	"sync"

	"github.com/hybridpos/vssnode/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusEngineDigested       prometheus.Counter
	prometheusEngineRejected       *prometheus.CounterVec
	prometheusEngineDigestDuration prometheus.Histogram
	prometheusEngineCandidates     prometheus.Counter
	prometheusEngineRollbacks      prometheus.Counter
	prometheusEngineHeight         prometheus.Gauge
	prometheusEngineIgnored        *prometheus.CounterVec
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusEngineDigested = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "engine",
			Name:      "digested",
			Help:      "Number of finalized blocks added to the chain",
		},
	)

	prometheusEngineRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "engine",
			Name:      "rejected",
			Help:      "Number of finalized blocks rejected per digestion stage",
		},
		[]string{"stage"},
	)

	prometheusEngineDigestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vssnode",
			Subsystem: "engine",
			Name:      "digest_duration",
			Help:      "Duration of finalized block digestion",
			Buckets:   util.MetricsBucketsMilliSeconds,
		},
	)

	prometheusEngineCandidates = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "engine",
			Name:      "candidates",
			Help:      "Number of block candidates created by this node",
		},
	)

	prometheusEngineRollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "engine",
			Name:      "rollbacks",
			Help:      "Number of rollbacks to a snapshot",
		},
	)

	prometheusEngineHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vssnode",
			Subsystem: "engine",
			Name:      "height",
			Help:      "Height of the canonical tip",
		},
	)

	prometheusEngineIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "engine",
			Name:      "ignored",
			Help:      "Number of inbound gossip messages dropped per reason",
		},
		[]string{"reason"},
	)
}
