package scheduler

import (
	"sync"

	"github.com/hybridpos/vssnode/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusSchedulerQueueDepth   prometheus.Gauge
	prometheusSchedulerTaskDuration *prometheus.HistogramVec
	prometheusSchedulerCoalesced    prometheus.Counter
	prometheusSchedulerErrors       *prometheus.CounterVec
	prometheusSchedulerReorgs       prometheus.Counter
	prometheusSchedulerFailedReorgs prometheus.Counter
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusSchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vssnode",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Number of pending tasks",
		},
	)

	prometheusSchedulerTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vssnode",
			Subsystem: "scheduler",
			Name:      "task_duration",
			Help:      "Duration of task execution per kind",
			Buckets:   util.MetricsBucketsMilliSeconds,
		},
		[]string{"kind"},
	)

	prometheusSchedulerCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "scheduler",
			Name:      "coalesced_transactions",
			Help:      "Number of transaction pushes merged into batches",
		},
	)

	prometheusSchedulerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "scheduler",
			Name:      "errors",
			Help:      "Number of failed tasks per kind and error category",
		},
		[]string{"kind", "category"},
	)

	prometheusSchedulerReorgs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "scheduler",
			Name:      "reorgs",
			Help:      "Number of reorgs started",
		},
	)

	prometheusSchedulerFailedReorgs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "scheduler",
			Name:      "failed_reorgs",
			Help:      "Number of reorgs that ended below their target height",
		},
	)
}
