package p2p

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusP2PReceived      *prometheus.CounterVec
	prometheusP2PPublished     *prometheus.CounterVec
	prometheusP2PBans          prometheus.Counter
	prometheusP2PRangeRequests prometheus.Counter
	prometheusP2PRangeBlocks   prometheus.Histogram
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusP2PReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "p2p",
			Name:      "received",
			Help:      "Number of gossip messages received per topic",
		},
		[]string{"topic"},
	)

	prometheusP2PPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "p2p",
			Name:      "published",
			Help:      "Number of gossip messages published per topic",
		},
		[]string{"topic"},
	)

	prometheusP2PBans = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "p2p",
			Name:      "bans",
			Help:      "Number of peers banned",
		},
	)

	prometheusP2PRangeRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vssnode",
			Subsystem: "p2p",
			Name:      "range_requests",
			Help:      "Number of block range requests served",
		},
	)

	prometheusP2PRangeBlocks = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vssnode",
			Subsystem: "p2p",
			Name:      "range_blocks",
			Help:      "Number of blocks returned per block range request",
			Buckets:   []float64{0, 1, 10, 50, 100, 250, 500},
		},
	)
}
