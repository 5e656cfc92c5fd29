package scenario

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/testground/discovery-plan/pkg/runtime"
)

// SocketUpdateMetric is the headline metric of enr-update: the seconds
// between process start and the coordinator learning its address.
var SocketUpdateMetric = &runtime.MetricDefinition{
	Name:           "socket_update_secs",
	Unit:           "s",
	ImprovementDir: -1,
}

// QueryLatencyMetric is recorded for every successful find-node query.
var QueryLatencyMetric = &runtime.MetricDefinition{
	Name:           "find_node_ms",
	Unit:           "ms",
	ImprovementDir: -1,
}

// RoutingTableMetric is the routing table size after connections settled.
var RoutingTableMetric = &runtime.MetricDefinition{
	Name:           "routing_table_size",
	Unit:           "peers",
	ImprovementDir: 1,
}

var (
	socketUpdateSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "discovery",
		Name:      "socket_update_seconds",
		Help:      "Seconds from process start until the local address was learnt.",
	})

	directedQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discovery",
		Name:      "directed_queries_total",
		Help:      "Directed queries issued, by outcome.",
	}, []string{"outcome"})

	directedQuerySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "discovery",
		Name:      "directed_query_seconds",
		Help:      "Latency of successful directed queries.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	// Local runs host every instance in one process, so per-instance gauges
	// are labelled with the instance sequence number.
	routingTableSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "discovery",
		Name:      "routing_table_size",
		Help:      "Entries in the routing table after connections settled.",
	}, []string{"seq"})

	phaseGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "discovery",
		Name:      "driver_phase",
		Help:      "Current phase of the scenario driver.",
	}, []string{"seq"})
)
