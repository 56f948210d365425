package node

import (
	"github.com/prometheus/client_golang/prometheus"
)

// nodeMetrics holds the Prometheus collectors a coordinator exposes on
// GET /metrics. Each CoordinatorNode gets its own registry so multiple
// nodes can run in one process (tests spin up several) without
// colliding on the default global registry.
type nodeMetrics struct {
	registry          *prometheus.Registry
	nodesTotal        *prometheus.GaugeVec
	computationsTotal *prometheus.CounterVec
	sharesReceived    prometheus.Counter
	broadcastDuration prometheus.Histogram
	participantsAtRvl prometheus.Histogram
}

func newNodeMetrics(nodeID string) *nodeMetrics {
	reg := prometheus.NewRegistry()
	m := &nodeMetrics{
		registry: reg,
		nodesTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "aggnet_nodes_total",
			Help:        "Nodes known to this coordinator's registry view, by role.",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		}, []string{"role"}),
		computationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "aggnet_computations_total",
			Help:        "Computations this coordinator has driven as primary, by outcome (\"completed\" or the error kind of the failure).",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		}, []string{"status"}),
		sharesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "aggnet_shares_received_total",
			Help:        "Shares accepted into this coordinator's ledger.",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "aggnet_broadcast_duration_seconds",
			Help:        "Time to fan out one announce broadcast to all active contributors.",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
			Buckets:     prometheus.DefBuckets,
		}),
		participantsAtRvl: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "aggnet_reveal_participants",
			Help:        "Aligned participant count at reveal time, per completed computation.",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
			Buckets:     []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
	}
	reg.MustRegister(m.nodesTotal, m.computationsTotal, m.sharesReceived, m.broadcastDuration, m.participantsAtRvl)
	return m
}
