package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbgpd_session_transitions_total",
			Help: "Peer FSM state transitions.",
		},
		[]string{"asn", "from", "to"},
	)

	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentbgpd_session_state",
			Help: "Current FSM state per peer (1 for the active state, 0 otherwise).",
		},
		[]string{"asn", "state"},
	)

	KeepalivesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbgpd_keepalives_total",
			Help: "KEEPALIVE messages by direction.",
		},
		[]string{"asn", "direction"},
	)

	RIBRoutes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentbgpd_rib_routes",
			Help: "Routes currently held, by table and peer.",
		},
		[]string{"table", "asn"},
	)

	BestPathChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbgpd_best_path_changes_total",
			Help: "Loc-RIB best-path reselections.",
		},
		[]string{"agent_id"},
	)

	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbgpd_policy_decisions_total",
			Help: "Policy evaluations by outcome.",
		},
		[]string{"policy", "outcome"},
	)

	PolicyDecisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbgpd_policy_decision_duration_seconds",
			Help:    "Policy evaluation latency.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"policy"},
	)

	DiscoveryAgentsKnown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentbgpd_discovery_agents_known",
			Help: "Agents currently indexed by the discovery manager.",
		},
		[]string{},
	)

	DiscoveryLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbgpd_discovery_lookups_total",
			Help: "Capability lookups, split by whether a network broadcast was needed.",
		},
		[]string{"capability", "broadcast"},
	)

	DiscoveryLookupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbgpd_discovery_lookup_duration_seconds",
			Help:    "DiscoverByCapability latency.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"capability"},
	)

	BalancerSelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbgpd_balancer_selections_total",
			Help: "Pool.Select calls by strategy and outcome.",
		},
		[]string{"agent_id", "strategy", "outcome"},
	)

	BalancerPathHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentbgpd_balancer_path_health",
			Help: "Candidate path status (0=healthy, 1=degraded, 2=unhealthy).",
		},
		[]string{"agent_id", "next_hop"},
	)

	StoreWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbgpd_store_write_duration_seconds",
			Help:    "Store batch write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"table", "op"},
	)

	StoreRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbgpd_store_rows_affected_total",
			Help: "Store rows written.",
		},
		[]string{"table", "op"},
	)

	StoreDedupConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbgpd_store_dedup_conflicts_total",
			Help: "Store dedup hits (ON CONFLICT DO NOTHING skips).",
		},
		[]string{"table"},
	)

	StoreBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbgpd_store_batch_size",
			Help:    "Batch sizes flushed to the store.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		},
		[]string{"table"},
	)

	EventBusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbgpd_eventbus_published_total",
			Help: "Events published, by kind.",
		},
		[]string{"kind"},
	)
)

var registerOnce sync.Once

// Register registers every collector above with the default registry. Call
// at process startup before serving /metrics; repeated calls are no-ops.
func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		SessionTransitionsTotal,
		SessionState,
		KeepalivesTotal,
		RIBRoutes,
		BestPathChangesTotal,
		PolicyDecisionsTotal,
		PolicyDecisionDuration,
		DiscoveryAgentsKnown,
		DiscoveryLookupsTotal,
		DiscoveryLookupDuration,
		BalancerSelectionsTotal,
		BalancerPathHealth,
		StoreWriteDuration,
		StoreRowsAffectedTotal,
		StoreDedupConflictsTotal,
		StoreBatchSize,
		EventBusPublishedTotal,
	)
}
