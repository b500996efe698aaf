// Package metrics registers ambient operational counters/gauges, mirroring
// the reference server's statsInc/statsRegisterInt calls around cluster
// membership (server/cluster.go) but backed by a real metrics library
// instead of expvar. This is internal telemetry about the routing/
// discovery machinery, not a bucket/operation statistics subsystem.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LiveNodes is the number of nodes currently believed reachable, per
	// cluster.
	LiveNodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "terrastore",
		Name:      "live_nodes",
		Help:      "Number of nodes currently routable, per cluster.",
	}, []string{"cluster"})

	// DiscoveryTicks counts discovery probe outcomes.
	DiscoveryTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "terrastore",
		Name:      "discovery_ticks_total",
		Help:      "Discovery probe attempts, by cluster and outcome.",
	}, []string{"cluster", "outcome"})

	// RouteFailures counts MissingRoute failures of single-key routing
	// (Router.RouteToNodeFor); bulk grouping in RouteToNodesFor is not
	// counted.
	RouteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "terrastore",
		Name:      "route_failures_total",
		Help:      "Routing lookups that failed with MissingRoute, by cluster.",
	}, []string{"cluster"})
)

// Registry is the collector registry the admin/metrics endpoint exposes.
// Collectors are registered once at init so repeated package-level use in
// tests doesn't panic on double-registration.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(LiveNodes, DiscoveryTicks, RouteFailures)
}
