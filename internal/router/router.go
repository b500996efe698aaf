// Package router implements the Router: composes the cluster
// partitioner and per-cluster hash rings into route-one,
// route-many and broadcast resolution over a live Node set, the same
// composition server/cluster.go's Cluster struct performs over its own
// ring+nodes pair, generalized here to many clusters instead of one.
package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/terrastore-go/terrastore/internal/command"
	"github.com/terrastore-go/terrastore/internal/ensemble"
	"github.com/terrastore-go/terrastore/internal/metrics"
	"github.com/terrastore-go/terrastore/internal/node"
	"github.com/terrastore-go/terrastore/internal/ring"
)

// MissingRouteError reports that no live node could be resolved for a
// lookup.
type MissingRouteError struct {
	Cluster string
}

func (e *MissingRouteError) Error() string {
	return fmt.Sprintf("router: no route to cluster %q", e.Cluster)
}

type clusterState struct {
	mu    sync.RWMutex
	nodes map[string]node.Node
	ring  *ring.Ring
	local bool
}

func newClusterState(local bool) *clusterState {
	return &clusterState{nodes: make(map[string]node.Node), ring: ring.New(nil), local: local}
}

func (cs *clusterState) nodeNames() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	names := make([]string, 0, len(cs.nodes))
	for name := range cs.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (cs *clusterState) rebuildRing() {
	cs.ring.Setup(cs.nodeNames())
}

// Router owns the live node set and hash ring for the local cluster plus
// every remote cluster the ensemble knows about. It satisfies
// command.Router and command.NodeSender-producing lookups so commands can
// dispatch without importing this package.
type Router struct {
	partitioner ensemble.Partitioner

	mu          sync.RWMutex
	localName   string
	clusters    map[string]*clusterState // cluster name -> state
	clusterList []ensemble.Cluster       // for the ensemble partitioner
}

// New builds an empty Router for the named local cluster.
func New(localClusterName string) *Router {
	r := &Router{
		localName: localClusterName,
		clusters:  map[string]*clusterState{localClusterName: newClusterState(true)},
	}
	r.clusterList = []ensemble.Cluster{{Name: localClusterName, Local: true}}
	return r
}

// AddCluster registers a remote cluster so it can receive routes. Calling
// it for a cluster that already exists is a no-op.
func (r *Router) AddCluster(c ensemble.Cluster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clusters[c.Name]; ok {
		return
	}
	r.clusters[c.Name] = newClusterState(c.Local)
	r.clusterList = append(r.clusterList, c)
}

func (r *Router) clusterState(name string) (*clusterState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.clusters[name]
	return cs, ok
}

func (r *Router) clusterNames() []ensemble.Cluster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ensemble.Cluster(nil), r.clusterList...)
}

// AddRouteTo registers n as routable within cluster, rebuilding that
// cluster's ring. Safe to call concurrently with routing lookups.
func (r *Router) AddRouteTo(cluster string, n node.Node) {
	cs, ok := r.clusterState(cluster)
	if !ok {
		return
	}
	cs.mu.Lock()
	cs.nodes[n.Name()] = n
	cs.mu.Unlock()
	cs.rebuildRing()
	metrics.LiveNodes.WithLabelValues(cluster).Set(float64(len(cs.nodeNames())))
}

// RemoveRouteTo drops n from cluster and rebuilds the ring. It does not
// disconnect n; callers that own the node's lifecycle do that themselves
// (discovery.Manager does, immediately after calling this).
func (r *Router) RemoveRouteTo(cluster, nodeName string) {
	cs, ok := r.clusterState(cluster)
	if !ok {
		return
	}
	cs.mu.Lock()
	delete(cs.nodes, nodeName)
	cs.mu.Unlock()
	cs.rebuildRing()
	metrics.LiveNodes.WithLabelValues(cluster).Set(float64(len(cs.nodeNames())))
}

// RouteToLocalNode resolves the single node representing this process.
func (r *Router) RouteToLocalNode() (command.NodeSender, error) {
	cs, ok := r.clusterState(r.localName)
	if !ok {
		return nil, &MissingRouteError{Cluster: r.localName}
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	for _, n := range cs.nodes {
		if _, islocal := n.(*node.LocalNode); islocal {
			return n, nil
		}
	}
	return nil, &MissingRouteError{Cluster: r.localName}
}

// RouteToNodeFor resolves (bucket, key) to a single node: C3 picks the
// owning cluster, C2 picks the node within it.
func (r *Router) RouteToNodeFor(bucket, key string) (command.NodeSender, error) {
	n, cluster, err := r.resolveNodeFor(bucket, key)
	if err != nil {
		metrics.RouteFailures.WithLabelValues(cluster).Inc()
		return nil, err
	}
	return n, nil
}

func (r *Router) resolveNodeFor(bucket, key string) (node.Node, string, error) {
	cluster, err := r.partitioner.GetClusterFor(r.clusterNames(), bucket)
	if err != nil {
		return nil, "", &MissingRouteError{}
	}
	cs, ok := r.clusterState(cluster.Name)
	if !ok {
		return nil, cluster.Name, &MissingRouteError{Cluster: cluster.Name}
	}
	name, ok := cs.ring.GetNode(bucket, key)
	if !ok {
		return nil, cluster.Name, &MissingRouteError{Cluster: cluster.Name}
	}
	cs.mu.RLock()
	n, ok := cs.nodes[name]
	cs.mu.RUnlock()
	if !ok {
		return nil, cluster.Name, &MissingRouteError{Cluster: cluster.Name}
	}
	return n, cluster.Name, nil
}

// RouteToNodesFor groups keys by the node that owns each one, within the
// cluster the bucket hashes to — used by fan-out bulk reads.
func (r *Router) RouteToNodesFor(bucket string, keys []string) (map[node.Node][]string, error) {
	cluster, err := r.partitioner.GetClusterFor(r.clusterNames(), bucket)
	if err != nil {
		return nil, &MissingRouteError{}
	}
	cs, ok := r.clusterState(cluster.Name)
	if !ok {
		return nil, &MissingRouteError{Cluster: cluster.Name}
	}

	grouped := make(map[node.Node][]string)
	for _, key := range keys {
		name, ok := cs.ring.GetNode(bucket, key)
		if !ok {
			return nil, &MissingRouteError{Cluster: cluster.Name}
		}
		cs.mu.RLock()
		n, ok := cs.nodes[name]
		cs.mu.RUnlock()
		if !ok {
			return nil, &MissingRouteError{Cluster: cluster.Name}
		}
		grouped[n] = append(grouped[n], key)
	}
	return grouped, nil
}

// BroadcastRoute snapshots every live node per cluster, used for
// whole-bucket operations that must visit every cluster: getBuckets and
// getAllValues.
func (r *Router) BroadcastRoute() map[string][]node.Node {
	out := make(map[string][]node.Node)
	for _, c := range r.clusterNames() {
		cs, ok := r.clusterState(c.Name)
		if !ok {
			continue
		}
		cs.mu.RLock()
		nodes := make([]node.Node, 0, len(cs.nodes))
		for _, n := range cs.nodes {
			nodes = append(nodes, n)
		}
		cs.mu.RUnlock()
		out[c.Name] = nodes
	}
	return out
}

// RingSignature returns the local cluster's current ring signature, which
// RemoteNode puts into the inter-node handshake token.
func (r *Router) RingSignature() string {
	cs, ok := r.clusterState(r.localName)
	if !ok {
		return ""
	}
	return cs.ring.Signature()
}

// Health reports whether the local cluster currently holds a node
// majority among its known peers, mirroring Cluster.isPartitioned
// (server/cluster.go) inverted to a "healthy" sense: a standalone node
// (no peers) is always healthy. This is observability only — it does not
// change routing behavior or provide a consistency guarantee.
func (r *Router) Health() bool {
	cs, ok := r.clusterState(r.localName)
	if !ok {
		return true
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	total := len(cs.nodes)
	if total <= 1 {
		return true
	}
	connected := 0
	for _, n := range cs.nodes {
		if n.State() == node.Connected {
			connected++
		}
	}
	return connected >= (total/2)+1
}

// LocalView builds the View of the local cluster's current membership,
// for answering Membership commands.
func (r *Router) LocalView() ensemble.View {
	cs, ok := r.clusterState(r.localName)
	if !ok {
		return ensemble.View{}
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	view := ensemble.View{Members: make([]ensemble.Member, 0, len(cs.nodes))}
	for _, n := range cs.nodes {
		view.Members = append(view.Members, node.MemberOf(n))
	}
	sort.Slice(view.Members, func(i, j int) bool { return view.Members[i].Name < view.Members[j].Name })
	return view
}
