// Package discovery implements the EnsembleManager: one timer loop
// per remote cluster that refreshes the live-Node set by probing a known
// node for its Membership view and diffing it against the last seen view.
// The ticker-plus-stopCh shape is grounded on relay.HACoordinator's
// healthLoop (pkg/relay/ha.go), generalized from HTTP peer polling to the
// Membership command this system's nodes actually expose.
package discovery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/terrastore-go/terrastore/internal/command"
	"github.com/terrastore-go/terrastore/internal/ensemble"
	"github.com/terrastore-go/terrastore/internal/metrics"
	"github.com/terrastore-go/terrastore/internal/node"
)

// RemoteNodeFactory builds a Node for a newly discovered cluster member.
// Supplied by the caller so this package never constructs a concrete
// node.RemoteNode itself, keeping it free of transport/auth config.
type RemoteNodeFactory func(cluster string, m ensemble.Member) node.Node

// Router is the capability Discovery mutates as cluster membership
// changes. router.Router satisfies this.
type Router interface {
	AddRouteTo(cluster string, n node.Node)
	RemoveRouteTo(cluster, nodeName string)
}

type clusterEntry struct {
	name      string
	bootstrap ensemble.Member

	mu           sync.Mutex
	currentNodes []node.Node // ordered candidate list, probed in order
	currentView  ensemble.View
}

// Manager runs the discovery timer loop for every joined remote cluster.
// The local cluster is never discovered: its membership comes from
// the runtime directly, not a probe.
type Manager struct {
	router   Router
	factory  RemoteNodeFactory
	interval time.Duration
	logger   *log.Logger

	mu       sync.Mutex
	clusters map[string]*clusterEntry
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Manager. interval is the per-cluster discovery tick
// period.
func New(router Router, factory RemoteNodeFactory, interval time.Duration, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		router:   router,
		factory:  factory,
		interval: interval,
		logger:   logger,
		clusters: make(map[string]*clusterEntry),
		stopCh:   make(chan struct{}),
	}
}

// Join registers a remote cluster's bootstrap node and starts its timer
// loop. Calling Join twice for the same cluster name is a no-op.
func (m *Manager) Join(cluster string, bootstrap ensemble.Member) {
	m.mu.Lock()
	if _, exists := m.clusters[cluster]; exists {
		m.mu.Unlock()
		return
	}
	entry := &clusterEntry{name: cluster, bootstrap: bootstrap}
	m.clusters[cluster] = entry
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(entry)
}

func (m *Manager) loop(entry *clusterEntry) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.update(entry)
	for {
		select {
		case <-ticker.C:
			m.update(entry)
		case <-m.stopCh:
			return
		}
	}
}

// update runs one probe cycle for entry: probe for a fresh View, then
// remove and disconnect leavers and connect and add joiners.
func (m *Manager) update(entry *clusterEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	updatedView, ok := m.probe(entry)
	if !ok {
		metrics.DiscoveryTicks.WithLabelValues(entry.name, "missing_route").Inc()
		return // currentNodes is now empty; next tick bootstraps again
	}
	metrics.DiscoveryTicks.WithLabelValues(entry.name, "ok").Inc()

	joiners, leavers := entry.currentView.Diff(updatedView)
	for _, leaver := range leavers {
		m.router.RemoveRouteTo(entry.name, leaver.Name)
		for _, n := range entry.currentNodes {
			if n.Name() == leaver.Name {
				n.Disconnect()
			}
		}
		entry.currentNodes = removeNodeNamed(entry.currentNodes, leaver.Name)
	}
	for _, joiner := range joiners {
		n := m.factory(entry.name, joiner)
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		err := n.Connect(ctx)
		cancel()
		if err != nil {
			m.logger.Printf("discovery: connect to joiner %s/%s failed: %v", entry.name, joiner.Name, err)
			continue
		}
		m.router.AddRouteTo(entry.name, n)
		entry.currentNodes = append(entry.currentNodes, n)
	}
	entry.currentView = updatedView
}

// probe bootstraps the candidate list if empty, otherwise walks
// currentNodes trying each until one answers Membership.
func (m *Manager) probe(entry *clusterEntry) (ensemble.View, bool) {
	if len(entry.currentNodes) == 0 {
		n := m.factory(entry.name, entry.bootstrap)
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		err := n.Connect(ctx)
		if err != nil {
			cancel()
			m.logger.Printf("discovery: bootstrap %s failed: %v", entry.name, err)
			return ensemble.View{}, false
		}
		view, err := askMembership(ctx, n)
		cancel()
		n.Disconnect()
		if err != nil {
			m.logger.Printf("discovery: bootstrap membership probe %s failed: %v", entry.name, err)
			return ensemble.View{}, false
		}
		return view, true
	}

	for len(entry.currentNodes) > 0 {
		candidate := entry.currentNodes[0]
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		view, err := askMembership(ctx, candidate)
		cancel()
		if err == nil {
			return view, true
		}
		m.logger.Printf("discovery: candidate %s/%s failed: %v", entry.name, candidate.Name(), err)
		m.router.RemoveRouteTo(entry.name, candidate.Name())
		candidate.Disconnect()
		entry.currentNodes = entry.currentNodes[1:]
	}
	return ensemble.View{}, false
}

func askMembership(ctx context.Context, n node.Node) (ensemble.View, error) {
	result, err := n.Send(ctx, command.NewMembership())
	if err != nil {
		return ensemble.View{}, err
	}
	view, ok := result.(ensemble.View)
	if !ok {
		return ensemble.View{}, fmt.Errorf("discovery: unexpected membership reply type %T", result)
	}
	return view, nil
}

func removeNodeNamed(nodes []node.Node, name string) []node.Node {
	out := nodes[:0]
	for _, n := range nodes {
		if n.Name() != name {
			out = append(out, n)
		}
	}
	return out
}

// Shutdown cancels every cluster's timer loop and disconnects every node
// it currently tracks.
func (m *Manager) Shutdown() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.clusters {
		entry.mu.Lock()
		for _, n := range entry.currentNodes {
			n.Disconnect()
		}
		entry.mu.Unlock()
	}
}
