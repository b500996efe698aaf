package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrastore-go/terrastore/internal/command"
	"github.com/terrastore-go/terrastore/internal/ensemble"
	"github.com/terrastore-go/terrastore/internal/node"
	"github.com/terrastore-go/terrastore/internal/registry"
	"github.com/terrastore-go/terrastore/internal/store/memstore"
	"github.com/terrastore-go/terrastore/internal/workpool"
)

// fakeNode is a minimal node.Node double: it never actually dials
// anything, just records what it was sent and returns a canned result.
type fakeNode struct {
	name, host string
	port       int
	state      node.State
	local      bool

	sent []command.StoreCommand
}

func (f *fakeNode) Name() string { return f.name }
func (f *fakeNode) Host() string { return f.host }
func (f *fakeNode) Port() int    { return f.port }
func (f *fakeNode) State() node.State {
	if f.state == 0 && f.local {
		return node.Connected
	}
	return f.state
}
func (f *fakeNode) Connect(context.Context) error { f.state = node.Connected; return nil }
func (f *fakeNode) Disconnect()                   { f.state = node.Disconnected }
func (f *fakeNode) Send(_ context.Context, cmd command.StoreCommand) (interface{}, error) {
	f.sent = append(f.sent, cmd)
	return cmd.RequestID(), nil
}

// newLocal returns a plain fakeNode for tests (BroadcastRoute grouping,
// Health) that do not depend on the concrete-type check RouteToLocalNode
// performs.
func newLocal(name string) *fakeNode {
	return &fakeNode{name: name, host: "127.0.0.1", port: 7000, local: true, state: node.Connected}
}

// newRealLocalNode builds an actual node.LocalNode, since Router.RouteToLocalNode
// identifies the local node via a concrete type assertion a fakeNode can't satisfy.
func newRealLocalNode(name string) *node.LocalNode {
	return node.NewLocalNode(name, "127.0.0.1", 7000, memstore.New(), registry.New(), workpool.NewPool(2, 0), nil)
}

func newRemote(name string, state node.State) *fakeNode {
	return &fakeNode{name: name, host: "10.0.0.1", port: 7001, state: state}
}

func TestRouteToNodeForIsDeterministic(t *testing.T) {
	r := New("cluster-a")
	a, b, c := newRemote("a", node.Connected), newRemote("b", node.Connected), newRemote("c", node.Connected)
	r.AddRouteTo("cluster-a", a)
	r.AddRouteTo("cluster-a", b)
	r.AddRouteTo("cluster-a", c)

	n1, err := r.RouteToNodeFor("bucket1", "key1")
	require.NoError(t, err)
	n2, err := r.RouteToNodeFor("bucket1", "key1")
	require.NoError(t, err)
	assert.Equal(t, n1.(*fakeNode).name, n2.(*fakeNode).name)
}

func TestRouteToNodeForMissingClusterFails(t *testing.T) {
	r := New("cluster-a")
	_, err := r.RouteToNodeFor("bucket1", "key1")
	require.Error(t, err)
	var mre *MissingRouteError
	assert.ErrorAs(t, err, &mre)
}

func TestRemoveRouteToExcludesNodeFromFutureLookups(t *testing.T) {
	r := New("cluster-a")
	a := newRemote("a", node.Connected)
	r.AddRouteTo("cluster-a", a)

	n, err := r.RouteToNodeFor("bucket1", "key1")
	require.NoError(t, err)
	assert.Equal(t, "a", n.(*fakeNode).name)

	r.RemoveRouteTo("cluster-a", "a")
	_, err = r.RouteToNodeFor("bucket1", "key1")
	require.Error(t, err)
}

func TestRouteToNodesForGroupsKeysByOwner(t *testing.T) {
	r := New("cluster-a")
	a, b := newRemote("a", node.Connected), newRemote("b", node.Connected)
	r.AddRouteTo("cluster-a", a)
	r.AddRouteTo("cluster-a", b)

	keys := []string{"k1", "k2", "k3", "k4", "k5", "k6"}
	grouped, err := r.RouteToNodesFor("bucket1", keys)
	require.NoError(t, err)

	total := 0
	for _, ks := range grouped {
		total += len(ks)
	}
	assert.Equal(t, len(keys), total)
}

func TestBroadcastRouteCoversEveryCluster(t *testing.T) {
	r := New("cluster-a")
	r.AddCluster(ensemble.Cluster{Name: "cluster-b"})
	r.AddRouteTo("cluster-a", newLocal("local"))
	r.AddRouteTo("cluster-b", newRemote("remote1", node.Connected))

	byCluster := r.BroadcastRoute()
	require.Len(t, byCluster, 2)
	assert.Len(t, byCluster["cluster-a"], 1)
	assert.Len(t, byCluster["cluster-b"], 1)
}

func TestRouteToLocalNodeFindsOnlyLocal(t *testing.T) {
	r := New("cluster-a")
	r.AddRouteTo("cluster-a", newRealLocalNode("local"))
	r.AddRouteTo("cluster-a", newRemote("remote", node.Connected))

	n, err := r.RouteToLocalNode()
	require.NoError(t, err)
	assert.Equal(t, "local", n.(*node.LocalNode).Name())
}

func TestHealthStandaloneNodeIsAlwaysHealthy(t *testing.T) {
	r := New("cluster-a")
	assert.True(t, r.Health())

	r.AddRouteTo("cluster-a", newLocal("local"))
	assert.True(t, r.Health())
}

func TestHealthReflectsConnectedMajority(t *testing.T) {
	r := New("cluster-a")
	r.AddRouteTo("cluster-a", newRemote("a", node.Connected))
	r.AddRouteTo("cluster-a", newRemote("b", node.Connected))
	r.AddRouteTo("cluster-a", newRemote("c", node.Failed))
	assert.True(t, r.Health())

	r.AddRouteTo("cluster-a", newRemote("d", node.Failed))
	r.AddRouteTo("cluster-a", newRemote("e", node.Failed))
	assert.False(t, r.Health())
}

func TestLocalViewSortsMembersByName(t *testing.T) {
	r := New("cluster-a")
	r.AddRouteTo("cluster-a", newRemote("zeta", node.Connected))
	r.AddRouteTo("cluster-a", newRemote("alpha", node.Connected))

	view := r.LocalView()
	assert.Equal(t, []string{"alpha", "zeta"}, view.Names())
}

func TestRingSignatureChangesWithMembership(t *testing.T) {
	r := New("cluster-a")
	r.AddRouteTo("cluster-a", newRemote("a", node.Connected))
	sig1 := r.RingSignature()

	r.AddRouteTo("cluster-a", newRemote("b", node.Connected))
	sig2 := r.RingSignature()

	assert.NotEqual(t, sig1, sig2)
}
