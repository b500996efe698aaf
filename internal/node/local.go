package node

import (
	"context"

	"github.com/terrastore-go/terrastore/internal/command"
	"github.com/terrastore-go/terrastore/internal/ensemble"
	"github.com/terrastore-go/terrastore/internal/registry"
	"github.com/terrastore-go/terrastore/internal/store"
	"github.com/terrastore-go/terrastore/internal/workpool"
)

// LocalNode dispatches commands synchronously through a bounded worker
// pool and executes them directly against the local Store. It has
// no transport; Connect/Disconnect are no-ops kept only so LocalNode
// satisfies the Node interface uniformly with RemoteNode.
type LocalNode struct {
	name, host string
	port       int

	store    store.Store
	registry *registry.Registry
	pool     *workpool.Pool

	localView func() ensemble.View
}

// NewLocalNode builds the node representing this process. localView
// supplies the local cluster's current membership for the Membership
// command; it may be nil on a standalone (non-clustered) node.
func NewLocalNode(name, host string, port int, st store.Store, reg *registry.Registry, pool *workpool.Pool, localView func() ensemble.View) *LocalNode {
	return &LocalNode{name: name, host: host, port: port, store: st, registry: reg, pool: pool, localView: localView}
}

func (n *LocalNode) Name() string   { return n.name }
func (n *LocalNode) Host() string   { return n.host }
func (n *LocalNode) Port() int      { return n.port }
func (n *LocalNode) State() State   { return Connected }
func (n *LocalNode) Connect(context.Context) error { return nil }
func (n *LocalNode) Disconnect()                   {}

// Send runs cmd.ExecuteOnStore synchronously on the calling goroutine once
// the bounded worker pool admits it.
func (n *LocalNode) Send(ctx context.Context, cmd command.StoreCommand) (interface{}, error) {
	return n.pool.Submit(ctx, func() (interface{}, error) {
		return cmd.ExecuteOnStore(ctx, command.StoreEnv{
			Store:     n.store,
			Registry:  n.registry,
			Pool:      n.pool,
			LocalView: n.localView,
		})
	})
}
