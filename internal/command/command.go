// Package command implements the Command protocol: serializable
// request objects with dual dispatch, executeOn(Router) for point
// operations at the originating node and executeOn(Store) for local
// execution at the terminal node. This generalizes the reference server's
// ClusterReq/ClusterRoute/ClusterResp tagged-struct messages
// (server/cluster.go) dispatched by a ReqType enum, to this store's
// command set.
package command

import (
	"context"
	"encoding/gob"
	"time"

	"github.com/google/uuid"

	"github.com/terrastore-go/terrastore/internal/ensemble"
	"github.com/terrastore-go/terrastore/internal/registry"
	"github.com/terrastore-go/terrastore/internal/store"
	"github.com/terrastore-go/terrastore/internal/workpool"
)

// StoreEnv bundles what ExecuteOnStore needs at the terminal node. Pool is
// passed explicitly instead of recovered from a package-level singleton,
// so the receiving node just hands its own pool to the command.
type StoreEnv struct {
	Store    store.Store
	Registry *registry.Registry
	Pool     *workpool.Pool
	// LocalView returns the local cluster's current membership View, used
	// only by the Membership command. It is supplied by the node layer
	// (which owns cluster membership) rather than derived from Store,
	// since membership is cluster metadata, not bucket data.
	LocalView func() ensemble.View
}

// NodeSender is the capability a resolved Node exposes to a command's
// router-side dispatch. Both node.LocalNode and node.RemoteNode satisfy it.
type NodeSender interface {
	Send(ctx context.Context, cmd StoreCommand) (interface{}, error)
}

// Router is the capability set a command needs to resolve itself to one or
// more nodes. router.Router satisfies this; defined here (rather than
// imported from package router) so that command does not depend on router,
// avoiding an import cycle (router depends on command for the Command
// type, node depends on command for the same reason).
type Router interface {
	RouteToLocalNode() (NodeSender, error)
	RouteToNodeFor(bucket, key string) (NodeSender, error)
}

// StoreCommand is the capability every command has: local execution at the
// node that owns the data.
type StoreCommand interface {
	RequestID() string
	ExecuteOnStore(ctx context.Context, env StoreEnv) (interface{}, error)
}

// RoutedCommand is additionally resolvable against a Router: the point
// operations used at the originating node before forwarding.
type RoutedCommand interface {
	StoreCommand
	ExecuteOnRouter(ctx context.Context, r Router) (interface{}, error)
}

func newRequestID() string { return uuid.NewString() }

// Empty is the void result: commands with no payload to return reply
// with this registered concrete type instead of a bare nil.
type Empty struct{}

func init() {
	gob.Register(Empty{})
	gob.Register(&AddBucket{})
	gob.Register(&RemoveBucket{})
	gob.Register(&PutValue{})
	gob.Register(&RemoveValue{})
	gob.Register(&GetValue{})
	gob.Register(&GetValues{})
	gob.Register(&GetKeys{})
	gob.Register(&GetBuckets{})
	gob.Register(&RangeQuery{})
	gob.Register(&UpdateCmd{})
	gob.Register(&Membership{})
	gob.Register(ensemble.View{})
	gob.Register(store.Range{})
	gob.Register(store.Update{})
}

// base carries the request ID common to every command, stamped at
// construction.
type base struct {
	ID string
}

func (b base) RequestID() string { return b.ID }

func newBase() base { return base{ID: newRequestID()} }

// --- Schema ops -------------------------------------------------------

// AddBucket creates a bucket at the local node.
type AddBucket struct {
	base
	Bucket string
}

func NewAddBucket(bucket string) *AddBucket {
	return &AddBucket{base: newBase(), Bucket: bucket}
}

func (c *AddBucket) ExecuteOnRouter(ctx context.Context, r Router) (interface{}, error) {
	n, err := r.RouteToLocalNode()
	if err != nil {
		return nil, err
	}
	return n.Send(ctx, c)
}

func (c *AddBucket) ExecuteOnStore(ctx context.Context, env StoreEnv) (interface{}, error) {
	_, err := env.Store.GetOrCreate(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	return Empty{}, nil
}

// RemoveBucket deletes a bucket at the local node.
type RemoveBucket struct {
	base
	Bucket string
}

func NewRemoveBucket(bucket string) *RemoveBucket {
	return &RemoveBucket{base: newBase(), Bucket: bucket}
}

func (c *RemoveBucket) ExecuteOnRouter(ctx context.Context, r Router) (interface{}, error) {
	n, err := r.RouteToLocalNode()
	if err != nil {
		return nil, err
	}
	return n.Send(ctx, c)
}

func (c *RemoveBucket) ExecuteOnStore(ctx context.Context, env StoreEnv) (interface{}, error) {
	if err := env.Store.Remove(ctx, c.Bucket); err != nil {
		return nil, err
	}
	return Empty{}, nil
}

// --- Point operations ---------------------------------------------------

// PutValue is a conditional or unconditional put.
type PutValue struct {
	base
	Bucket        string
	Key           string
	Value         []byte
	PredicateType string
	PredicateExpr string
}

func NewPutValue(bucket, key string, value []byte, predicateType, predicateExpr string) *PutValue {
	return &PutValue{base: newBase(), Bucket: bucket, Key: key, Value: value, PredicateType: predicateType, PredicateExpr: predicateExpr}
}

func (c *PutValue) ExecuteOnRouter(ctx context.Context, r Router) (interface{}, error) {
	n, err := r.RouteToNodeFor(c.Bucket, c.Key)
	if err != nil {
		return nil, err
	}
	return n.Send(ctx, c)
}

func (c *PutValue) ExecuteOnStore(ctx context.Context, env StoreEnv) (interface{}, error) {
	b, err := env.Store.GetOrCreate(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	if c.PredicateType == "" {
		if err := b.Put(ctx, c.Key, c.Value); err != nil {
			return nil, err
		}
		return Empty{}, nil
	}
	cond, err := env.Registry.Condition(c.PredicateType)
	if err != nil {
		return nil, err
	}
	if err := b.ConditionalPut(ctx, c.Key, c.Value, c.PredicateType, c.PredicateExpr, cond); err != nil {
		return nil, err
	}
	return Empty{}, nil
}

// RemoveValue deletes a key.
type RemoveValue struct {
	base
	Bucket string
	Key    string
}

func NewRemoveValue(bucket, key string) *RemoveValue {
	return &RemoveValue{base: newBase(), Bucket: bucket, Key: key}
}

func (c *RemoveValue) ExecuteOnRouter(ctx context.Context, r Router) (interface{}, error) {
	n, err := r.RouteToNodeFor(c.Bucket, c.Key)
	if err != nil {
		return nil, err
	}
	return n.Send(ctx, c)
}

func (c *RemoveValue) ExecuteOnStore(ctx context.Context, env StoreEnv) (interface{}, error) {
	b, err := env.Store.Get(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, store.ErrBucketNotFound
	}
	if err := b.Remove(ctx, c.Key); err != nil {
		return nil, err
	}
	return Empty{}, nil
}

// GetValue is a single-key read, optionally guarded.
type GetValue struct {
	base
	Bucket        string
	Key           string
	PredicateType string
	PredicateExpr string
}

func NewGetValue(bucket, key, predicateType, predicateExpr string) *GetValue {
	return &GetValue{base: newBase(), Bucket: bucket, Key: key, PredicateType: predicateType, PredicateExpr: predicateExpr}
}

func (c *GetValue) ExecuteOnRouter(ctx context.Context, r Router) (interface{}, error) {
	n, err := r.RouteToNodeFor(c.Bucket, c.Key)
	if err != nil {
		return nil, err
	}
	return n.Send(ctx, c)
}

func (c *GetValue) ExecuteOnStore(ctx context.Context, env StoreEnv) (interface{}, error) {
	b, err := env.Store.Get(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, store.ErrBucketNotFound
	}
	if c.PredicateType == "" {
		return b.Get(ctx, c.Key)
	}
	cond, err := env.Registry.Condition(c.PredicateType)
	if err != nil {
		return nil, err
	}
	return b.GetGuarded(ctx, c.Key, c.PredicateType, c.PredicateExpr, cond)
}

// --- Bulk / whole-bucket operations (sent directly to a resolved node by
// the service layer, not routed through Router) ------------------------

// GetValues is a bulk read on one node.
type GetValues struct {
	base
	Bucket        string
	Keys          []string
	PredicateType string
	PredicateExpr string
}

func NewGetValues(bucket string, keys []string, predicateType, predicateExpr string) *GetValues {
	return &GetValues{base: newBase(), Bucket: bucket, Keys: keys, PredicateType: predicateType, PredicateExpr: predicateExpr}
}

func (c *GetValues) ExecuteOnStore(ctx context.Context, env StoreEnv) (interface{}, error) {
	b, err := env.Store.Get(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return map[string][]byte{}, nil
	}
	var cond store.Condition
	if c.PredicateType != "" {
		cond, err = env.Registry.Condition(c.PredicateType)
		if err != nil {
			return nil, err
		}
	}
	return b.GetValues(ctx, c.Keys, c.PredicateType, c.PredicateExpr, cond)
}

// GetKeys returns all keys owned by the receiving node in a bucket.
type GetKeys struct {
	base
	Bucket string
}

func NewGetKeys(bucket string) *GetKeys { return &GetKeys{base: newBase(), Bucket: bucket} }

func (c *GetKeys) ExecuteOnStore(ctx context.Context, env StoreEnv) (interface{}, error) {
	b, err := env.Store.Get(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return []string{}, nil
	}
	return b.Keys(ctx)
}

// GetBuckets returns the bucket-name inventory.
type GetBuckets struct {
	base
}

func NewGetBuckets() *GetBuckets { return &GetBuckets{base: newBase()} }

func (c *GetBuckets) ExecuteOnStore(ctx context.Context, env StoreEnv) (interface{}, error) {
	return env.Store.Buckets(ctx)
}

// RangeQuery returns an ordered key subset.
type RangeQuery struct {
	base
	Bucket         string
	Range          store.Range
	ComparatorName string
	TimeToLive     time.Duration
}

func NewRangeQuery(bucket string, r store.Range, comparatorName string, ttl time.Duration) *RangeQuery {
	return &RangeQuery{base: newBase(), Bucket: bucket, Range: r, ComparatorName: comparatorName, TimeToLive: ttl}
}

func (c *RangeQuery) ExecuteOnStore(ctx context.Context, env StoreEnv) (interface{}, error) {
	b, err := env.Store.Get(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return []string{}, nil
	}
	cmp, err := env.Registry.Comparator(c.ComparatorName)
	if err != nil {
		return nil, err
	}
	return b.KeysInRange(ctx, c.Range, cmp, c.TimeToLive)
}

// UpdateCmd is a read-modify-write request with a timeout. It returns an
// empty result on success; callers re-read the value with a subsequent
// GetValue.
type UpdateCmd struct {
	base
	Bucket string
	Key    string
	Update store.Update
}

func NewUpdate(bucket, key string, upd store.Update) *UpdateCmd {
	return &UpdateCmd{base: newBase(), Bucket: bucket, Key: key, Update: upd}
}

func (c *UpdateCmd) ExecuteOnRouter(ctx context.Context, r Router) (interface{}, error) {
	n, err := r.RouteToNodeFor(c.Bucket, c.Key)
	if err != nil {
		return nil, err
	}
	return n.Send(ctx, c)
}

func (c *UpdateCmd) ExecuteOnStore(ctx context.Context, env StoreEnv) (interface{}, error) {
	fn, err := env.Registry.Function(c.Update.FunctionName)
	if err != nil {
		return nil, err
	}
	b, err := env.Store.GetOrCreate(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(c.Update.TimeoutMs) * time.Millisecond
	if err := b.Update(ctx, c.Key, c.Update, fn, timeout); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

// Membership returns the local cluster's View; sent directly by
// Discovery to a node, never routed.
type Membership struct {
	base
}

func NewMembership() *Membership { return &Membership{base: newBase()} }

func (c *Membership) ExecuteOnStore(_ context.Context, env StoreEnv) (interface{}, error) {
	if env.LocalView == nil {
		return ensemble.View{}, nil
	}
	return env.LocalView(), nil
}
