package service

import (
	"context"
	"fmt"
	"time"

	"github.com/terrastore-go/terrastore/internal/cache"
	"github.com/terrastore-go/terrastore/internal/command"
	"github.com/terrastore-go/terrastore/internal/node"
	"github.com/terrastore-go/terrastore/internal/registry"
	"github.com/terrastore-go/terrastore/internal/router"
	"github.com/terrastore-go/terrastore/internal/store"
	"github.com/terrastore-go/terrastore/internal/workpool"
)

// QueryService implements the fan-out read operations. Unlike
// UpdateService it needs the concrete Router (BroadcastRoute,
// RouteToNodesFor) rather than the narrow command.Router capability a
// single point op resolves against.
type QueryService struct {
	router   *router.Router
	registry *registry.Registry
	snapshot cache.Snapshot
}

func NewQueryService(r *router.Router, reg *registry.Registry, snapshot cache.Snapshot) *QueryService {
	if snapshot == nil {
		snapshot = cache.NewMemorySnapshot()
	}
	return &QueryService{router: r, registry: reg, snapshot: snapshot}
}

// GetValue is a single-node send, no fan-out.
func (s *QueryService) GetValue(ctx context.Context, bucket, key, predicate string) ([]byte, error) {
	predType, expr, _ := registry.ParsePredicate(predicate)
	result, err := command.NewGetValue(bucket, key, predType, expr).ExecuteOnRouter(ctx, s.router)
	if err != nil {
		return nil, err
	}
	v, _ := result.([]byte)
	return v, nil
}

// sendToFirstReachable tries each node in order, returning the first
// success; if every node fails it returns the last error.
func sendToFirstReachable(ctx context.Context, nodes []node.Node, cmd command.StoreCommand) (interface{}, error) {
	var lastErr error
	for _, n := range nodes {
		result, err := n.Send(ctx, cmd)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = store.NewError(store.Unavailable, cmd.RequestID(), "no reachable node")
	}
	return nil, lastErr
}

// GetBuckets unions the bucket inventory across every cluster: per
// cluster, try its nodes in order; an empty per-cluster result is
// acceptable (no node reachable just contributes nothing).
func (s *QueryService) GetBuckets(ctx context.Context) ([]string, error) {
	byCluster := s.router.BroadcastRoute()
	type clusterNodes struct {
		nodes []node.Node
	}
	items := make([]interface{}, 0, len(byCluster))
	for _, nodes := range byCluster {
		items = append(items, clusterNodes{nodes: nodes})
	}

	results := workpool.ParallelMap(items, func(item interface{}) (interface{}, error) {
		cn := item.(clusterNodes)
		result, err := sendToFirstReachable(ctx, cn.nodes, command.NewGetBuckets())
		if err != nil {
			return []string{}, nil // per-cluster miss is acceptable for getBuckets
		}
		names, _ := result.([]string)
		return names, nil
	})

	seen := make(map[string]struct{})
	union := make([]string, 0)
	for _, r := range results {
		names, _ := r.Value.([]string)
		for _, n := range names {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				union = append(union, n)
			}
		}
	}
	return union, nil
}

// GetAllValues collects the bucket's keys across every cluster, then
// fetches their values in a second fan-out pass.
func (s *QueryService) GetAllValues(ctx context.Context, bucket string, limit int) (map[string][]byte, error) {
	keys, err := s.collectKeys(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return s.fetchValues(ctx, bucket, keys, "", "")
}

func (s *QueryService) collectKeys(ctx context.Context, bucket string) ([]string, error) {
	byCluster := s.router.BroadcastRoute()
	items := make([]interface{}, 0, len(byCluster))
	for _, nodes := range byCluster {
		items = append(items, nodes)
	}

	results := workpool.ParallelMap(items, func(item interface{}) (interface{}, error) {
		nodes := item.([]node.Node)
		result, err := sendToFirstReachable(ctx, nodes, command.NewGetKeys(bucket))
		if err != nil {
			return []string{}, nil
		}
		keys, _ := result.([]string)
		return keys, nil
	})

	seen := make(map[string]struct{})
	union := make([]string, 0)
	for _, r := range results {
		keys, _ := r.Value.([]string)
		for _, k := range keys {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				union = append(union, k)
			}
		}
	}
	return union, nil
}

// fetchValues groups keys by owning node and fans out GetValues, unioning
// the partial maps. Shared by getAllValues and queryByPredicate.
func (s *QueryService) fetchValues(ctx context.Context, bucket string, keys []string, predType, predExpr string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	grouped, err := s.router.RouteToNodesFor(bucket, keys)
	if err != nil {
		return nil, err
	}

	type nodeKeys struct {
		n    node.Node
		keys []string
	}
	items := make([]interface{}, 0, len(grouped))
	for n, ks := range grouped {
		items = append(items, nodeKeys{n: n, keys: ks})
	}

	results := workpool.ParallelMap(items, func(item interface{}) (interface{}, error) {
		nk := item.(nodeKeys)
		return nk.n.Send(ctx, command.NewGetValues(bucket, nk.keys, predType, predExpr))
	})

	union := make(map[string][]byte)
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		partial, _ := r.Value.(map[string][]byte)
		for k, v := range partial {
			union[k] = v
		}
	}
	if firstErr != nil && len(union) == 0 {
		return nil, fmt.Errorf("service: all value fetches failed: %w", firstErr)
	}
	return union, nil
}

// QueryByRange resolves the comparator/condition, fans out RangeQuery per
// cluster, merges with the divide-and-conquer pairwise reducer, applies
// the limit, then fetches values in merged
// order.
func (s *QueryService) QueryByRange(ctx context.Context, bucket string, r store.Range, predicate string, limit int, timeToLive time.Duration) ([]string, map[string][]byte, error) {
	if _, err := s.registry.Comparator(r.ComparatorName); err != nil {
		return nil, nil, err
	}
	predType, predExpr, hasPred := registry.ParsePredicate(predicate)
	if hasPred {
		if _, err := s.registry.Condition(predType); err != nil {
			return nil, nil, err
		}
	}

	cacheKey := fmt.Sprintf("%s|%s|%s|%d|%s", bucket, r.StartKey, r.EndKey, r.Limit, r.ComparatorName)

	var merged workpool.OrderedSet
	if cached, ok := s.snapshot.Get(ctx, cacheKey); timeToLive > 0 && ok {
		merged = cached
	} else {
		var err error
		merged, err = s.computeRange(ctx, bucket, r)
		if err != nil {
			return nil, nil, err
		}
		s.snapshot.Put(ctx, cacheKey, merged, timeToLive)
	}

	keys := []string(merged)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	values, err := s.fetchValues(ctx, bucket, keys, predType, predExpr)
	if err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}

func (s *QueryService) computeRange(ctx context.Context, bucket string, r store.Range) (workpool.OrderedSet, error) {
	byCluster := s.router.BroadcastRoute()
	items := make([]interface{}, 0, len(byCluster))
	for _, nodes := range byCluster {
		items = append(items, nodes)
	}

	results := workpool.ParallelMap(items, func(item interface{}) (interface{}, error) {
		nodes := item.([]node.Node)
		result, err := sendToFirstReachable(ctx, nodes, command.NewRangeQuery(bucket, r, r.ComparatorName, 0))
		if err != nil {
			return workpool.OrderedSet{}, nil
		}
		keys, _ := result.([]string)
		return workpool.OrderedSet(keys), nil
	})

	sets := make([]workpool.OrderedSet, 0, len(results))
	for _, res := range results {
		set, _ := res.Value.(workpool.OrderedSet)
		sets = append(sets, set)
	}

	cmp, err := s.registry.Comparator(r.ComparatorName)
	if err != nil {
		return nil, err
	}
	less := func(a, b string) bool { return cmp.Compare(a, b) < 0 }
	return workpool.ParallelMerge(sets, less), nil
}

// QueryByPredicate is getAllValues with a mandatory condition-guarded
// GetValues; result order is unspecified.
func (s *QueryService) QueryByPredicate(ctx context.Context, bucket, predicate string) (map[string][]byte, error) {
	predType, predExpr, hasPred := registry.ParsePredicate(predicate)
	if !hasPred {
		return nil, store.NewError(store.BadRequest, "", "queryByPredicate requires a predicate")
	}
	if _, err := s.registry.Condition(predType); err != nil {
		return nil, err
	}
	keys, err := s.collectKeys(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return s.fetchValues(ctx, bucket, keys, predType, predExpr)
}
