// Package workpool provides the bounded worker pool a LocalNode dispatches
// through, and two data-parallel primitives: ParallelMap (fan-out over
// independent items) and ParallelMerge (a divide-and-conquer pairwise
// merge of ordered sets), both built from goroutines and sync.WaitGroup.
package workpool

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Pool is a bounded worker pool: at most Size goroutines run submitted work
// concurrently. LocalNode.Send dispatches commands through it.
type Pool struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

// NewPool creates a pool with the given concurrency bound. If ratePerSec is
// > 0, admission into the pool is additionally throttled to that rate.
// Only work submitted through the pool (LocalNode.Send) is throttled;
// commands arriving over a node Listener run without it.
func NewPool(size int, ratePerSec float64) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{sem: make(chan struct{}, size)}
	if ratePerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(ratePerSec), size)
	}
	return p
}

// Submit runs fn on the calling goroutine while holding a pool slot,
// blocking the caller until a slot is free
// (and, if a limiter is configured, until the rate allows it) or ctx is
// done. It returns whatever fn returns.
func (p *Pool) Submit(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()
	return fn()
}

// MapResult pairs an input item's index with the result of applying mapFn
// to it, so callers can recover ordering or per-item failures after the
// fan-out completes.
type MapResult struct {
	Index int
	Value interface{}
	Err   error
}

// ParallelMap applies mapFn to each item independently and concurrently,
// then returns all results (in item order, not completion order). It does
// not itself bound concurrency — callers that need a bound should route
// mapFn through a Pool.
func ParallelMap(items []interface{}, mapFn func(item interface{}) (interface{}, error)) []MapResult {
	results := make([]MapResult, len(items))
	var wg sync.WaitGroup
	wg.Add(len(items))
	for i, item := range items {
		go func(i int, item interface{}) {
			defer wg.Done()
			v, err := mapFn(item)
			results[i] = MapResult{Index: i, Value: v, Err: err}
		}(i, item)
	}
	wg.Wait()
	return results
}

// OrderedSet is any slice of comparable-by-Comparator keys that
// ParallelMerge can merge pairwise.
type OrderedSet []string

// ParallelMerge merges k already-ordered sets into one, preserving the
// order cmp defines, using a divide-and-conquer pairwise reduction over
// goroutines: base case size<=1 returns identity, size==2 merges the
// pair directly, otherwise the input is split in half, each half merged
// concurrently, and the two merged halves are merged together.
func ParallelMerge(sets []OrderedSet, less func(a, b string) bool) OrderedSet {
	switch len(sets) {
	case 0:
		return OrderedSet{}
	case 1:
		return sets[0]
	case 2:
		return mergeTwo(sets[0], sets[1], less)
	}

	mid := len(sets) / 2
	var left, right OrderedSet
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		left = ParallelMerge(sets[:mid], less)
	}()
	go func() {
		defer wg.Done()
		right = ParallelMerge(sets[mid:], less)
	}()
	wg.Wait()
	return mergeTwo(left, right, less)
}

func mergeTwo(a, b OrderedSet, less func(a, b string) bool) OrderedSet {
	out := make(OrderedSet, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			if !seen[a[i]] {
				out = append(out, a[i])
				seen[a[i]] = true
			}
			i++
			j++
		case less(a[i], b[j]):
			if !seen[a[i]] {
				out = append(out, a[i])
				seen[a[i]] = true
			}
			i++
		default:
			if !seen[b[j]] {
				out = append(out, b[j])
				seen[b[j]] = true
			}
			j++
		}
	}
	for ; i < len(a); i++ {
		if !seen[a[i]] {
			out = append(out, a[i])
			seen[a[i]] = true
		}
	}
	for ; j < len(b); j++ {
		if !seen[b[j]] {
			out = append(out, b[j])
			seen[b[j]] = true
		}
	}
	return out
}
