// Package memstore is the in-memory reference implementation of
// store.Store, used by local-mode nodes and by the test suite. It mirrors
// the reference server's sync.Map-based topic table (server/hub.go) and
// per-session locking idiom, applied to buckets and per-key update
// serialization instead of chat topics and sessions.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/terrastore-go/terrastore/internal/store"
)

// Store is an in-memory store.Store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{buckets: make(map[string]*bucket)}
}

func (s *Store) Get(_ context.Context, name string) (store.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[name]
	if !ok {
		return nil, nil
	}
	return b, nil
}

func (s *Store) GetOrCreate(_ context.Context, name string) (store.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		b = &bucket{values: make(map[string][]byte), keyLocks: make(map[string]*sync.Mutex)}
		s.buckets[name] = b
	}
	return b, nil
}

func (s *Store) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, name)
	return nil
}

func (s *Store) Buckets(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.buckets))
	for n := range s.buckets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

type bucket struct {
	mu     sync.RWMutex
	values map[string][]byte

	lockMu   sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func (b *bucket) keyLock(key string) *sync.Mutex {
	b.lockMu.Lock()
	defer b.lockMu.Unlock()
	l, ok := b.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		b.keyLocks[key] = l
	}
	return l
}

func (b *bucket) Put(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	return nil
}

func (b *bucket) ConditionalPut(_ context.Context, key string, value []byte, predicateType, predicateExpr string, cond store.Condition) error {
	lock := b.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	b.mu.RLock()
	existing, exists := b.values[key]
	b.mu.RUnlock()

	if exists {
		if predicateType == "" {
			return store.NewError(store.BadRequest, "", "conditional put on existing key requires a predicate")
		}
		ok, err := cond.IsSatisfied(key, existing, predicateExpr)
		if err != nil {
			return store.NewError(store.Internal, "", "condition evaluation failed: %v", err)
		}
		if !ok {
			return store.NewError(store.Conflict, "", "conditional put failed for key %q", key)
		}
	}

	b.mu.Lock()
	b.values[key] = value
	b.mu.Unlock()
	return nil
}

func (b *bucket) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[key]
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	return v, nil
}

func (b *bucket) GetGuarded(ctx context.Context, key string, predicateType, predicateExpr string, cond store.Condition) ([]byte, error) {
	v, err := b.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if predicateType == "" {
		return v, nil
	}
	ok, err := cond.IsSatisfied(key, v, predicateExpr)
	if err != nil {
		return nil, store.NewError(store.Internal, "", "condition evaluation failed: %v", err)
	}
	if !ok {
		return nil, store.NewError(store.Conflict, "", "guard failed for key %q", key)
	}
	return v, nil
}

func (b *bucket) Remove(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	return nil
}

// Update acquires the per-key serialization guard and runs fn within
// timeout. On timeout the update is aborted (the lock is released, the
// store left unmodified) and store.Timeout is surfaced.
func (b *bucket) Update(ctx context.Context, key string, upd store.Update, fn store.Function, timeout time.Duration) error {
	lock := b.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	b.mu.RLock()
	existing := b.values[key]
	b.mu.RUnlock()

	type result struct {
		val []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn.Apply(key, existing, upd.Params)
		done <- result{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return store.NewError(store.Internal, "", "update function %q failed: %v", upd.FunctionName, r.err)
		}
		b.mu.Lock()
		b.values[key] = r.val
		b.mu.Unlock()
		return nil
	case <-timer.C:
		return store.NewError(store.Timeout, "", "update %q on key %q exceeded %s", upd.FunctionName, key, timeout)
	case <-ctx.Done():
		return store.NewError(store.Timeout, "", "update %q on key %q cancelled: %v", upd.FunctionName, key, ctx.Err())
	}
}

func (b *bucket) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.values))
	for k := range b.values {
		keys = append(keys, k)
	}
	return keys, nil
}

func (b *bucket) KeysInRange(ctx context.Context, r store.Range, cmp store.Comparator, _ time.Duration) ([]string, error) {
	keys, err := b.Keys(ctx)
	if err != nil {
		return nil, err
	}
	filtered := keys[:0:0]
	for _, k := range keys {
		if r.StartKey != "" && cmp.Compare(k, r.StartKey) < 0 {
			continue
		}
		if r.EndKey != "" && cmp.Compare(k, r.EndKey) > 0 {
			continue
		}
		filtered = append(filtered, k)
	}
	sort.Slice(filtered, func(i, j int) bool { return cmp.Compare(filtered[i], filtered[j]) < 0 })
	if r.Limit > 0 && len(filtered) > r.Limit {
		filtered = filtered[:r.Limit]
	}
	return filtered, nil
}

func (b *bucket) GetValues(ctx context.Context, keys []string, predicateType, predicateExpr string, cond store.Condition) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := b.GetGuarded(ctx, k, predicateType, predicateExpr, cond)
		if err != nil {
			if oe, ok := err.(*store.OperationError); ok && (oe.Code == store.NotFound || oe.Code == store.Conflict) {
				continue
			}
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
