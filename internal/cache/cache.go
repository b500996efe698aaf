// Package cache backs the RangeQuery TTL-gated snapshot window: a range
// query may be served from a cached snapshot of the key index taken
// within the last timeToLive window instead of recomputing it. The
// Redis-backed implementation follows the client's documented
// Get/Set surface; the in-memory implementation is a plain
// mutex-guarded map with lazy expiry.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Snapshot is a TTL-gated cache keyed by (bucket, range, comparator): the
// same key set a range query would otherwise recompute on every call
// within the ttl window.
type Snapshot interface {
	// Get returns the cached key slice and true if a fresh-enough entry
	// exists for key.
	Get(ctx context.Context, key string) ([]string, bool)
	// Put stores keys under key, valid for ttl. ttl<=0 stores nothing,
	// matching a timeToLive of 0 meaning "force fresh compute".
	Put(ctx context.Context, key string, keys []string, ttl time.Duration)
}

// MemorySnapshot is the default, in-process TTL cache.
type MemorySnapshot struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	keys      []string
	expiresAt time.Time
}

func NewMemorySnapshot() *MemorySnapshot {
	return &MemorySnapshot{entries: make(map[string]memEntry)}
}

func (c *MemorySnapshot) Get(_ context.Context, key string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.keys, true
}

func (c *MemorySnapshot) Put(_ context.Context, key string, keys []string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memEntry{keys: keys, expiresAt: time.Now().Add(ttl)}
}

// RedisSnapshot shares the key-index cache across every node in a cluster
// instead of per-node, so a RangeQuery landing on a different node within
// the ttl window still benefits from the snapshot. Keys are JSON-encoded
// key lists; Redis's own expiry (SET ... EX) enforces the ttl, so this
// type carries no local bookkeeping of its own.
type RedisSnapshot struct {
	client *redis.Client
	prefix string
}

func NewRedisSnapshot(client *redis.Client, prefix string) *RedisSnapshot {
	return &RedisSnapshot{client: client, prefix: prefix}
}

func (c *RedisSnapshot) Get(ctx context.Context, key string) ([]string, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, false
	}
	return keys, true
}

func (c *RedisSnapshot) Put(ctx context.Context, key string, keys []string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.prefix+key, raw, ttl)
}
