package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemorySnapshotPutThenGet(t *testing.T) {
	ctx := context.Background()
	c := NewMemorySnapshot()

	c.Put(ctx, "k1", []string{"a", "b"}, time.Minute)
	got, ok := c.Get(ctx, "k1")
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestMemorySnapshotMissReturnsFalse(t *testing.T) {
	c := NewMemorySnapshot()
	_, ok := c.Get(context.Background(), "absent")
	assert.False(t, ok)
}

func TestMemorySnapshotExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemorySnapshot()

	c.Put(ctx, "k1", []string{"a"}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestMemorySnapshotZeroTTLStoresNothing(t *testing.T) {
	ctx := context.Background()
	c := NewMemorySnapshot()

	c.Put(ctx, "k1", []string{"a"}, 0)
	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)
}
