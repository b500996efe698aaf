package ring

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("node-%03d", i)
	}
	return names
}

// Two independent ring constructions over the same node set must agree on
// every lookup.
func TestRingDeterminism(t *testing.T) {
	nodes := nodeNames(7)
	r1 := New(nodes)
	r2 := New(nodes)

	for i := 0; i < 500; i++ {
		bucket := fmt.Sprintf("bucket-%d", i%5)
		key := fmt.Sprintf("key-%d", i)
		n1, ok1 := r1.GetNode(bucket, key)
		n2, ok2 := r2.GetNode(bucket, key)
		require.True(t, ok1)
		require.True(t, ok2)
		assert.Equal(t, n1, n2)
	}
}

// With 1024 slots and n uniformly named nodes, ownership should be
// balanced within 2*sqrt(Slots) of Slots/n.
func TestRingBalance(t *testing.T) {
	nodes := nodeNames(8)
	r := New(nodes)

	counts := make(map[string]int)
	for _, s := range r.slots {
		counts[s.node]++
	}

	expected := float64(Slots) / float64(len(nodes))
	tolerance := math.Sqrt(Slots) * 2
	for _, n := range nodes {
		got := float64(counts[n])
		assert.InDeltaf(t, expected, got, tolerance, "node %s owns %d slots, want ~%v", n, counts[n], expected)
	}
}

func TestRingEmpty(t *testing.T) {
	r := New(nil)
	_, ok := r.GetNode("b", "k")
	assert.False(t, ok)
}

func TestRingSingleNodeOwnsLookup(t *testing.T) {
	r := New([]string{"solo"})
	node, ok := r.GetNode("any-bucket", "any-key")
	require.True(t, ok)
	assert.Equal(t, "solo", node)
}

func TestRingSignatureStableAcrossOrder(t *testing.T) {
	r1 := New([]string{"a", "b", "c"})
	r2 := New([]string{"c", "a", "b"})
	assert.Equal(t, r1.Signature(), r2.Signature())

	r3 := New([]string{"a", "b"})
	assert.NotEqual(t, r1.Signature(), r3.Signature())
}
