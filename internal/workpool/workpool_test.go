package workpool

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lexLess(a, b string) bool { return a < b }

// ParallelMerge of k sorted sets under a comparator should produce the same
// sequence as a sequential sort-merge under the same comparator.
func TestParallelMergeMatchesSequentialSort(t *testing.T) {
	sets := []OrderedSet{
		{"a", "c", "e", "g"},
		{"b", "d", "f"},
		{"a", "h"},
		{},
		{"z"},
	}

	got := ParallelMerge(sets, lexLess)

	var want []string
	seen := map[string]bool{}
	for _, s := range sets {
		for _, k := range s {
			if !seen[k] {
				want = append(want, k)
				seen[k] = true
			}
		}
	}
	sort.Strings(want)

	assert.Equal(t, want, []string(got))
}

func TestParallelMergeSingleAndEmpty(t *testing.T) {
	assert.Equal(t, OrderedSet{}, ParallelMerge(nil, lexLess))
	assert.Equal(t, OrderedSet{"x"}, ParallelMerge([]OrderedSet{{"x"}}, lexLess))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(2, 0)
	var mu sync.Mutex
	current, maxSeen := 0, 0
	var items []interface{}
	for i := 0; i < 6; i++ {
		items = append(items, i)
	}

	results := ParallelMap(items, func(item interface{}) (interface{}, error) {
		return pool.Submit(context.Background(), func() (interface{}, error) {
			mu.Lock()
			current++
			if current > maxSeen {
				maxSeen = current
			}
			mu.Unlock()

			mu.Lock()
			current--
			mu.Unlock()
			return item, nil
		})
	})

	require.Len(t, results, 6)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	assert.LessOrEqual(t, maxSeen, 2)
}
