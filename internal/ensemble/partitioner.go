package ensemble

import (
	"errors"
	"sort"

	"github.com/terrastore-go/terrastore/internal/ring"
)

// ErrNoClusters is returned by GetClusterFor when the ensemble is empty.
var ErrNoClusters = errors.New("ensemble: no clusters configured")

// Partitioner is the EnsemblePartitioner: it maps a bucket name to
// exactly one cluster, deterministically, so every node in the ensemble
// agrees on which cluster owns a given bucket.
type Partitioner struct{}

// GetClusterFor selects clusters[hash(bucket) mod len(clusters)] over the
// cluster list sorted by name, so the result does not depend on the order
// clusters were discovered or passed in.
func (Partitioner) GetClusterFor(clusters []Cluster, bucket string) (Cluster, error) {
	if len(clusters) == 0 {
		return Cluster{}, ErrNoClusters
	}
	sorted := append([]Cluster(nil), clusters...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	idx := int(ring.Hash([]byte(bucket)) % uint32(len(sorted)))
	return sorted[idx], nil
}
