// Package ring implements the per-cluster consistent hash ring and the
// stable hash function it and the ensemble partitioner are built on.
package ring

import "github.com/spaolacci/murmur3"

// hashSeed is fixed so that every node in the ensemble computes the same
// slot placement for the same node name and the same target for the same
// (bucket, key) pair. It must never change across a cluster's lifetime.
const hashSeed = 0x74657272 // "terr"

// Hash returns a stable 32-bit hash of b, used both for ring slot placement
// and for resolving (bucket, key) lookups against the ring.
func Hash(b []byte) uint32 {
	return murmur3.Sum32WithSeed(b, hashSeed)
}
