package ring

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Slots is the fixed number of hash-ring slots per cluster.
const Slots = 1024

type slot struct {
	value uint32
	index int
	node  string
}

// Ring is the per-cluster consistent hash ring.
// A zero Ring has no nodes and GetNode always misses. Setup swaps the
// ring's contents in place under a lock: every holder of the *Ring sees
// the new ring once Setup returns, and no lookup sees a partial rebuild.
type Ring struct {
	mu        sync.RWMutex
	slots     []slot
	nodeNames []string
	signature string
}

// New builds a ring already populated with nodes, equivalent to calling
// Setup on a zero Ring.
func New(nodes []string) *Ring {
	r := &Ring{}
	r.Setup(nodes)
	return r
}

// Setup rebuilds the ring from scratch over the given node name set. It is
// safe to call concurrently with GetNode; in-flight lookups either see the
// ring before or after the rebuild, never a partially built one.
func (r *Ring) Setup(nodes []string) {
	names := append([]string(nil), nodes...)
	sort.Strings(names)

	slots := make([]slot, 0, Slots)
	if len(names) > 0 {
		var idxbuf [4]byte
		for i := 0; i < Slots; i++ {
			node := names[i%len(names)]
			binary.BigEndian.PutUint32(idxbuf[:], uint32(i))
			key := make([]byte, 0, len(node)+4)
			key = append(key, node...)
			key = append(key, idxbuf[:]...)
			slots = append(slots, slot{value: Hash(key), index: i, node: node})
		}
		sort.SliceStable(slots, func(a, b int) bool {
			if slots[a].value != slots[b].value {
				return slots[a].value < slots[b].value
			}
			return slots[a].index < slots[b].index
		})
	}

	sig := computeSignature(names)

	r.mu.Lock()
	r.slots = slots
	r.nodeNames = names
	r.signature = sig
	r.mu.Unlock()
}

// GetNode resolves (bucket, key) to the node owning that slot. The empty
// key is a valid input for bucket-only lookups. ok is false if the ring
// has no nodes.
func (r *Ring) GetNode(bucket, key string) (node string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.slots) == 0 {
		return "", false
	}

	target := Hash([]byte(bucket + key))
	i := sort.Search(len(r.slots), func(i int) bool {
		return r.slots[i].value >= target
	})
	if i == len(r.slots) {
		i = 0 // wrap
	}
	return r.slots[i].node, true
}

// Nodes returns the sorted node-name set the ring was last built from.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.nodeNames...)
}

// Signature is a fingerprint of the current node-name set. It travels in
// the inter-node handshake token only; the accepting Listener does not
// compare it against its own ring.
func (r *Ring) Signature() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.signature
}

func computeSignature(sortedNames []string) string {
	sum := blake2b.Sum256([]byte(strings.Join(sortedNames, "\x00")))
	return hex.EncodeToString(sum[:8])
}
