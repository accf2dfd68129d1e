package dht

import (
	"sync"
	"time"

	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// NodeInfo is a routing-table contact: a DHT address paired with the
// dialable meshnet identity behind it.
type NodeInfo struct {
	ID       ID
	NodeID   meshnet.NodeID
	Address  string
	LastSeen time.Time
}

// KBucket holds up to k contacts at a given XOR-distance range, with a
// same-size replacement cache for contacts learned while full
// (spec.md §2 "K-bucket").
type KBucket struct {
	k int

	mu               sync.Mutex
	nodes            []NodeInfo
	replacementCache []NodeInfo
}

// NewKBucket constructs an empty bucket with capacity k.
func NewKBucket(k int) *KBucket {
	return &KBucket{k: k}
}

// AddNode refreshes an existing contact (moving it to most-recently-seen
// position), appends a new one if there is room, or else queues it in
// the replacement cache. Returns true if the bucket now holds the node.
func (b *KBucket) AddNode(n NodeInfo) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.nodes {
		if existing.ID == n.ID {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			b.nodes = append(b.nodes, n)
			return true
		}
	}

	if len(b.nodes) < b.k {
		b.nodes = append(b.nodes, n)
		return true
	}

	b.replacementCache = append(b.replacementCache, n)
	if len(b.replacementCache) > b.k {
		b.replacementCache = b.replacementCache[1:]
	}
	return false
}

// RemoveNode evicts a contact by id, promoting the oldest replacement
// candidate into its place if one is queued.
func (b *KBucket) RemoveNode(id ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, n := range b.nodes {
		if n.ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			if len(b.replacementCache) > 0 {
				b.nodes = append(b.nodes, b.replacementCache[0])
				b.replacementCache = b.replacementCache[1:]
			}
			return true
		}
	}
	return false
}

// Nodes returns a snapshot copy of the bucket's contacts.
func (b *KBucket) Nodes() []NodeInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]NodeInfo, len(b.nodes))
	copy(out, b.nodes)
	return out
}

// IsFull reports whether the bucket holds k contacts.
func (b *KBucket) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.nodes) >= b.k
}

// ReplacementCacheSize reports the number of contacts queued as
// replacements, for diagnostics.
func (b *KBucket) ReplacementCacheSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.replacementCache)
}
