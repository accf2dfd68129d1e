// Package dht implements the Kademlia-style distributed hash table
// described in spec.md §4.10: XOR routing over a 160-bit SHA-1 space,
// k-buckets, iterative FIND_VALUE lookup, and replicated storage.
package dht

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// IDLength is the width in bytes of the DHT's 160-bit address space.
const IDLength = 20

// ID is a point in the DHT's 160-bit SHA-1 address space. It is
// intentionally distinct from meshnet.NodeID (a 64-bit prefix of a
// SHA-256 public-key hash) per spec.md §2's "implementations MUST keep
// these two spaces distinct".
type ID [IDLength]byte

// HashKey maps an arbitrary storage key into the DHT address space.
func HashKey(key string) ID {
	return ID(sha1.Sum([]byte(key)))
}

// IDForNode maps a meshnet NodeID into the DHT address space, the same
// way a lookup target is derived from a storage key.
func IDForNode(id meshnet.NodeID) ID {
	return ID(sha1.Sum([]byte(id)))
}

// ParseID decodes a 40-character hex string into an ID.
func ParseID(s string) (ID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("dht: parse id: %w", err)
	}
	if len(raw) != IDLength {
		return ID{}, fmt.Errorf("dht: id must be %d bytes, got %d", IDLength, len(raw))
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

// String renders the id as lowercase hex (spec.md §6 "hex160").
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) big() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// Distance computes the XOR distance between two DHT addresses.
func Distance(a, b ID) *big.Int {
	return new(big.Int).Xor(a.big(), b.big())
}

// BucketIndex returns the k-bucket index for an XOR distance: bucket 0
// for distance 0, otherwise bit_length(distance)-1, clamped to the top
// bucket (spec.md §4.10).
func BucketIndex(distance *big.Int) int {
	if distance.Sign() == 0 {
		return 0
	}
	idx := distance.BitLen() - 1
	if idx > IDLength*8-1 {
		idx = IDLength*8 - 1
	}
	return idx
}

func less(a, b *big.Int) bool {
	return a.Cmp(b) < 0
}
