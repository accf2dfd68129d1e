// Package peerstore holds the peer record schema, the Store
// persistence contract external collaborators implement, and the peer
// manager that tracks known/active peers and drives admission,
// eviction, and discovery (spec.md §4.6, §4.7).
package peerstore

import (
	"context"
	"time"

	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// Peer is the persisted peer record described in spec.md §3.
type Peer struct {
	NodeID          meshnet.NodeID
	Address         string // host:port
	PublicKey       []byte
	LastSeen        time.Time
	FirstSeen       time.Time
	TrustScore      float64
	ValidMessages   int64
	InvalidMessages int64
}

// TrustEvent is one entry in a peer's trust history (spec.md §6
// "trust_events" table).
type TrustEvent struct {
	NodeID    meshnet.NodeID
	Kind      string
	Delta     float64
	Timestamp time.Time
	Reason    string
}

// Store is the persistence interface the core consumes, per spec.md
// §4.6. Implementations may be asynchronous internally but each
// operation must be atomic. internal/boltstore provides a reference
// implementation.
type Store interface {
	SavePeer(ctx context.Context, p Peer) error
	GetPeer(ctx context.Context, id meshnet.NodeID) (Peer, bool, error)
	GetAllPeers(ctx context.Context) ([]Peer, error)
	GetTrustedPeers(ctx context.Context, min float64) ([]Peer, error)
	// UpdatePeerTrust and IncrementPeerStats must upsert rather than
	// fail when id has no existing record (spec.md §7 SignatureInvalid:
	// "Sender penalized" applies even to a sender never admitted as a
	// peer), creating a minimal stub record so the trust engine can
	// penalize a forging unknown sender.
	UpdatePeerTrust(ctx context.Context, id meshnet.NodeID, score float64) error
	RemovePeer(ctx context.Context, id meshnet.NodeID) error
	IncrementPeerStats(ctx context.Context, id meshnet.NodeID, valid, invalid int64) error

	HasSeenMessage(ctx context.Context, id string) (bool, error)
	MarkMessageSeen(ctx context.Context, id string, sender meshnet.NodeID) error
	CleanupOldMessages(ctx context.Context, maxAge time.Duration) error

	LogTrustEvent(ctx context.Context, id meshnet.NodeID, kind string, delta float64, reason string) error
	GetTrustHistory(ctx context.Context, id meshnet.NodeID, limit int) ([]TrustEvent, error)

	SetState(ctx context.Context, key string, value []byte) error
	GetState(ctx context.Context, key string) ([]byte, bool, error)

	Close() error
}
