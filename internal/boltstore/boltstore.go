// Package boltstore is a BoltDB-backed implementation of
// peerstore.Store, the reference persistence adapter for spec.md §4.6.
//
// Schema (BoltDB bucket layout), matching spec.md §6's logical tables:
//
//	/peers
//	    key:   node_id
//	    value: JSON-encoded peerRecord
//
//	/messages_seen
//	    key:   message_id
//	    value: JSON-encoded seenRecord
//
//	/trust_events
//	    key:   fixed-width UTC nanosecond timestamp + "_" + node_id  (sortable, unique enough)
//	    value: JSON-encoded peerstore.TrustEvent
//
//	/network_state
//	    key:   arbitrary state key
//	    value: raw bytes
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/shurlinet/meshveil/internal/peerstore"
	"github.com/shurlinet/meshveil/pkg/meshnet"
)

const (
	bucketPeers        = "peers"
	bucketMessagesSeen = "messages_seen"
	bucketTrustEvents  = "trust_events"
	bucketNetworkState = "network_state"
)

// Store wraps a BoltDB instance implementing peerstore.Store.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at path and initializes
// its buckets.
func Open(path string) (*Store, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %q: %w", path, err)
	}

	s := &Store{db: bdb}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketPeers, bucketMessagesSeen, bucketTrustEvents, bucketNetworkState} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		bdb.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying BoltDB file handle.
func (s *Store) Close() error { return s.db.Close() }

type peerRecord struct {
	NodeID          string    `json:"node_id"`
	Address         string    `json:"address"`
	PublicKey       []byte    `json:"public_key"`
	LastSeen        time.Time `json:"last_seen"`
	FirstSeen       time.Time `json:"first_seen"`
	TrustScore      float64   `json:"trust_score"`
	ValidMessages   int64     `json:"valid_messages"`
	InvalidMessages int64     `json:"invalid_messages"`
}

func toRecord(p peerstore.Peer) peerRecord {
	return peerRecord{
		NodeID:          string(p.NodeID),
		Address:         p.Address,
		PublicKey:       p.PublicKey,
		LastSeen:        p.LastSeen,
		FirstSeen:       p.FirstSeen,
		TrustScore:      p.TrustScore,
		ValidMessages:   p.ValidMessages,
		InvalidMessages: p.InvalidMessages,
	}
}

func (r peerRecord) toPeer() peerstore.Peer {
	return peerstore.Peer{
		NodeID:          meshnet.NodeID(r.NodeID),
		Address:         r.Address,
		PublicKey:       r.PublicKey,
		LastSeen:        r.LastSeen,
		FirstSeen:       r.FirstSeen,
		TrustScore:      r.TrustScore,
		ValidMessages:   r.ValidMessages,
		InvalidMessages: r.InvalidMessages,
	}
}

// SavePeer upserts a peer record.
func (s *Store) SavePeer(_ context.Context, p peerstore.Peer) error {
	data, err := json.Marshal(toRecord(p))
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPeers)).Put([]byte(p.NodeID), data)
	})
}

// GetPeer looks up a single peer record.
func (s *Store) GetPeer(_ context.Context, id meshnet.NodeID) (peerstore.Peer, bool, error) {
	var rec peerRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketPeers)).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil || !found {
		return peerstore.Peer{}, false, err
	}
	return rec.toPeer(), true, nil
}

// GetAllPeers returns every persisted peer record.
func (s *Store) GetAllPeers(_ context.Context) ([]peerstore.Peer, error) {
	var out []peerstore.Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPeers)).ForEach(func(_, raw []byte) error {
			var rec peerRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			out = append(out, rec.toPeer())
			return nil
		})
	})
	return out, err
}

// GetTrustedPeers returns persisted peers with trust score >= min.
func (s *Store) GetTrustedPeers(ctx context.Context, min float64) ([]peerstore.Peer, error) {
	all, err := s.GetAllPeers(ctx)
	if err != nil {
		return nil, err
	}
	var out []peerstore.Peer
	for _, p := range all {
		if p.TrustScore >= min {
			out = append(out, p)
		}
	}
	return out, nil
}

// UpdatePeerTrust rewrites a peer's trust score in place. A sender the
// store has never seen (e.g. penalized for a forged message before any
// handshake admitted it) gets a minimal stub record rather than an
// error, so the penalty is never lost.
func (s *Store) UpdatePeerTrust(ctx context.Context, id meshnet.NodeID, score float64) error {
	p, ok, err := s.GetPeer(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		p = peerstore.Peer{NodeID: id, FirstSeen: time.Now()}
	}
	p.TrustScore = score
	return s.SavePeer(ctx, p)
}

// RemovePeer deletes a peer record.
func (s *Store) RemovePeer(_ context.Context, id meshnet.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPeers)).Delete([]byte(id))
	})
}

// IncrementPeerStats adds to a peer's valid/invalid message counters,
// same stub-on-unknown-sender behavior as UpdatePeerTrust.
func (s *Store) IncrementPeerStats(ctx context.Context, id meshnet.NodeID, valid, invalid int64) error {
	p, ok, err := s.GetPeer(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		p = peerstore.Peer{NodeID: id, FirstSeen: time.Now()}
	}
	p.ValidMessages += valid
	p.InvalidMessages += invalid
	return s.SavePeer(ctx, p)
}

type seenRecord struct {
	Timestamp time.Time `json:"timestamp"`
	SenderID  string    `json:"sender_id"`
}

// HasSeenMessage reports whether a message id has already been recorded.
func (s *Store) HasSeenMessage(_ context.Context, id string) (bool, error) {
	seen := false
	err := s.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket([]byte(bucketMessagesSeen)).Get([]byte(id)) != nil
		return nil
	})
	return seen, err
}

// MarkMessageSeen records a message id as delivered.
func (s *Store) MarkMessageSeen(_ context.Context, id string, sender meshnet.NodeID) error {
	data, err := json.Marshal(seenRecord{Timestamp: time.Now(), SenderID: string(sender)})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMessagesSeen)).Put([]byte(id), data)
	})
}

// CleanupOldMessages prunes seen-message records older than maxAge.
func (s *Store) CleanupOldMessages(_ context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMessagesSeen))
		var stale [][]byte
		err := b.ForEach(func(k, raw []byte) error {
			var rec seenRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if rec.Timestamp.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// trustEventKeyLayout is a fixed-width UTC timestamp layout, so that
// trust_events keys sort lexically in chronological order.
const trustEventKeyLayout = "2006-01-02T15:04:05.000000000Z"

// LogTrustEvent appends one trust event record.
func (s *Store) LogTrustEvent(_ context.Context, id meshnet.NodeID, kind string, delta float64, reason string) error {
	ev := peerstore.TrustEvent{NodeID: id, Kind: kind, Delta: delta, Timestamp: time.Now(), Reason: reason}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s_%s", ev.Timestamp.UTC().Format(trustEventKeyLayout), id)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTrustEvents)).Put([]byte(key), data)
	})
}

// GetTrustHistory returns up to limit most-recent trust events for id.
func (s *Store) GetTrustHistory(_ context.Context, id meshnet.NodeID, limit int) ([]peerstore.TrustEvent, error) {
	var matches []peerstore.TrustEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketTrustEvents)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var ev peerstore.TrustEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.NodeID != id {
				continue
			}
			matches = append(matches, ev)
			if limit > 0 && len(matches) >= limit {
				break
			}
		}
		return nil
	})
	return matches, err
}

// SetState stores an arbitrary key/value pair in network_state.
func (s *Store) SetState(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketNetworkState)).Put([]byte(key), value)
	})
}

// GetState retrieves a value previously stored with SetState.
func (s *Store) GetState(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketNetworkState)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		out = append([]byte(nil), raw...)
		return nil
	})
	return out, found, err
}

var _ peerstore.Store = (*Store)(nil)
