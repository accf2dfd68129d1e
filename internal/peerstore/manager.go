package peerstore

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// DefaultLivenessSweepInterval is the 30s liveness sweep cadence from
// spec.md §4.7.
const DefaultLivenessSweepInterval = 30 * time.Second

// TrustPenalizer applies a timeout penalty to a peer's trust score;
// satisfied by internal/trust.Engine. Kept as a narrow interface so
// peerstore does not import trust and create a cyclic dependency
// between collaborators (spec.md §9 "cyclic ownership").
type TrustPenalizer interface {
	PenalizeTimeout(id meshnet.NodeID)
}

// Manager holds known_peers and active_peers and implements admission,
// eviction, liveness, and discovery ordering per spec.md §4.7.
type Manager struct {
	log   *zap.Logger
	store Store
	self  meshnet.NodeID

	MaxPeers    int
	MinPeers    int
	PeerTimeout time.Duration
	MinTrust    float64

	bootstrap []string

	mu           sync.RWMutex
	known        map[meshnet.NodeID]*Peer
	active       map[meshnet.NodeID]struct{}
	connectedBy  map[string]meshnet.NodeID // address -> node id, for bootstrap-connected check

	penalizer TrustPenalizer
	now       func() time.Time
}

// NewManager constructs a Manager seeded from the store's known peers.
func NewManager(ctx context.Context, store Store, self meshnet.NodeID, bootstrap []string, log *zap.Logger) (*Manager, error) {
	m := &Manager{
		log:         log.Named("peerstore"),
		store:       store,
		self:        self,
		MaxPeers:    64,
		MinPeers:    4,
		PeerTimeout: 5 * time.Minute,
		MinTrust:    0.1,
		bootstrap:   bootstrap,
		known:       make(map[meshnet.NodeID]*Peer),
		active:      make(map[meshnet.NodeID]struct{}),
		connectedBy: make(map[string]meshnet.NodeID),
		now:         time.Now,
	}

	peers, err := store.GetAllPeers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range peers {
		p := peers[i]
		if p.NodeID == self {
			continue
		}
		m.known[p.NodeID] = &p
	}
	return m, nil
}

// SetPenalizer wires the trust engine's timeout-penalty collaborator.
func (m *Manager) SetPenalizer(p TrustPenalizer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.penalizer = p
}

// Observe records a peer seen on the wire, updating last-seen and
// attempting admission into the active set. Self is never admitted.
func (m *Manager) Observe(ctx context.Context, p Peer) error {
	if p.NodeID == m.self {
		return nil
	}
	p.LastSeen = m.now()

	m.mu.Lock()
	existing, known := m.known[p.NodeID]
	if known {
		existing.LastSeen = p.LastSeen
		existing.Address = p.Address
		if len(p.PublicKey) > 0 {
			existing.PublicKey = p.PublicKey
		}
	} else {
		if p.FirstSeen.IsZero() {
			p.FirstSeen = p.LastSeen
		}
		if p.TrustScore == 0 {
			p.TrustScore = 0.5
		}
		cp := p
		m.known[p.NodeID] = &cp
		existing = &cp
	}
	m.mu.Unlock()

	if err := m.store.SavePeer(ctx, *existing); err != nil {
		return err
	}
	m.admit(p.NodeID)
	return nil
}

// admit applies the admission rule from spec.md §4.7: accept while
// under MaxPeers, else accept only by evicting the active peer with
// the lowest trust, and only if the candidate beats it.
func (m *Manager) admit(id meshnet.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[id]; ok {
		return
	}
	candidate, ok := m.known[id]
	if !ok {
		return
	}

	if len(m.active) < m.MaxPeers {
		m.active[id] = struct{}{}
		return
	}

	var minID meshnet.NodeID
	minTrust := candidate.TrustScore
	found := false
	for activeID := range m.active {
		p, ok := m.known[activeID]
		if !ok {
			continue
		}
		if !found || p.TrustScore < minTrust {
			minTrust = p.TrustScore
			minID = activeID
			found = true
		}
	}
	if found && candidate.TrustScore > minTrust {
		delete(m.active, minID)
		m.active[id] = struct{}{}
	}
}

// ActiveCount returns the number of currently active peers.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// KnownCount returns the number of known peers.
func (m *Manager) KnownCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.known)
}

// Sweep evicts active peers that have exceeded PeerTimeout and applies
// a trust timeout penalty to each (spec.md §4.7).
func (m *Manager) Sweep(ctx context.Context) []meshnet.NodeID {
	m.mu.Lock()
	cutoff := m.now().Add(-m.PeerTimeout)
	var evicted []meshnet.NodeID
	for id := range m.active {
		p, ok := m.known[id]
		if !ok || p.LastSeen.Before(cutoff) {
			delete(m.active, id)
			evicted = append(evicted, id)
		}
	}
	penalizer := m.penalizer
	m.mu.Unlock()

	if penalizer != nil {
		for _, id := range evicted {
			penalizer.PenalizeTimeout(id)
		}
	}
	return evicted
}

// DiscoveryCandidates yields dial targets per spec.md §4.7's order:
// bootstrap nodes not currently connected, then disconnected known
// peers meeting the trust floor sorted by (trust desc, last-seen desc).
// Returns nil if already at MinPeers.
func (m *Manager) DiscoveryCandidates() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.active) >= m.MinPeers {
		return nil
	}

	connectedAddrs := make(map[string]struct{}, len(m.active))
	for id := range m.active {
		if p, ok := m.known[id]; ok {
			connectedAddrs[p.Address] = struct{}{}
		}
	}

	var out []string
	for _, addr := range m.bootstrap {
		if _, connected := connectedAddrs[addr]; !connected {
			out = append(out, addr)
		}
	}

	type candidate struct {
		addr     string
		trust    float64
		lastSeen time.Time
	}
	var disconnected []candidate
	for id, p := range m.known {
		if _, active := m.active[id]; active {
			continue
		}
		if p.TrustScore < m.MinTrust {
			continue
		}
		disconnected = append(disconnected, candidate{p.Address, p.TrustScore, p.LastSeen})
	}
	sort.Slice(disconnected, func(i, j int) bool {
		if disconnected[i].trust != disconnected[j].trust {
			return disconnected[i].trust > disconnected[j].trust
		}
		return disconnected[i].lastSeen.After(disconnected[j].lastSeen)
	})
	for _, c := range disconnected {
		out = append(out, c.addr)
	}
	return out
}

// GetRandomPeers returns up to n active peers chosen uniformly without
// replacement, excluding the given ids; the gossip fanout source.
func (m *Manager) GetRandomPeers(n int, exclude map[meshnet.NodeID]struct{}) []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool := make([]Peer, 0, len(m.active))
	for id := range m.active {
		if _, skip := exclude[id]; skip {
			continue
		}
		if p, ok := m.known[id]; ok {
			pool = append(pool, *p)
		}
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n > len(pool) {
		n = len(pool)
	}
	return pool[:n]
}

// GetTrustedPeers returns active peers with trust score >= min.
func (m *Manager) GetTrustedPeers(min float64) []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Peer
	for id := range m.active {
		if p, ok := m.known[id]; ok && p.TrustScore >= min {
			out = append(out, *p)
		}
	}
	return out
}

// Get returns a known peer by id.
func (m *Manager) Get(id meshnet.NodeID) (Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.known[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// SetTrust updates a known peer's in-memory trust score; persistence is
// the trust engine's responsibility via the Store interface.
func (m *Manager) SetTrust(id meshnet.NodeID, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.known[id]; ok {
		p.TrustScore = score
	}
}

// AddCandidate registers a discovered address (from mDNS or gossip) as
// a known-but-unverified peer, without admitting it into the active
// set until a handshake completes.
func (m *Manager) AddCandidate(id meshnet.NodeID, address string) {
	if id == m.self {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.known[id]; ok {
		return
	}
	m.known[id] = &Peer{
		NodeID:     id,
		Address:    address,
		FirstSeen:  m.now(),
		LastSeen:   m.now(),
		TrustScore: 0.5,
	}
}
