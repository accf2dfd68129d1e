package peerstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shurlinet/meshveil/pkg/meshnet"
)

type fakeStore struct {
	peers map[meshnet.NodeID]Peer
}

func newFakeStore() *fakeStore { return &fakeStore{peers: make(map[meshnet.NodeID]Peer)} }

func (f *fakeStore) SavePeer(_ context.Context, p Peer) error { f.peers[p.NodeID] = p; return nil }
func (f *fakeStore) GetPeer(_ context.Context, id meshnet.NodeID) (Peer, bool, error) {
	p, ok := f.peers[id]
	return p, ok, nil
}
func (f *fakeStore) GetAllPeers(_ context.Context) ([]Peer, error) {
	out := make([]Peer, 0, len(f.peers))
	for _, p := range f.peers {
		out = append(out, p)
	}
	return out, nil
}
func (f *fakeStore) GetTrustedPeers(_ context.Context, min float64) ([]Peer, error) {
	var out []Peer
	for _, p := range f.peers {
		if p.TrustScore >= min {
			out = append(out, p)
		}
	}
	return out, nil
}
func (f *fakeStore) UpdatePeerTrust(_ context.Context, id meshnet.NodeID, score float64) error {
	p := f.peers[id]
	p.TrustScore = score
	f.peers[id] = p
	return nil
}
func (f *fakeStore) RemovePeer(_ context.Context, id meshnet.NodeID) error {
	delete(f.peers, id)
	return nil
}
func (f *fakeStore) IncrementPeerStats(_ context.Context, id meshnet.NodeID, valid, invalid int64) error {
	return nil
}
func (f *fakeStore) HasSeenMessage(_ context.Context, id string) (bool, error)  { return false, nil }
func (f *fakeStore) MarkMessageSeen(_ context.Context, id string, sender meshnet.NodeID) error {
	return nil
}
func (f *fakeStore) CleanupOldMessages(_ context.Context, maxAge time.Duration) error { return nil }
func (f *fakeStore) LogTrustEvent(_ context.Context, id meshnet.NodeID, kind string, delta float64, reason string) error {
	return nil
}
func (f *fakeStore) GetTrustHistory(_ context.Context, id meshnet.NodeID, limit int) ([]TrustEvent, error) {
	return nil, nil
}
func (f *fakeStore) SetState(_ context.Context, key string, value []byte) error { return nil }
func (f *fakeStore) GetState(_ context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}
func (f *fakeStore) Close() error { return nil }

func newTestManager(t *testing.T) (*Manager, *fakeStore) {
	store := newFakeStore()
	m, err := NewManager(context.Background(), store, meshnet.NodeID("self0000"), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m, store
}

func TestManagerObserveAdmitsUnderMax(t *testing.T) {
	m, _ := newTestManager(t)
	m.MaxPeers = 2

	require.NoError(t, m.Observe(context.Background(), Peer{NodeID: "p1", Address: "a:1", TrustScore: 0.5}))
	require.NoError(t, m.Observe(context.Background(), Peer{NodeID: "p2", Address: "a:2", TrustScore: 0.5}))
	assert.Equal(t, 2, m.ActiveCount())
}

func TestManagerNeverAdmitsSelf(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Observe(context.Background(), Peer{NodeID: "self0000", Address: "a:1"}))
	assert.Equal(t, 0, m.KnownCount())
	assert.Equal(t, 0, m.ActiveCount())
}

func TestManagerAdmissionEvictsLowestTrust(t *testing.T) {
	m, _ := newTestManager(t)
	m.MaxPeers = 2

	require.NoError(t, m.Observe(context.Background(), Peer{NodeID: "low", Address: "a:1", TrustScore: 0.1}))
	require.NoError(t, m.Observe(context.Background(), Peer{NodeID: "mid", Address: "a:2", TrustScore: 0.4}))
	assert.Equal(t, 2, m.ActiveCount())

	require.NoError(t, m.Observe(context.Background(), Peer{NodeID: "high", Address: "a:3", TrustScore: 0.9}))
	assert.Equal(t, 2, m.ActiveCount())

	_, lowActive := m.active["low"]
	_, highActive := m.active["high"]
	assert.False(t, lowActive)
	assert.True(t, highActive)
}

func TestManagerAdmissionRejectsWhenNotTrustedEnough(t *testing.T) {
	m, _ := newTestManager(t)
	m.MaxPeers = 1

	require.NoError(t, m.Observe(context.Background(), Peer{NodeID: "incumbent", Address: "a:1", TrustScore: 0.9}))
	require.NoError(t, m.Observe(context.Background(), Peer{NodeID: "challenger", Address: "a:2", TrustScore: 0.1}))

	_, incumbentActive := m.active["incumbent"]
	assert.True(t, incumbentActive)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestManagerSweepEvictsTimedOutPeers(t *testing.T) {
	m, _ := newTestManager(t)
	fakeNow := time.Now()
	m.now = func() time.Time { return fakeNow }
	m.PeerTimeout = time.Minute

	require.NoError(t, m.Observe(context.Background(), Peer{NodeID: "p1", Address: "a:1", TrustScore: 0.5}))
	assert.Equal(t, 1, m.ActiveCount())

	fakeNow = fakeNow.Add(2 * time.Minute)
	evicted := m.Sweep(context.Background())
	assert.Equal(t, []meshnet.NodeID{"p1"}, evicted)
	assert.Equal(t, 0, m.ActiveCount())
}

type countingPenalizer struct{ penalized []meshnet.NodeID }

func (c *countingPenalizer) PenalizeTimeout(id meshnet.NodeID) {
	c.penalized = append(c.penalized, id)
}

func TestManagerSweepPenalizesViaTrustEngine(t *testing.T) {
	m, _ := newTestManager(t)
	fakeNow := time.Now()
	m.now = func() time.Time { return fakeNow }
	m.PeerTimeout = time.Minute

	pen := &countingPenalizer{}
	m.SetPenalizer(pen)

	require.NoError(t, m.Observe(context.Background(), Peer{NodeID: "p1", Address: "a:1", TrustScore: 0.5}))
	fakeNow = fakeNow.Add(2 * time.Minute)
	m.Sweep(context.Background())
	assert.Equal(t, []meshnet.NodeID{"p1"}, pen.penalized)
}

func TestManagerDiscoveryCandidatesOrdering(t *testing.T) {
	m, _ := newTestManager(t)
	m.bootstrap = []string{"boot:1"}
	m.MinPeers = 5

	m.mu.Lock()
	m.known["known1"] = &Peer{NodeID: "known1", Address: "k:1", TrustScore: 0.8, LastSeen: time.Now()}
	m.known["known2"] = &Peer{NodeID: "known2", Address: "k:2", TrustScore: 0.2, LastSeen: time.Now()}
	m.mu.Unlock()

	candidates := m.DiscoveryCandidates()
	require.Len(t, candidates, 3)
	assert.Equal(t, "boot:1", candidates[0])
	assert.Equal(t, "k:1", candidates[1])
	assert.Equal(t, "k:2", candidates[2])
}

func TestManagerDiscoveryCandidatesEmptyAboveMinPeers(t *testing.T) {
	m, _ := newTestManager(t)
	m.MinPeers = 1
	require.NoError(t, m.Observe(context.Background(), Peer{NodeID: "p1", Address: "a:1", TrustScore: 0.5}))
	assert.Nil(t, m.DiscoveryCandidates())
}

func TestManagerGetRandomPeersExcludes(t *testing.T) {
	m, _ := newTestManager(t)
	for i, id := range []meshnet.NodeID{"p1", "p2", "p3"} {
		require.NoError(t, m.Observe(context.Background(), Peer{NodeID: id, Address: "a", TrustScore: float64(i)}))
	}
	got := m.GetRandomPeers(2, map[meshnet.NodeID]struct{}{"p1": {}})
	assert.Len(t, got, 2)
	for _, p := range got {
		assert.NotEqual(t, meshnet.NodeID("p1"), p.NodeID)
	}
}

func TestManagerGetTrustedPeers(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Observe(context.Background(), Peer{NodeID: "trusted", Address: "a:1", TrustScore: 0.8}))
	require.NoError(t, m.Observe(context.Background(), Peer{NodeID: "untrusted", Address: "a:2", TrustScore: 0.05}))

	trusted := m.GetTrustedPeers(0.1)
	require.Len(t, trusted, 1)
	assert.Equal(t, meshnet.NodeID("trusted"), trusted[0].NodeID)
}
