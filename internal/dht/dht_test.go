package dht

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// fakeSender wires two or more DHTs together in-memory by node address,
// and/or records sent messages without delivering them.
type fakeSender struct {
	mu      sync.Mutex
	routes  map[string]*DHT
	sent    []meshnet.Message
	blocked map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{routes: make(map[string]*DHT), blocked: make(map[string]bool)}
}

func (s *fakeSender) register(addr string, d *DHT) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[addr] = d
}

func (s *fakeSender) Send(ctx context.Context, addr string, msg meshnet.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	blocked := s.blocked[addr]
	target := s.routes[addr]
	s.mu.Unlock()

	if blocked || target == nil {
		return nil
	}
	go target.HandleMessage(ctx, msg, addr)
	return nil
}

func newTestDHT(t *testing.T, nodeID meshnet.NodeID, addr string, send Sender) *DHT {
	t.Helper()
	d := New(nodeID, addr, send, zaptest.NewLogger(t))
	d.RPCTimeout = time.Second
	return d
}

func TestBucketIndexZeroDistance(t *testing.T) {
	a := HashKey("same")
	assert.Equal(t, 0, BucketIndex(Distance(a, a)))
}

func TestDistanceIsSymmetric(t *testing.T) {
	a := HashKey("alpha")
	b := HashKey("beta")
	assert.Equal(t, 0, Distance(a, b).Cmp(Distance(b, a)))
}

func TestParseIDRejectsWrongLength(t *testing.T) {
	_, err := ParseID("abcd")
	require.Error(t, err)
}

func TestParseIDRoundTrip(t *testing.T) {
	orig := HashKey("round-trip")
	parsed, err := ParseID(orig.String())
	require.NoError(t, err)
	assert.Equal(t, orig, parsed)
}

func TestKBucketAddNodeRefreshesExisting(t *testing.T) {
	b := NewKBucket(2)
	n1 := NodeInfo{ID: HashKey("n1"), NodeID: "n1", Address: "a1"}
	n2 := NodeInfo{ID: HashKey("n2"), NodeID: "n2", Address: "a2"}
	b.AddNode(n1)
	b.AddNode(n2)
	b.AddNode(n1)
	nodes := b.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, n1.ID, nodes[len(nodes)-1].ID)
}

func TestKBucketOverflowsToReplacementCache(t *testing.T) {
	b := NewKBucket(1)
	n1 := NodeInfo{ID: HashKey("n1"), NodeID: "n1"}
	n2 := NodeInfo{ID: HashKey("n2"), NodeID: "n2"}
	assert.True(t, b.AddNode(n1))
	assert.False(t, b.AddNode(n2))
	assert.Equal(t, 1, b.ReplacementCacheSize())
}

func TestKBucketRemoveNodePromotesReplacement(t *testing.T) {
	b := NewKBucket(1)
	n1 := NodeInfo{ID: HashKey("n1"), NodeID: "n1"}
	n2 := NodeInfo{ID: HashKey("n2"), NodeID: "n2"}
	b.AddNode(n1)
	b.AddNode(n2)
	assert.True(t, b.RemoveNode(n1.ID))
	nodes := b.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, n2.ID, nodes[0].ID)
	assert.Equal(t, 0, b.ReplacementCacheSize())
}

func TestDHTAddNodeRejectsSelf(t *testing.T) {
	send := newFakeSender()
	d := newTestDHT(t, "self", "addr:1", send)
	assert.False(t, d.AddNode("self", "addr:1"))
}

func TestDHTAddNodeAndFindClosestNodes(t *testing.T) {
	send := newFakeSender()
	d := newTestDHT(t, "self", "addr:1", send)
	d.AddNode("peer-a", "addr:2")
	d.AddNode("peer-b", "addr:3")

	target := IDForNode("peer-a")
	closest := d.FindClosestNodes(target, 10, nil)
	require.NotEmpty(t, closest)
	assert.Equal(t, target, closest[0].ID)
}

func TestDHTStoreAndRetrieveLocalHit(t *testing.T) {
	send := newFakeSender()
	d := newTestDHT(t, "self", "addr:1", send)

	require.NoError(t, d.Store(context.Background(), "k1", "v1", time.Hour))
	val, found, err := d.Retrieve(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", val)
}

func TestDHTRetrieveExpiredLocalEntryFallsThroughToLookup(t *testing.T) {
	send := newFakeSender()
	d := newTestDHT(t, "self", "addr:1", send)

	require.NoError(t, d.Store(context.Background(), "k1", "v1", time.Nanosecond))
	time.Sleep(2 * time.Millisecond)

	_, found, err := d.Retrieve(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDHTDeleteRemovesLocalEntry(t *testing.T) {
	send := newFakeSender()
	d := newTestDHT(t, "self", "addr:1", send)
	require.NoError(t, d.Store(context.Background(), "k1", "v1", time.Hour))

	assert.True(t, d.Delete(context.Background(), "k1"))
	_, found, err := d.Retrieve(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDHTStoreReplicatesToKnownPeers(t *testing.T) {
	send := newFakeSender()
	a := newTestDHT(t, "a", "addr:a", send)
	b := newTestDHT(t, "b", "addr:b", send)
	send.register("addr:a", a)
	send.register("addr:b", b)

	a.AddNode("b", "addr:b")

	require.NoError(t, a.Store(context.Background(), "shared", "payload", time.Hour))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.Stats().StoredKeys > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, b.Stats().StoredKeys)
}

func TestDHTRetrieveViaRemoteFindValue(t *testing.T) {
	send := newFakeSender()
	a := newTestDHT(t, "a", "addr:a", send)
	b := newTestDHT(t, "b", "addr:b", send)
	send.register("addr:a", a)
	send.register("addr:b", b)

	a.AddNode("b", "addr:b")
	require.NoError(t, b.Store(context.Background(), "remote-key", "remote-value", time.Hour))
	b.AddNode("a", "addr:a")

	val, found, err := a.Retrieve(context.Background(), "remote-key")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "remote-value", val)
}

func TestDHTRetrieveMissingKeyReturnsNotFound(t *testing.T) {
	send := newFakeSender()
	a := newTestDHT(t, "a", "addr:a", send)
	b := newTestDHT(t, "b", "addr:b", send)
	send.register("addr:a", a)
	send.register("addr:b", b)
	a.AddNode("b", "addr:b")

	_, found, err := a.Retrieve(context.Background(), "never-stored")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDHTLookupReturnsCloserNodesWhenMiss(t *testing.T) {
	send := newFakeSender()
	a := newTestDHT(t, "a", "addr:a", send)
	b := newTestDHT(t, "b", "addr:b", send)
	c := newTestDHT(t, "c", "addr:c", send)
	send.register("addr:a", a)
	send.register("addr:b", b)
	send.register("addr:c", c)

	a.AddNode("b", "addr:b")
	b.AddNode("c", "addr:c")
	require.NoError(t, c.Store(context.Background(), "deep-key", "deep-value", time.Hour))

	val, found, err := a.Retrieve(context.Background(), "deep-key")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "deep-value", val)
}

func TestDHTHandleStoreRequestAddsSenderToRoutingTable(t *testing.T) {
	send := newFakeSender()
	d := newTestDHT(t, "self", "addr:1", send)

	msg, err := meshnet.NewMessage(meshnet.MsgDHTStore, "peer-x", 0, map[string]any{
		"key":            "k",
		"value":          "v",
		"timestamp":      float64(time.Now().Unix()),
		"correlation_id": "corr-1",
		"sender_id":      "peer-x",
		"sender_address": "addr:x",
	}, 1)
	require.NoError(t, err)

	require.NoError(t, d.HandleMessage(context.Background(), msg, "addr:x"))

	idx := BucketIndex(Distance(d.selfID, IDForNode("peer-x")))
	nodes := d.buckets[idx].Nodes()
	found := false
	for _, n := range nodes {
		if n.NodeID == "peer-x" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDHTHandleDeleteRequestRemovesMatchingKey(t *testing.T) {
	send := newFakeSender()
	d := newTestDHT(t, "self", "addr:1", send)
	require.NoError(t, d.Store(context.Background(), "to-delete", "v", time.Hour))

	msg, err := meshnet.NewMessage(meshnet.MsgDHTDelete, "peer-x", 0, map[string]any{
		"key_hash":       HashKey("to-delete").String(),
		"correlation_id": "corr-2",
		"sender_id":      "peer-x",
		"sender_address": "addr:x",
	}, 1)
	require.NoError(t, err)

	require.NoError(t, d.HandleMessage(context.Background(), msg, "addr:x"))

	_, found, err := d.Retrieve(context.Background(), "to-delete")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDHTCleanupExpiredRemovesStaleEntries(t *testing.T) {
	send := newFakeSender()
	d := newTestDHT(t, "self", "addr:1", send)
	require.NoError(t, d.Store(context.Background(), "fleeting", "v", time.Nanosecond))
	time.Sleep(2 * time.Millisecond)

	d.cleanupExpired()

	d.mu.Lock()
	_, stillThere := d.storage["fleeting"]
	d.mu.Unlock()
	assert.False(t, stillThere)
}

func TestDHTRunMaintenanceStopsOnContextCancel(t *testing.T) {
	send := newFakeSender()
	d := newTestDHT(t, "self", "addr:1", send)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.RunMaintenance(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunMaintenance did not stop on context cancellation")
	}
}

func TestDHTStatsReportsStoredKeysAndNodes(t *testing.T) {
	send := newFakeSender()
	d := newTestDHT(t, "self", "addr:1", send)
	d.AddNode("peer-a", "addr:2")
	require.NoError(t, d.Store(context.Background(), "k", "v", time.Hour))

	stats := d.Stats()
	assert.Equal(t, 1, stats.StoredKeys)
	assert.Equal(t, 1, stats.TotalNodes)
}

func TestDHTCallTimesOutWhenUnreachable(t *testing.T) {
	send := newFakeSender()
	d := newTestDHT(t, "self", "addr:1", send)
	send.blocked["addr:unreachable"] = true

	_, err := d.call(context.Background(), "addr:unreachable", meshnet.MsgDHTFindValue, map[string]any{"key_hash": HashKey("x").String()})
	require.Error(t, err)
}
