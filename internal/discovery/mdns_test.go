package discovery

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/shurlinet/meshveil/pkg/meshnet"
)

type fakeSink struct {
	mu         sync.Mutex
	candidates map[meshnet.NodeID]string
}

func newFakeSink() *fakeSink { return &fakeSink{candidates: make(map[meshnet.NodeID]string)} }

func (f *fakeSink) AddCandidate(id meshnet.NodeID, address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates[id] = address
}

func TestMDNSHandleEntryRegistersCandidate(t *testing.T) {
	sink := newFakeSink()
	m := New("self", "127.0.0.1:9000", sink, zaptest.NewLogger(t))

	m.handleParsedEntry([]string{"nodeid=peer-a", "addr=10.0.0.5:9001"})

	addr, ok := sink.candidates["peer-a"]
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.5:9001", addr)
}

func TestMDNSHandleEntryIgnoresSelf(t *testing.T) {
	sink := newFakeSink()
	m := New("self", "127.0.0.1:9000", sink, zaptest.NewLogger(t))

	m.handleParsedEntry([]string{"nodeid=self", "addr=10.0.0.5:9001"})

	assert.Empty(t, sink.candidates)
}

func TestMDNSHandleEntryIgnoresIncompleteRecords(t *testing.T) {
	sink := newFakeSink()
	m := New("self", "127.0.0.1:9000", sink, zaptest.NewLogger(t))

	m.handleParsedEntry([]string{"nodeid=peer-a"})
	m.handleParsedEntry([]string{"addr=10.0.0.5:9001"})

	assert.Empty(t, sink.candidates)
}

func TestMDNSHandleEntryDedupesWithinInterval(t *testing.T) {
	sink := newFakeSink()
	m := New("self", "127.0.0.1:9000", sink, zaptest.NewLogger(t))

	m.handleParsedEntry([]string{"nodeid=peer-a", "addr=10.0.0.5:9001"})
	m.handleParsedEntry([]string{"nodeid=peer-a", "addr=10.0.0.5:9999"})

	assert.Equal(t, "10.0.0.5:9001", sink.candidates["peer-a"])
}

func TestLocalIPv4AddrsDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() { _ = localIPv4Addrs() })
}
