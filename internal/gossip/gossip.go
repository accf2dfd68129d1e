// Package gossip implements epidemic message propagation: bounded
// deduplication, TTL-bounded fanout, and trust-gated handler dispatch
// (spec.md §4.9).
package gossip

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"

	"github.com/shurlinet/meshveil/internal/peerstore"
	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// Defaults from spec.md §4.9 / §6.
const (
	DefaultFanout           = 3
	DefaultGossipInterval   = time.Second
	DefaultMessageCacheSize = 10000
	gossipBatchLimit        = 10
)

// Handler processes one dispatched message. Returning an error marks
// the sender's message as invalid.
type Handler func(ctx context.Context, msg meshnet.Message, senderAddr string) error

// Sender delivers an encoded message to a peer address. Implemented by
// an adapter over pkg/meshnet.Transport at the node-orchestrator layer.
type Sender interface {
	Send(ctx context.Context, addr string, msg meshnet.Message) error
}

// PeerSource supplies gossip fanout targets. Satisfied by
// peerstore.Manager.
type PeerSource interface {
	GetRandomPeers(n int, exclude map[meshnet.NodeID]struct{}) []peerstore.Peer
}

// TrustChecker gates message acceptance by sender trust. Satisfied by
// internal/trust.Engine; kept narrow so gossip doesn't need the full
// trust package surface.
type TrustChecker interface {
	IsTrusted(ctx context.Context, id meshnet.NodeID, threshold *float64) (bool, error)
	OnValidMessage(ctx context.Context, id meshnet.NodeID) error
	OnInvalidMessage(ctx context.Context, id meshnet.NodeID) error
}

// Stats mirrors the counters the original gossip protocol tracked.
type Stats struct {
	MessagesReceived   uint64
	MessagesSent       uint64
	MessagesPropagated uint64
	DuplicatesRejected uint64
	PendingMessages    int
	CacheSize          int
}

type seenKey [32]byte

func cacheKey(messageID string) seenKey {
	return blake3.Sum256([]byte(messageID))
}

// Engine runs the epidemic broadcast protocol described in spec.md
// §4.9: deduplicate, verify trust, dispatch to a registered handler,
// and re-propagate to a random fanout of peers.
type Engine struct {
	log   *zap.Logger
	store peerstore.Store
	trust TrustChecker
	peers PeerSource
	send  Sender
	self  meshnet.NodeID

	Fanout           int
	GossipInterval   time.Duration
	MessageCacheSize int

	handlersMu sync.RWMutex
	handlers   map[meshnet.MessageType]Handler

	mu        sync.Mutex
	seenOrder []seenKey
	seenSet   map[seenKey]struct{}
	pending   []meshnet.Message

	received   atomic.Uint64
	sent       atomic.Uint64
	propagated atomic.Uint64
	duplicates atomic.Uint64
}

// NewEngine constructs a gossip Engine with spec-default tuning.
func NewEngine(store peerstore.Store, trust TrustChecker, peers PeerSource, send Sender, self meshnet.NodeID, log *zap.Logger) *Engine {
	return &Engine{
		log:              log.Named("gossip"),
		store:            store,
		trust:            trust,
		peers:            peers,
		send:             send,
		self:             self,
		Fanout:           DefaultFanout,
		GossipInterval:   DefaultGossipInterval,
		MessageCacheSize: DefaultMessageCacheSize,
		handlers:         make(map[meshnet.MessageType]Handler),
		seenSet:          make(map[seenKey]struct{}),
	}
}

// RegisterHandler installs the handler invoked for messages of type t.
func (e *Engine) RegisterHandler(t meshnet.MessageType, h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[t] = h
}

// Broadcast originates a new message: marks it seen and enqueues it
// for the next gossip round.
func (e *Engine) Broadcast(ctx context.Context, msg meshnet.Message) error {
	if err := e.markSeen(ctx, msg.MessageID); err != nil {
		return err
	}
	e.mu.Lock()
	e.pending = append(e.pending, msg)
	e.mu.Unlock()
	e.sent.Add(1)
	return nil
}

// Receive processes an inbound message: dedup, TTL check, trust gate,
// handler dispatch, and re-propagation per spec.md §4.9's invariants.
func (e *Engine) Receive(ctx context.Context, msg meshnet.Message, senderAddr string) (bool, error) {
	e.received.Add(1)

	seen, err := e.hasSeen(ctx, msg.MessageID)
	if err != nil {
		return false, err
	}
	if seen {
		e.duplicates.Add(1)
		return false, nil
	}

	if msg.TTL <= 0 {
		return false, nil
	}

	trusted, err := e.trust.IsTrusted(ctx, msg.SenderID, nil)
	if err != nil {
		return false, err
	}
	if !trusted {
		_ = e.trust.OnInvalidMessage(ctx, msg.SenderID)
		return false, nil
	}

	if err := e.markSeen(ctx, msg.MessageID); err != nil {
		return false, err
	}

	e.handlersMu.RLock()
	handler, ok := e.handlers[msg.Type]
	e.handlersMu.RUnlock()

	if ok {
		if err := handler(ctx, msg, senderAddr); err != nil {
			e.log.Debug("handler rejected message", zap.Error(err), zap.String("sender", string(msg.SenderID)))
			_ = e.trust.OnInvalidMessage(ctx, msg.SenderID)
			return false, nil
		}
		_ = e.trust.OnValidMessage(ctx, msg.SenderID)
	}

	if msg.Type.GossipPropagated() && msg.TTL > 1 {
		msg.TTL--
		e.mu.Lock()
		e.pending = append(e.pending, msg)
		e.mu.Unlock()
	}
	return true, nil
}

// Run drives the periodic gossip loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			hasPending := len(e.pending) > 0
			e.mu.Unlock()
			if !hasPending {
				continue
			}
			if err := e.doGossipRound(ctx); err != nil {
				e.log.Warn("gossip round failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) doGossipRound(ctx context.Context) error {
	peers := e.peers.GetRandomPeers(e.Fanout, map[meshnet.NodeID]struct{}{e.self: {}})
	if len(peers) == 0 {
		return nil
	}

	e.mu.Lock()
	n := gossipBatchLimit
	if n > len(e.pending) {
		n = len(e.pending)
	}
	batch := append([]meshnet.Message(nil), e.pending[:n]...)
	e.pending = e.pending[n:]
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		for _, msg := range batch {
			if msg.SenderID == peer.NodeID {
				continue
			}
			msg := msg
			g.Go(func() error {
				if err := e.send.Send(gctx, peer.Address, msg); err != nil {
					e.log.Debug("gossip send failed", zap.String("peer", string(peer.NodeID)), zap.Error(err))
					return nil
				}
				e.propagated.Add(1)
				return nil
			})
		}
	}
	return g.Wait()
}

func (e *Engine) hasSeen(ctx context.Context, messageID string) (bool, error) {
	key := cacheKey(messageID)
	e.mu.Lock()
	_, inMemory := e.seenSet[key]
	e.mu.Unlock()
	if inMemory {
		return true, nil
	}
	return e.store.HasSeenMessage(ctx, messageID)
}

func (e *Engine) markSeen(ctx context.Context, messageID string) error {
	key := cacheKey(messageID)
	e.mu.Lock()
	if _, ok := e.seenSet[key]; !ok {
		if len(e.seenOrder) >= e.MessageCacheSize {
			oldest := e.seenOrder[0]
			e.seenOrder = e.seenOrder[1:]
			delete(e.seenSet, oldest)
		}
		e.seenOrder = append(e.seenOrder, key)
		e.seenSet[key] = struct{}{}
	}
	e.mu.Unlock()
	return e.store.MarkMessageSeen(ctx, messageID, e.self)
}

// PendingCount returns the number of messages queued for the next
// gossip round.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Stats returns a snapshot of gossip counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	pending := len(e.pending)
	cache := len(e.seenSet)
	e.mu.Unlock()
	return Stats{
		MessagesReceived:   e.received.Load(),
		MessagesSent:       e.sent.Load(),
		MessagesPropagated: e.propagated.Load(),
		DuplicatesRejected: e.duplicates.Load(),
		PendingMessages:    pending,
		CacheSize:          cache,
	}
}
