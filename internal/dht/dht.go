package dht

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// Defaults from spec.md §4.10.
const (
	DefaultK              = 20
	DefaultAlpha          = 3
	DefaultReplication    = 3
	DefaultTTL            = time.Hour
	DefaultRPCTimeout     = 5 * time.Second
	DefaultMaxIterations  = 20
	DefaultMaintenanceTick = 60 * time.Second
	republishFraction     = 0.25
)

const numBuckets = IDLength * 8

// Sender delivers an encoded message to a peer address. Satisfied by
// the same adapter over pkg/meshnet.Transport that internal/gossip uses.
type Sender interface {
	Send(ctx context.Context, addr string, msg meshnet.Message) error
}

// Stats mirrors the counters the original DHT tracked.
type Stats struct {
	Stores           uint64
	Retrievals       uint64
	Replications     uint64
	Expirations      uint64
	StoredKeys       int
	TotalNodes       int
	NonEmptyBuckets  int
	AvgBucketSize    float64
}

// DHT is a Kademlia-style routing table and key/value store over a
// 160-bit SHA-1 address space, replicated and looked up via RPCs sent
// through Sender (spec.md §4.10).
type DHT struct {
	log      *zap.Logger
	self     meshnet.NodeID
	selfID   ID
	selfAddr string
	send     Sender

	K             int
	Alpha         int
	Replication   int
	DefaultTTL    time.Duration
	RPCTimeout    time.Duration
	MaxIterations int

	buckets [numBuckets]*KBucket

	mu        sync.Mutex
	storage   map[string]*Value
	hashIndex map[ID]string

	rpc *rpcRegistry

	stores, retrievals, replications, expirations atomic.Uint64
}

// New constructs a DHT rooted at self/selfAddr with spec-default tuning.
func New(self meshnet.NodeID, selfAddr string, send Sender, log *zap.Logger) *DHT {
	d := &DHT{
		log:           log.Named("dht"),
		self:          self,
		selfID:        IDForNode(self),
		selfAddr:      selfAddr,
		send:          send,
		K:             DefaultK,
		Alpha:         DefaultAlpha,
		Replication:   DefaultReplication,
		DefaultTTL:    DefaultTTL,
		RPCTimeout:    DefaultRPCTimeout,
		MaxIterations: DefaultMaxIterations,
		storage:       make(map[string]*Value),
		hashIndex:     make(map[ID]string),
		rpc:           newRPCRegistry(),
	}
	for i := range d.buckets {
		d.buckets[i] = NewKBucket(d.K)
	}
	return d
}

// AddNode inserts or refreshes a routing-table contact. Self is never
// added.
func (d *DHT) AddNode(nodeID meshnet.NodeID, address string) bool {
	if nodeID == d.self {
		return false
	}
	id := IDForNode(nodeID)
	idx := BucketIndex(Distance(d.selfID, id))
	return d.buckets[idx].AddNode(NodeInfo{ID: id, NodeID: nodeID, Address: address, LastSeen: time.Now()})
}

// RemoveNode evicts a routing-table contact.
func (d *DHT) RemoveNode(nodeID meshnet.NodeID) bool {
	id := IDForNode(nodeID)
	idx := BucketIndex(Distance(d.selfID, id))
	return d.buckets[idx].RemoveNode(id)
}

// FindClosestNodes returns up to count known contacts ordered by
// ascending XOR distance to target, excluding any id in exclude.
func (d *DHT) FindClosestNodes(target ID, count int, exclude map[ID]struct{}) []NodeInfo {
	var all []NodeInfo
	for _, b := range d.buckets {
		all = append(all, b.Nodes()...)
	}
	sort.Slice(all, func(i, j int) bool {
		return less(Distance(all[i].ID, target), Distance(all[j].ID, target))
	})

	out := make([]NodeInfo, 0, count)
	for _, n := range all {
		if _, skip := exclude[n.ID]; skip {
			continue
		}
		out = append(out, n)
		if len(out) >= count {
			break
		}
	}
	return out
}

// Store saves a key/value pair locally and best-effort replicates it
// to the Replication closest known nodes (spec.md §4.10).
func (d *DHT) Store(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl == 0 {
		ttl = d.DefaultTTL
	}
	keyHash := HashKey(key)
	v := &Value{
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
		TTL:       ttl,
		Replicas:  map[meshnet.NodeID]struct{}{d.self: {}},
	}

	d.mu.Lock()
	d.storage[key] = v
	d.hashIndex[keyHash] = key
	d.mu.Unlock()
	d.stores.Add(1)

	d.replicateValue(ctx, keyHash, v)
	return nil
}

// Retrieve returns a value by key: a non-expired local hit short
// circuits; otherwise an iterative FIND_VALUE lookup is performed
// (spec.md §4.10).
func (d *DHT) Retrieve(ctx context.Context, key string) (any, bool, error) {
	now := time.Now()
	d.mu.Lock()
	if v, ok := d.storage[key]; ok {
		if !v.Expired(now) {
			val := v.Value
			d.mu.Unlock()
			d.retrievals.Add(1)
			return val, true, nil
		}
		delete(d.storage, key)
		delete(d.hashIndex, HashKey(key))
		d.expirations.Add(1)
	}
	d.mu.Unlock()
	d.retrievals.Add(1)

	val, found, err := d.lookupValue(ctx, HashKey(key))
	return val, found, err
}

// Delete removes a key locally and best-effort propagates the removal
// to the Replication closest known nodes.
func (d *DHT) Delete(ctx context.Context, key string) bool {
	keyHash := HashKey(key)
	d.mu.Lock()
	_, existed := d.storage[key]
	delete(d.storage, key)
	delete(d.hashIndex, keyHash)
	d.mu.Unlock()

	d.replicateDelete(ctx, keyHash)
	return existed
}

func (d *DHT) replicateValue(ctx context.Context, keyHash ID, v *Value) {
	targets := d.FindClosestNodes(keyHash, d.Replication, map[ID]struct{}{d.selfID: {}})
	if len(targets) == 0 {
		return
	}

	var g errgroup.Group
	for _, n := range targets {
		n := n
		g.Go(func() error {
			payload := map[string]any{
				"key":       v.Key,
				"value":     v.Value,
				"timestamp": float64(v.Timestamp.Unix()),
			}
			if v.TTL > 0 {
				payload["ttl"] = v.TTL.Seconds()
			}
			if _, err := d.call(ctx, n.Address, meshnet.MsgDHTStore, payload); err != nil {
				d.log.Debug("store replication failed", zap.String("peer", string(n.NodeID)), zap.Error(err))
				return nil
			}
			d.mu.Lock()
			v.Replicas[n.NodeID] = struct{}{}
			d.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	d.replications.Add(1)
}

func (d *DHT) replicateDelete(ctx context.Context, keyHash ID) {
	targets := d.FindClosestNodes(keyHash, d.Replication, map[ID]struct{}{d.selfID: {}})
	var g errgroup.Group
	for _, n := range targets {
		n := n
		g.Go(func() error {
			payload := map[string]any{"key_hash": keyHash.String()}
			if _, err := d.call(ctx, n.Address, meshnet.MsgDHTDelete, payload); err != nil {
				d.log.Debug("delete replication failed", zap.String("peer", string(n.NodeID)), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// lookupValue runs the bounded iterative FIND_VALUE search described
// in spec.md §4.10: α-parallel RPCs per round, merging discovered
// contacts into the routing table, up to MaxIterations rounds.
func (d *DHT) lookupValue(ctx context.Context, target ID) (any, bool, error) {
	queried := map[ID]struct{}{d.selfID: {}}

	for iter := 0; iter < d.MaxIterations; iter++ {
		candidates := d.FindClosestNodes(target, d.Alpha, queried)
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			queried[c.ID] = struct{}{}
		}

		roundCtx, cancel := context.WithCancel(ctx)
		var found any
		var foundOK bool
		var mu sync.Mutex

		g, gctx := errgroup.WithContext(roundCtx)
		for _, c := range candidates {
			c := c
			g.Go(func() error {
				payload := map[string]any{"key_hash": target.String()}
				resp, err := d.call(gctx, c.Address, meshnet.MsgDHTFindValue, payload)
				if err != nil {
					return nil
				}
				if val, ok := resp["value"]; ok {
					mu.Lock()
					if !foundOK {
						found = val
						foundOK = true
					}
					mu.Unlock()
					cancel()
					return nil
				}
				if closer, ok := resp["closer_nodes"].([]any); ok {
					d.mergeCloserNodes(closer)
				}
				return nil
			})
		}
		_ = g.Wait()
		cancel()

		if foundOK {
			return found, true, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
	}
	return nil, false, nil
}

func (d *DHT) mergeCloserNodes(entries []any) {
	for _, raw := range entries {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		nodeID, _ := m["node_id"].(string)
		address, _ := m["address"].(string)
		if nodeID == "" || address == "" {
			continue
		}
		d.AddNode(meshnet.NodeID(nodeID), address)
	}
}

// call issues a correlation-id-matched RPC and waits up to RPCTimeout
// for the response.
func (d *DHT) call(ctx context.Context, addr string, msgType meshnet.MessageType, payload map[string]any) (map[string]any, error) {
	correlationID := uuid.NewString()
	payload["correlation_id"] = correlationID
	payload["sender_id"] = string(d.self)
	payload["sender_address"] = d.selfAddr

	msg, err := meshnet.NewMessage(msgType, d.self, float64(time.Now().UnixNano())/1e9, payload, 1)
	if err != nil {
		return nil, err
	}

	pending := d.rpc.register(correlationID)
	defer d.rpc.cancel(correlationID)

	rpcCtx, cancel := context.WithTimeout(ctx, d.RPCTimeout)
	defer cancel()

	if err := d.send.Send(rpcCtx, addr, msg); err != nil {
		return nil, err
	}
	return pending.wait(rpcCtx)
}

// HandleMessage dispatches an inbound DHT RPC request or response.
// Wired by the node orchestrator for MsgDHT* types (spec.md §4.11).
func (d *DHT) HandleMessage(ctx context.Context, msg meshnet.Message, senderAddr string) error {
	switch msg.Type {
	case meshnet.MsgDHTStore:
		return d.handleStore(ctx, msg, senderAddr)
	case meshnet.MsgDHTFindValue:
		return d.handleFindValue(ctx, msg, senderAddr)
	case meshnet.MsgDHTDelete:
		return d.handleDelete(ctx, msg, senderAddr)
	case meshnet.MsgDHTStoreResponse, meshnet.MsgDHTFindValueResponse, meshnet.MsgDHTDeleteResponse:
		d.handleResponse(msg)
		return nil
	default:
		return nil
	}
}

func senderAddress(msg meshnet.Message, fallback string) string {
	if addr, ok := msg.Payload["sender_address"].(string); ok && addr != "" {
		return addr
	}
	return fallback
}

func correlationOf(msg meshnet.Message) string {
	id, _ := msg.Payload["correlation_id"].(string)
	return id
}

func (d *DHT) respond(ctx context.Context, addr string, msgType meshnet.MessageType, correlationID string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["correlation_id"] = correlationID
	resp, err := meshnet.NewMessage(msgType, d.self, float64(time.Now().UnixNano())/1e9, payload, 1)
	if err != nil {
		d.log.Warn("build RPC response failed", zap.Error(err))
		return
	}
	if err := d.send.Send(ctx, addr, resp); err != nil {
		d.log.Debug("send RPC response failed", zap.String("addr", addr), zap.Error(err))
	}
}

// handleStore upserts a replicated value with the carried timestamp
// and adds the sender to the routing table (spec.md §4.10).
func (d *DHT) handleStore(ctx context.Context, msg meshnet.Message, senderAddr string) error {
	key, _ := msg.Payload["key"].(string)
	if key == "" {
		return fmt.Errorf("dht: DHT_STORE missing key")
	}
	ts, _ := msg.Payload["timestamp"].(float64)
	ttlSeconds, _ := msg.Payload["ttl"].(float64)

	v := &Value{
		Key:       key,
		Value:     msg.Payload["value"],
		Timestamp: time.Unix(int64(ts), 0),
		TTL:       time.Duration(ttlSeconds * float64(time.Second)),
		Replicas:  map[meshnet.NodeID]struct{}{d.self: {}},
	}

	d.mu.Lock()
	d.storage[key] = v
	d.hashIndex[HashKey(key)] = key
	d.mu.Unlock()

	if senderID, ok := msg.Payload["sender_id"].(string); ok && senderID != "" {
		d.AddNode(meshnet.NodeID(senderID), senderAddress(msg, senderAddr))
	}

	d.respond(ctx, senderAddress(msg, senderAddr), meshnet.MsgDHTStoreResponse, correlationOf(msg), map[string]any{"ok": true})
	return nil
}

// handleFindValue replies with a local value if this node holds an
// unexpired copy, else with the k closest known contacts.
func (d *DHT) handleFindValue(ctx context.Context, msg meshnet.Message, senderAddr string) error {
	hashStr, _ := msg.Payload["key_hash"].(string)
	target, err := ParseID(hashStr)
	if err != nil {
		return err
	}

	d.mu.Lock()
	key, ok := d.hashIndex[target]
	var val any
	var hit bool
	if ok {
		if v, exists := d.storage[key]; exists && !v.Expired(time.Now()) {
			val, hit = v.Value, true
		}
	}
	d.mu.Unlock()

	addr := senderAddress(msg, senderAddr)
	if hit {
		d.respond(ctx, addr, meshnet.MsgDHTFindValueResponse, correlationOf(msg), map[string]any{"value": val})
		return nil
	}

	closest := d.FindClosestNodes(target, d.K, map[ID]struct{}{d.selfID: {}})
	nodes := make([]any, 0, len(closest))
	for _, n := range closest {
		nodes = append(nodes, map[string]any{"node_id": string(n.NodeID), "address": n.Address})
	}
	d.respond(ctx, addr, meshnet.MsgDHTFindValueResponse, correlationOf(msg), map[string]any{"closer_nodes": nodes})
	return nil
}

// handleDelete removes every local key whose hash matches key_hash.
func (d *DHT) handleDelete(ctx context.Context, msg meshnet.Message, senderAddr string) error {
	hashStr, _ := msg.Payload["key_hash"].(string)
	target, err := ParseID(hashStr)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if key, ok := d.hashIndex[target]; ok {
		delete(d.storage, key)
		delete(d.hashIndex, target)
	}
	d.mu.Unlock()

	d.respond(ctx, senderAddress(msg, senderAddr), meshnet.MsgDHTDeleteResponse, correlationOf(msg), map[string]any{"ok": true})
	return nil
}

func (d *DHT) handleResponse(msg meshnet.Message) {
	correlationID := correlationOf(msg)
	if correlationID == "" {
		return
	}
	d.rpc.resolve(correlationID, msg.Payload)
}

// RunMaintenance periodically expires stale entries and republishes
// values nearing expiration, until ctx is cancelled (spec.md §4.10).
func (d *DHT) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(DefaultMaintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.cleanupExpired()
			d.republishValues(ctx)
		}
	}
}

func (d *DHT) cleanupExpired() {
	now := time.Now()
	d.mu.Lock()
	var stale []string
	for key, v := range d.storage {
		if v.Expired(now) {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(d.storage, key)
		delete(d.hashIndex, HashKey(key))
		d.expirations.Add(1)
	}
	d.mu.Unlock()
}

func (d *DHT) republishValues(ctx context.Context) {
	now := time.Now()
	d.mu.Lock()
	var toRepublish []struct {
		hash ID
		v    *Value
	}
	for key, v := range d.storage {
		if v.TTL <= 0 {
			continue
		}
		remaining := v.remaining(now)
		if remaining > 0 && remaining < time.Duration(float64(v.TTL)*republishFraction) {
			toRepublish = append(toRepublish, struct {
				hash ID
				v    *Value
			}{HashKey(key), v})
		}
	}
	d.mu.Unlock()

	for _, r := range toRepublish {
		d.replicateValue(ctx, r.hash, r.v)
	}
}

// Stats returns a snapshot of DHT counters.
func (d *DHT) Stats() Stats {
	d.mu.Lock()
	storedKeys := len(d.storage)
	d.mu.Unlock()

	totalNodes, nonEmpty := 0, 0
	for _, b := range d.buckets {
		n := len(b.Nodes())
		if n > 0 {
			totalNodes += n
			nonEmpty++
		}
	}
	avg := 0.0
	if nonEmpty > 0 {
		avg = float64(totalNodes) / float64(nonEmpty)
	}

	return Stats{
		Stores:          d.stores.Load(),
		Retrievals:      d.retrievals.Load(),
		Replications:    d.replications.Load(),
		Expirations:     d.expirations.Load(),
		StoredKeys:      storedKeys,
		TotalNodes:      totalNodes,
		NonEmptyBuckets: nonEmpty,
		AvgBucketSize:   avg,
	}
}
