// Package node orchestrates the decentralized network node: boot
// order, background loops, inbound message dispatch, and shutdown
// (spec.md §4.11).
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shurlinet/meshveil/internal/boltstore"
	"github.com/shurlinet/meshveil/internal/config"
	"github.com/shurlinet/meshveil/internal/discovery"
	"github.com/shurlinet/meshveil/internal/dht"
	"github.com/shurlinet/meshveil/internal/gossip"
	"github.com/shurlinet/meshveil/internal/peerstore"
	"github.com/shurlinet/meshveil/internal/trust"
	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// DefaultBootstrapDialTimeout bounds each bootstrap connection attempt
// at startup (spec.md §5 "bootstrap dial default 10s").
const DefaultBootstrapDialTimeout = 10 * time.Second

// handshakeRetryInterval paces repeated app-level HANDSHAKE sends to a
// peer whose transport connection has not yet reached ESTABLISHED.
const handshakeRetryInterval = 250 * time.Millisecond

// DataHandler processes custom application data delivered either
// addressed (CUSTOM_DATA) or broadcast (GOSSIP) via the gossip engine.
// Registered via Node.RegisterDataHandler.
type DataHandler func(sender meshnet.NodeID, data any)

// Node is the top-level orchestrator wiring every subsystem described
// in spec.md §4: identity, persistence, trust, peer management,
// gossip, DHT, transport, and optional LAN discovery.
type Node struct {
	log *zap.Logger
	cfg config.Config

	identity  *meshnet.Identity
	store     peerstore.Store
	trust     *trust.Engine
	history   *trust.History
	peers     *peerstore.Manager
	gossip    *gossip.Engine
	dht       *dht.DHT
	transport *meshnet.Transport
	discovery *discovery.MDNS

	send *transportSender

	handlersMu     sync.RWMutex
	customHandlers map[string]DataHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup

	bootstrapDialTimeout time.Duration
}

// New boots every subsystem in spec.md §4.11's required order:
// identity, store, trust, peer manager, gossip, DHT, transport. It
// does not start background loops or dial bootstrap nodes; call
// Start for that.
func New(cfg config.Config, log *zap.Logger) (*Node, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("node: invalid config: %w", err)
	}

	identity, err := meshnet.LoadOrCreateIdentity(cfg.Identity.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("node: identity: %w", err)
	}

	store, err := boltstore.Open(cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("node: store: %w", err)
	}

	history := trust.NewHistory("")
	trustEngine := trust.NewEngine(store, history, log)
	trustEngine.InitialTrust = cfg.Trust.InitialScore
	trustEngine.MinTrust = cfg.Trust.MinThreshold
	trustEngine.MaxTrust = cfg.Trust.MaxScore
	trustEngine.DecayRate = cfg.Trust.DecayRate
	trustEngine.DecayInterval = cfg.Trust.DecayInterval
	trustEngine.BoostMessage = cfg.Trust.BoostMessage
	trustEngine.PenaltyInvalid = cfg.Trust.PenaltyInvalid

	ctx := context.Background()
	peers, err := peerstore.NewManager(ctx, store, identity.ID(), cfg.Peers.BootstrapNodes, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: peer manager: %w", err)
	}
	peers.MaxPeers = cfg.Peers.MaxPeers
	peers.MinPeers = cfg.Peers.MinPeers
	peers.PeerTimeout = cfg.Peers.PeerTimeout
	peers.MinTrust = cfg.Trust.MinThreshold
	peers.SetPenalizer(trustEngine)

	selfAddr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	send := &transportSender{}
	gossipEngine := gossip.NewEngine(store, trustEngine, peers, send, identity.ID(), log)
	gossipEngine.Fanout = cfg.Gossip.Fanout
	gossipEngine.GossipInterval = cfg.Gossip.Interval
	gossipEngine.MessageCacheSize = cfg.Gossip.MessageCacheSize

	dhtEngine := dht.New(identity.ID(), selfAddr, send, log)
	dhtEngine.Replication = cfg.DHT.ReplicationFactor
	dhtEngine.DefaultTTL = cfg.DHT.TTLDefault

	n := &Node{
		log:                  log.Named("node"),
		cfg:                  cfg,
		identity:             identity,
		store:                store,
		trust:                trustEngine,
		history:              history,
		peers:                peers,
		gossip:               gossipEngine,
		dht:                  dhtEngine,
		send:                 send,
		customHandlers:       make(map[string]DataHandler),
		bootstrapDialTimeout: DefaultBootstrapDialTimeout,
	}

	transport, err := meshnet.NewTransport(selfAddr, 1400, log,
		meshnet.WithHandler(n.onTransportMessage),
		meshnet.WithNewPeerHook(n.onNewTransportPeer),
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: transport: %w", err)
	}
	n.transport = transport
	send.transport = transport

	n.registerHandlers()
	return n, nil
}

// ID returns this node's identifier.
func (n *Node) ID() meshnet.NodeID { return n.identity.ID() }

// Address returns this node's bind address.
func (n *Node) Address() string {
	return fmt.Sprintf("%s:%d", n.cfg.Node.Host, n.cfg.Node.Port)
}

// EnableDiscovery turns on LAN mDNS advertisement/browsing, feeding
// discovered addresses into the peer manager's candidate set. Must be
// called before Start.
func (n *Node) EnableDiscovery() {
	n.discovery = discovery.New(n.identity.ID(), n.Address(), n.peers, n.log)
}

// Start launches background loops (gossip fanout, DHT maintenance,
// trust decay, heartbeat, peer sweep/discovery, optional mDNS) and
// dials bootstrap nodes. It returns once the transport is listening;
// background work continues until Stop is called.
func (n *Node) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.transport.Serve(runCtx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.gossip.Run(runCtx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.dht.RunMaintenance(runCtx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.trust.RunDecayLoop(runCtx)
	}()

	n.wg.Add(1)
	go n.heartbeatLoop(runCtx)

	n.wg.Add(1)
	go n.maintenanceLoop(runCtx)

	if n.discovery != nil {
		if err := n.discovery.Start(runCtx); err != nil {
			n.log.Warn("mdns discovery failed to start", zap.Error(err))
		}
	}

	n.connectBootstrap(runCtx)

	n.log.Info("node started", zap.String("node_id", string(n.ID())), zap.String("address", n.Address()))
	return nil
}

// Stop shuts every component down in the strict reverse of boot order
// (spec.md §4.11, §5): background loops first, then transport, then
// gossip/DHT/trust/peers are simply abandoned (they hold no external
// resources), then the store, releasing the socket before returning.
func (n *Node) Stop() error {
	n.log.Info("stopping node")
	if n.cancel != nil {
		n.cancel()
	}

	var err error
	if n.discovery != nil {
		err = multierr.Append(err, n.discovery.Close())
	}
	err = multierr.Append(err, n.transport.Close())

	n.wg.Wait()

	if saveErr := n.history.Save(); saveErr != nil {
		err = multierr.Append(err, saveErr)
	}
	err = multierr.Append(err, n.store.Close())

	n.log.Info("node stopped")
	return err
}

// RegisterDataHandler registers a named handler invoked for every
// inbound CUSTOM_DATA or GOSSIP message.
func (n *Node) RegisterDataHandler(name string, h DataHandler) {
	n.handlersMu.Lock()
	defer n.handlersMu.Unlock()
	n.customHandlers[name] = h
}

// Broadcast originates a GOSSIP message carrying data, propagated via
// epidemic fanout to every registered DataHandler on receiving nodes.
func (n *Node) Broadcast(ctx context.Context, data any, ttl int) error {
	msg, err := meshnet.NewMessage(meshnet.MsgGossip, n.ID(), nowUnix(), map[string]any{"data": data}, ttl)
	if err != nil {
		return err
	}
	n.sign(&msg)
	return n.gossip.Broadcast(ctx, msg)
}

// SendToPeer sends custom data directly to a known peer by node id.
func (n *Node) SendToPeer(ctx context.Context, id meshnet.NodeID, data any) error {
	peer, ok := n.peers.Get(id)
	if !ok {
		return fmt.Errorf("node: unknown peer %s", id)
	}
	msg, err := meshnet.NewMessage(meshnet.MsgCustomData, n.ID(), nowUnix(), map[string]any{"data": data}, 1)
	if err != nil {
		return err
	}
	n.sign(&msg)
	return n.send.Send(ctx, peer.Address, msg)
}

// Store writes a value into the DHT.
func (n *Node) Store(ctx context.Context, key string, value any, ttl time.Duration) error {
	return n.dht.Store(ctx, key, value, ttl)
}

// Retrieve reads a value from the DHT.
func (n *Node) Retrieve(ctx context.Context, key string) (any, bool, error) {
	return n.dht.Retrieve(ctx, key)
}

func (n *Node) sign(msg *meshnet.Message) {
	data, err := msg.SignableBytes()
	if err != nil {
		n.log.Warn("failed to compute signable bytes", zap.Error(err))
		return
	}
	msg.Signature = n.identity.Sign(data)
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
