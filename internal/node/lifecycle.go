package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shurlinet/meshveil/internal/peerstore"
	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// heartbeatLoop emits an unsigned HEARTBEAT to every active peer on
// cfg.Node.HeartbeatInterval (default 10s, spec.md §4.11).
func (n *Node) heartbeatLoop(ctx context.Context) {
	defer n.wg.Done()

	interval := n.cfg.Node.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.sendHeartbeats(ctx)
		}
	}
}

func (n *Node) sendHeartbeats(ctx context.Context) {
	msg, err := meshnet.NewMessage(meshnet.MsgHeartbeat, n.ID(), nowUnix(), map[string]any{}, 1)
	if err != nil {
		n.log.Warn("failed to build heartbeat", zap.Error(err))
		return
	}
	for _, p := range n.peers.GetRandomPeers(n.peers.ActiveCount(), nil) {
		if err := n.send.Send(ctx, p.Address, msg); err != nil {
			n.log.Debug("heartbeat send failed", zap.String("peer", string(p.NodeID)), zap.Error(err))
		}
	}
}

// maintenanceLoop drives the peer manager's liveness sweep and dials
// discovery candidates on cfg.Peers.DiscoveryInterval (spec.md §4.7).
func (n *Node) maintenanceLoop(ctx context.Context) {
	defer n.wg.Done()

	interval := n.cfg.Peers.DiscoveryInterval
	if interval <= 0 {
		interval = peerstore.DefaultLivenessSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := n.peers.Sweep(ctx)
			for _, id := range evicted {
				n.log.Debug("evicted inactive peer", zap.String("peer", string(id)))
			}
			for _, addr := range n.peers.DiscoveryCandidates() {
				n.wg.Add(1)
				go func(addr string) {
					defer n.wg.Done()
					n.dialAndHandshake(ctx, addr, n.bootstrapDialTimeout)
				}(addr)
			}
		}
	}
}

// connectBootstrap dials every configured bootstrap node at startup.
// Failures are logged, never fatal (spec.md §4.11).
func (n *Node) connectBootstrap(ctx context.Context) {
	for _, addr := range n.cfg.Peers.BootstrapNodes {
		addr := addr
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.log.Info("connecting to bootstrap node", zap.String("address", addr))
			if err := n.dialAndHandshake(ctx, addr, n.bootstrapDialTimeout); err != nil {
				n.log.Warn("failed to connect to bootstrap node", zap.String("address", addr), zap.Error(err))
			} else {
				n.log.Info("connected to bootstrap node", zap.String("address", addr))
			}
		}()
	}
}

// dialAndHandshake opens a transport connection to addr and repeats a
// signed HANDSHAKE send until the reliable connection reaches
// ESTABLISHED (so SendReliable stops returning ErrNotEstablished) or
// timeout elapses.
func (n *Node) dialAndHandshake(ctx context.Context, addr string, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n.transport.Dial(addr)

	msg, err := meshnet.NewMessage(meshnet.MsgHandshake, n.ID(), nowUnix(), map[string]any{
		"public_key": []byte(n.identity.PublicKey()),
		"address":    n.Address(),
	}, 1)
	if err != nil {
		return err
	}
	n.sign(&msg)

	ticker := time.NewTicker(handshakeRetryInterval)
	defer ticker.Stop()

	for {
		if err := n.send.Send(dialCtx, addr, msg); err == nil {
			return nil
		}
		select {
		case <-dialCtx.Done():
			return dialCtx.Err()
		case <-ticker.C:
		}
	}
}

// onNewTransportPeer logs a passive connection's creation; the peer
// itself is admitted once its app-level HANDSHAKE message arrives.
func (n *Node) onNewTransportPeer(remoteAddr string) {
	n.log.Debug("new passive transport connection", zap.String("remote", remoteAddr))
}
