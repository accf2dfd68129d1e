package node

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"

	"github.com/shurlinet/meshveil/internal/peerstore"
	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// registerHandlers installs the node-level handlers for every
// message type the original source dispatched on, except HEARTBEAT:
// liveness is already captured generically by the Observe call every
// inbound message goes through in verifyAndDispatch.
func (n *Node) registerHandlers() {
	n.gossip.RegisterHandler(meshnet.MsgHandshake, n.handleHandshake)
	n.gossip.RegisterHandler(meshnet.MsgHandshakeAck, n.handleHandshakeAck)
	n.gossip.RegisterHandler(meshnet.MsgPeerDiscovery, n.handlePeerDiscovery)
	n.gossip.RegisterHandler(meshnet.MsgPeerAnnouncement, n.handlePeerAnnouncement)
	n.gossip.RegisterHandler(meshnet.MsgTrustUpdate, n.handleTrustUpdate)
	n.gossip.RegisterHandler(meshnet.MsgTrustedPeersRequest, n.handleTrustedPeersRequest)
	n.gossip.RegisterHandler(meshnet.MsgTrustedPeersResponse, n.handleTrustedPeersResponse)
	n.gossip.RegisterHandler(meshnet.MsgDisconnect, n.handleDisconnect)
	// CUSTOM_DATA is the addressed (send_to_peer) form and GOSSIP is the
	// broadcast form; both fan application payloads out to the same
	// registered data handlers.
	n.gossip.RegisterHandler(meshnet.MsgCustomData, n.handleCustomData)
	n.gossip.RegisterHandler(meshnet.MsgGossip, n.handleCustomData)
}

// onTransportMessage is the transport's inbound callback. It decodes,
// verifies, and routes one datagram payload (spec.md §4.11).
func (n *Node) onTransportMessage(remoteAddr string, payload []byte) {
	msg, err := meshnet.DecodeMessage(payload)
	if err != nil {
		n.log.Debug("dropping undecodable message", zap.String("remote", remoteAddr), zap.Error(err))
		return
	}
	if err := n.verifyAndDispatch(context.Background(), msg, remoteAddr); err != nil {
		n.log.Debug("dropping message", zap.String("remote", remoteAddr), zap.Uint8("type", uint8(msg.Type)), zap.Error(err))
	}
}

// verifyAndDispatch checks the message's signature when required by
// its type, records liveness, and routes it to the DHT or the gossip
// engine's dedup/trust-gate/handler pipeline (spec.md §4.9, §4.11).
//
// HEARTBEAT signing is optional; every other type requires a valid
// signature, verified against either the payload-carried public key
// (HANDSHAKE/HANDSHAKE_ACK self-certify: the key must hash to the
// sender id) or the public key bound to the sender in the peer store
// during a prior handshake.
func (n *Node) verifyAndDispatch(ctx context.Context, msg meshnet.Message, remoteAddr string) error {
	if msg.Type != meshnet.MsgHeartbeat {
		pub, err := n.resolveSenderPublicKey(msg)
		if err != nil {
			n.penalize(ctx, msg.SenderID)
			return err
		}
		signable, err := msg.SignableBytes()
		if err != nil {
			return err
		}
		if len(msg.Signature) == 0 || !meshnet.Verify(pub, signable, msg.Signature) {
			n.penalize(ctx, msg.SenderID)
			return fmt.Errorf("invalid or missing signature on type %d from %s", msg.Type, msg.SenderID)
		}
	}

	_ = n.peers.Observe(ctx, peerstore.Peer{NodeID: msg.SenderID, Address: remoteAddr})

	if isDHTType(msg.Type) {
		return n.dht.HandleMessage(ctx, msg, remoteAddr)
	}
	_, err := n.gossip.Receive(ctx, msg, remoteAddr)
	return err
}

func (n *Node) resolveSenderPublicKey(msg meshnet.Message) (ed25519.PublicKey, error) {
	if msg.Type == meshnet.MsgHandshake || msg.Type == meshnet.MsgHandshakeAck {
		raw, ok := decodeBytesField(msg.Payload["public_key"])
		if !ok {
			return nil, fmt.Errorf("message type %d payload missing public_key", msg.Type)
		}
		pub := ed25519.PublicKey(raw)
		if meshnet.DeriveNodeID(pub) != msg.SenderID {
			return nil, fmt.Errorf("handshake public key does not derive sender id %s", msg.SenderID)
		}
		return pub, nil
	}

	p, ok := n.peers.Get(msg.SenderID)
	if !ok || len(p.PublicKey) == 0 {
		return nil, fmt.Errorf("no known public key for sender %s", msg.SenderID)
	}
	return ed25519.PublicKey(p.PublicKey), nil
}

// penalize applies the invalid-message trust delta to the claimed
// sender id unconditionally, even if that id has never been admitted
// as a peer: a forged message from an unknown sender is still a
// signal about that sender id, not something to ignore just because
// no handshake vouched for it yet (spec.md §7 SignatureInvalid).
func (n *Node) penalize(ctx context.Context, id meshnet.NodeID) {
	_ = n.trust.OnInvalidMessage(ctx, id)
}

func isDHTType(t meshnet.MessageType) bool {
	switch t {
	case meshnet.MsgDHTStore, meshnet.MsgDHTStoreResponse,
		meshnet.MsgDHTFindValue, meshnet.MsgDHTFindValueResponse,
		meshnet.MsgDHTDelete, meshnet.MsgDHTDeleteResponse:
		return true
	default:
		return false
	}
}

// handleHandshake admits the sender as a known peer with its
// self-certified public key and replies with a HANDSHAKE_ACK.
func (n *Node) handleHandshake(ctx context.Context, msg meshnet.Message, senderAddr string) error {
	pub, ok := decodeBytesField(msg.Payload["public_key"])
	if !ok {
		return fmt.Errorf("handshake missing public_key")
	}
	addr, _ := msg.Payload["address"].(string)
	if addr == "" {
		addr = senderAddr
	}

	if err := n.peers.Observe(ctx, peerstore.Peer{
		NodeID:     msg.SenderID,
		Address:    addr,
		PublicKey:  pub,
		TrustScore: n.cfg.Trust.InitialScore,
	}); err != nil {
		return err
	}

	ack, err := meshnet.NewMessage(meshnet.MsgHandshakeAck, n.ID(), nowUnix(), map[string]any{
		"public_key": []byte(n.identity.PublicKey()),
		"peers":      []any{},
	}, 1)
	if err != nil {
		return err
	}
	n.sign(&ack)
	return n.send.Send(ctx, senderAddr, ack)
}

// handleHandshakeAck admits the responding peer and ingests any peers
// it announced alongside its acknowledgment.
func (n *Node) handleHandshakeAck(ctx context.Context, msg meshnet.Message, senderAddr string) error {
	pub, ok := decodeBytesField(msg.Payload["public_key"])
	if !ok {
		return fmt.Errorf("handshake_ack missing public_key")
	}
	if err := n.peers.Observe(ctx, peerstore.Peer{
		NodeID:     msg.SenderID,
		Address:    senderAddr,
		PublicKey:  pub,
		TrustScore: n.cfg.Trust.InitialScore,
	}); err != nil {
		return err
	}

	list, _ := msg.Payload["peers"].([]any)
	return n.ingestPeerList(ctx, list)
}

// handlePeerDiscovery replies with our top trusted peers.
func (n *Node) handlePeerDiscovery(ctx context.Context, msg meshnet.Message, senderAddr string) error {
	trusted := n.peers.GetTrustedPeers(0.6)
	if len(trusted) > 10 {
		trusted = trusted[:10]
	}
	resp, err := meshnet.NewMessage(meshnet.MsgPeerAnnouncement, n.ID(), nowUnix(), map[string]any{
		"peers": encodePeerList(trusted),
	}, 1)
	if err != nil {
		return err
	}
	n.sign(&resp)
	return n.send.Send(ctx, senderAddr, resp)
}

// handlePeerAnnouncement ingests peers announced by another node.
func (n *Node) handlePeerAnnouncement(ctx context.Context, msg meshnet.Message, senderAddr string) error {
	list, _ := msg.Payload["peers"].([]any)
	return n.ingestPeerList(ctx, list)
}

// handleTrustUpdate applies a transitive trust recommendation from the
// sender about a third node (spec.md §4.8).
func (n *Node) handleTrustUpdate(ctx context.Context, msg meshnet.Message, senderAddr string) error {
	target, _ := msg.Payload["target_node_id"].(string)
	score, ok := toFloat(msg.Payload["trust_score"])
	if target == "" || !ok {
		return fmt.Errorf("malformed trust_update payload")
	}
	return n.trust.ApplyTransitiveTrust(ctx, msg.SenderID, meshnet.NodeID(target), score)
}

// handleTrustedPeersRequest replies with our most trusted peers.
func (n *Node) handleTrustedPeersRequest(ctx context.Context, msg meshnet.Message, senderAddr string) error {
	trusted := n.peers.GetTrustedPeers(0.7)
	if len(trusted) > 20 {
		trusted = trusted[:20]
	}
	resp, err := meshnet.NewMessage(meshnet.MsgTrustedPeersResponse, n.ID(), nowUnix(), map[string]any{
		"trusted_peers": encodePeerList(trusted),
	}, 1)
	if err != nil {
		return err
	}
	n.sign(&resp)
	return n.send.Send(ctx, senderAddr, resp)
}

// handleTrustedPeersResponse applies transitive trust for, and learns
// the address of, every recommended peer.
func (n *Node) handleTrustedPeersResponse(ctx context.Context, msg meshnet.Message, senderAddr string) error {
	list, _ := msg.Payload["trusted_peers"].([]any)
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		idStr, _ := m["node_id"].(string)
		if idStr == "" || meshnet.NodeID(idStr) == n.ID() {
			continue
		}
		trustVal, _ := toFloat(m["trust_score"])

		if err := n.trust.ApplyTransitiveTrust(ctx, msg.SenderID, meshnet.NodeID(idStr), trustVal); err != nil {
			n.log.Warn("failed to apply transitive trust", zap.String("peer", idStr), zap.Error(err))
		}
		if _, known := n.peers.Get(meshnet.NodeID(idStr)); !known {
			if addr, _ := m["address"].(string); addr != "" {
				n.peers.AddCandidate(meshnet.NodeID(idStr), addr)
			}
		}
	}
	return nil
}

// handleDisconnect logs a peer's graceful departure.
func (n *Node) handleDisconnect(ctx context.Context, msg meshnet.Message, senderAddr string) error {
	reason, _ := msg.Payload["reason"].(string)
	n.log.Info("peer disconnected", zap.String("peer", string(msg.SenderID)), zap.String("reason", reason))
	return nil
}

// handleCustomData fans an application payload out to every registered
// data handler, recovering panics so one misbehaving handler cannot
// take down message dispatch.
func (n *Node) handleCustomData(ctx context.Context, msg meshnet.Message, senderAddr string) error {
	data := msg.Payload["data"]

	n.handlersMu.RLock()
	handlers := make([]DataHandler, 0, len(n.customHandlers))
	for _, h := range n.customHandlers {
		handlers = append(handlers, h)
	}
	n.handlersMu.RUnlock()

	for _, h := range handlers {
		n.invokeDataHandler(h, msg.SenderID, data)
	}
	return nil
}

func (n *Node) invokeDataHandler(h DataHandler, sender meshnet.NodeID, data any) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("custom data handler panicked", zap.Any("panic", r))
		}
	}()
	h(sender, data)
}

func (n *Node) ingestPeerList(ctx context.Context, list []any) error {
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		idStr, _ := m["node_id"].(string)
		if idStr == "" {
			continue
		}
		id := meshnet.NodeID(idStr)
		if id == n.ID() {
			continue
		}
		addr, _ := m["address"].(string)
		pub, _ := decodeBytesField(m["public_key"])
		trustVal, ok := toFloat(m["trust_score"])
		if !ok {
			trustVal = n.cfg.Trust.InitialScore
		}
		if err := n.peers.Observe(ctx, peerstore.Peer{
			NodeID:     id,
			Address:    addr,
			PublicKey:  pub,
			TrustScore: trustVal,
		}); err != nil {
			n.log.Warn("failed to observe announced peer", zap.String("peer", idStr), zap.Error(err))
		}
	}
	return nil
}

func encodePeerList(peers []peerstore.Peer) []any {
	out := make([]any, 0, len(peers))
	for _, p := range peers {
		out = append(out, map[string]any{
			"node_id":     string(p.NodeID),
			"address":     p.Address,
			"public_key":  []byte(p.PublicKey),
			"trust_score": p.TrustScore,
		})
	}
	return out
}

func decodeBytesField(v any) ([]byte, bool) {
	switch x := v.(type) {
	case []byte:
		return x, true
	case string:
		b, err := base64.StdEncoding.DecodeString(x)
		if err != nil {
			return nil, false
		}
		return b, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}
