// Package discovery implements optional LAN peer discovery, feeding
// candidate addresses into the peer manager's discovery order
// (spec.md §4.7 supplemented with a dropped teacher feature).
package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"
	"go.uber.org/zap"

	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// MDNSServiceName is the DNS-SD service type used for LAN discovery.
const MDNSServiceName = "_meshveil._udp"

const (
	mdnsDedupeInterval  = 30 * time.Second
	mdnsBrowseInterval  = 30 * time.Second
	mdnsBrowseTimeout   = 10 * time.Second
	nodeIDTxtPrefix     = "nodeid="
	addressTxtPrefix    = "addr="
)

// CandidateSink registers a discovered peer address as a dial
// candidate. Satisfied by peerstore.Manager.AddCandidate. A narrow
// interface so discovery does not import peerstore's full surface
// (spec.md §9 "cyclic ownership").
type CandidateSink interface {
	AddCandidate(id meshnet.NodeID, address string)
}

// MDNS advertises this node on the LAN and periodically browses for
// others, feeding discoveries into a CandidateSink. Adapted from the
// teacher's libp2p-oriented pkg/p2pnet/mdns.go: multiaddr/peer.AddrInfo
// encoding is replaced with plain nodeid + host:port TXT records, and
// the platform-native dns_sd.h browse path is dropped in favor of
// zeroconf.Browse directly, since that split exists to cooperate with
// libp2p's swarm dialer, which meshveil does not have.
type MDNS struct {
	log      *zap.Logger
	self     meshnet.NodeID
	hostPort string
	sink     CandidateSink
	server   *zeroconf.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lastTry map[meshnet.NodeID]time.Time
}

// New constructs an MDNS discovery service advertising selfAddr
// ("host:port") as the node identified by self.
func New(self meshnet.NodeID, selfAddr string, sink CandidateSink, log *zap.Logger) *MDNS {
	return &MDNS{
		log:      log.Named("mdns"),
		self:     self,
		hostPort: selfAddr,
		sink:     sink,
		lastTry:  make(map[meshnet.NodeID]time.Time),
	}
}

// Start registers this node's service and begins the periodic browse
// loop.
func (m *MDNS) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.startServer(); err != nil {
		return fmt.Errorf("discovery: mdns register: %w", err)
	}

	m.wg.Add(1)
	go m.browseLoop()
	return nil
}

// Close stops advertising and browsing, waiting for in-flight work.
func (m *MDNS) Close() error {
	m.cancel()
	if m.server != nil {
		m.server.Shutdown()
	}
	m.wg.Wait()
	return nil
}

func (m *MDNS) startServer() error {
	_, portStr, err := net.SplitHostPort(m.hostPort)
	if err != nil {
		return fmt.Errorf("split host:port: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("parse port: %w", err)
	}

	ips := localIPv4Addrs()
	if len(ips) == 0 {
		ips = []string{"127.0.0.1"}
	}

	txts := []string{
		nodeIDTxtPrefix + string(m.self),
		addressTxtPrefix + m.hostPort,
	}

	instance := randomInstanceName()
	server, err := zeroconf.RegisterProxy(
		instance,
		MDNSServiceName,
		"local",
		port,
		instance,
		ips,
		txts,
		nil,
	)
	if err != nil {
		return err
	}
	m.server = server
	return nil
}

func (m *MDNS) browseLoop() {
	defer m.wg.Done()

	select {
	case <-time.After(2 * time.Second):
	case <-m.ctx.Done():
		return
	}
	m.runBrowse()

	ticker := time.NewTicker(mdnsBrowseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runBrowse()
		}
	}
}

func (m *MDNS) runBrowse() {
	browseCtx, cancel := context.WithTimeout(m.ctx, mdnsBrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	go func() {
		for entry := range entries {
			m.handleEntry(entry)
		}
	}()

	if err := zeroconf.Browse(browseCtx, MDNSServiceName, "local.", entries); err != nil {
		if m.ctx.Err() == nil {
			m.log.Debug("browse round error", zap.Error(err))
		}
	}
}

func (m *MDNS) handleEntry(entry *zeroconf.ServiceEntry) {
	m.handleParsedEntry(entry.Text)
}

// handleParsedEntry applies dedup and forwards a discovered peer to
// the CandidateSink. Split out from handleEntry so it can be exercised
// without a live zeroconf.ServiceEntry.
func (m *MDNS) handleParsedEntry(txts []string) {
	var nodeID meshnet.NodeID
	var addr string
	for _, txt := range txts {
		switch {
		case strings.HasPrefix(txt, nodeIDTxtPrefix):
			nodeID = meshnet.NodeID(strings.TrimPrefix(txt, nodeIDTxtPrefix))
		case strings.HasPrefix(txt, addressTxtPrefix):
			addr = strings.TrimPrefix(txt, addressTxtPrefix)
		}
	}
	if nodeID == "" || addr == "" || nodeID == m.self {
		return
	}

	m.mu.Lock()
	if last, ok := m.lastTry[nodeID]; ok && time.Since(last) < mdnsDedupeInterval {
		m.mu.Unlock()
		return
	}
	m.lastTry[nodeID] = time.Now()
	m.mu.Unlock()

	m.log.Info("peer discovered on LAN", zap.String("node", string(nodeID)), zap.String("addr", addr))
	m.sink.AddCandidate(nodeID, addr)
}

func localIPv4Addrs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var ips []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLinkLocalUnicast() {
				continue
			}
			ips = append(ips, ip4.String())
		}
	}
	return ips
}

func randomInstanceName() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 16)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}
