package meshnet

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func errIsChecksum(err error) bool {
	return err != nil && strings.Contains(err.Error(), "checksum")
}

// MaintenanceTickInterval is the 10 Hz cadence of the maintenance tick,
// which retransmits timed-out packets, expires idle and TIME_WAIT
// connections, and collects stale fragment buffers. The transport keeps
// no send queue, so the tick has nothing to drain.
const MaintenanceTickInterval = 100 * time.Millisecond

// Handler receives a decoded, reassembled application payload from a
// remote address. Packets that belong to a reliable connection are
// delivered only once, in order.
type Handler func(remoteAddr string, payload []byte)

// Transport binds a UDP socket and demultiplexes inbound datagrams to
// per-remote Connection state machines, per spec.md §4.5.
type Transport struct {
	log  *zap.Logger
	conn net.PacketConn
	mtu  int

	Metrics *Metrics

	mu          sync.Mutex
	connections map[string]*Connection
	reassembler map[string]*Reassembler
	limiter     *AddressLimiter

	handler      Handler
	onNewPeer    func(remoteAddr string)
	limiterRate  rate.Limit
	limiterBurst int

	closed chan struct{}
	wg     sync.WaitGroup
}

// TransportOption customizes Transport construction.
type TransportOption func(*Transport)

// WithHandler sets the callback invoked for each fully reassembled,
// in-order application payload.
func WithHandler(h Handler) TransportOption {
	return func(t *Transport) { t.handler = h }
}

// WithNewPeerHook sets a callback invoked when a SYN from an unknown
// remote address creates a new passive connection.
func WithNewPeerHook(f func(remoteAddr string)) TransportOption {
	return func(t *Transport) { t.onNewPeer = f }
}

// WithRateLimit overrides the default per-remote-address inbound token
// bucket (defensive backpressure ahead of the queue-drop policy).
func WithRateLimit(r rate.Limit, burst int) TransportOption {
	return func(t *Transport) { t.limiterRate, t.limiterBurst = r, burst }
}

// NewTransport binds a UDP socket on addr and prepares the transport.
// Call Serve to start the receive pump and maintenance tick.
func NewTransport(addr string, mtu int, log *zap.Logger, opts ...TransportOption) (*Transport, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("meshnet: listen %s: %w", addr, err)
	}
	if mtu <= HeaderSize {
		mtu = 1400
	}
	t := &Transport{
		log:          log.Named("transport"),
		conn:         conn,
		mtu:          mtu,
		Metrics:      NewMetrics(),
		connections:  make(map[string]*Connection),
		reassembler:  make(map[string]*Reassembler),
		limiterRate:  rate.Limit(200),
		limiterBurst: 400,
		closed:       make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.limiter = NewAddressLimiter(t.limiterRate, t.limiterBurst)
	return t, nil
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Serve starts the receive pump and maintenance tick goroutines. It
// blocks until ctx is cancelled or Close is called.
func (t *Transport) Serve(ctx context.Context) {
	t.wg.Add(2)
	go t.recvPump()
	go t.maintenanceLoop(ctx)
	select {
	case <-ctx.Done():
	case <-t.closed:
	}
	t.Close()
	t.wg.Wait()
}

// Close releases the socket, unblocking any in-flight Serve call.
func (t *Transport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}
	return t.conn.Close()
}

func (t *Transport) recvPump() {
	defer t.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.Debug("read error", zap.Error(err))
				return
			}
		}
		t.handleDatagram(addr.String(), append([]byte(nil), buf[:n]...))
	}
}

func (t *Transport) handleDatagram(remote string, data []byte) {
	if !t.limiter.Allow(remote) {
		return
	}

	h, payload, err := DecodePacket(data)
	if err != nil {
		t.Metrics.PacketsDropped.Add(1)
		if errIsChecksum(err) {
			t.Metrics.ChecksumErrors.Add(1)
		}
		t.log.Debug("dropping invalid packet", zap.String("remote", remote), zap.Error(err))
		return
	}
	t.Metrics.PacketsReceived.Add(1)

	t.mu.Lock()
	conn, known := t.connections[remote]
	t.mu.Unlock()

	switch h.Type {
	case PacketSyn:
		if !known {
			conn = NewConnection(remote)
			t.mu.Lock()
			t.connections[remote] = conn
			t.mu.Unlock()
			if t.onNewPeer != nil {
				t.onNewPeer(remote)
			}
		}
		synAck := conn.HandlePassiveSyn(h)
		t.sendRaw(remote, synAck)

	case PacketSynAck:
		if known {
			ack := conn.HandleSynAck(h)
			t.sendRaw(remote, ack)
		}

	case PacketAck:
		if known {
			if conn.State() == StateSynReceived {
				conn.HandleHandshakeAck(h)
			} else {
				conn.HandleAck(h)
			}
		}

	case PacketFin:
		if known {
			t.sendRaw(remote, conn.HandleFin(h))
		}

	case PacketData, PacketFragment:
		t.handleDataOrFragment(remote, conn, h, payload)

	case PacketPing:
		t.sendRaw(remote, EncodePacket(Header{Type: PacketPong}, nil))

	case PacketPong:
		// keepalive acknowledgement; no action required.

	default:
		t.log.Debug("dropping unhandled packet type", zap.Uint8("type", uint8(h.Type)))
	}
}

func (t *Transport) handleDataOrFragment(remote string, conn *Connection, h Header, payload []byte) {
	full := payload
	if h.Flags&FlagFragmented != 0 {
		r := t.reassemblerFor(remote)
		reassembled, complete, err := r.Add(h, payload)
		if err != nil {
			t.log.Debug("fragment error", zap.String("remote", remote), zap.Error(err))
			return
		}
		if !complete {
			return
		}
		full = reassembled
	}

	if h.Flags&FlagCompressed != 0 {
		decompressed, err := DecompressPayload(full)
		if err != nil {
			t.log.Debug("decompress error", zap.String("remote", remote), zap.Error(err))
			return
		}
		full = decompressed
	}

	if conn != nil && h.Flags&FlagReliable != 0 {
		delivered, ack := conn.HandleData(h, full)
		for _, d := range delivered {
			t.deliver(remote, d)
		}
		if ack != nil {
			t.sendRaw(remote, ack)
		}
		return
	}

	t.deliver(remote, full)
}

func (t *Transport) deliver(remote string, payload []byte) {
	if t.handler != nil {
		t.handler(remote, payload)
	}
}

func (t *Transport) reassemblerFor(remote string) *Reassembler {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.reassembler[remote]
	if !ok {
		r = NewReassembler()
		t.reassembler[remote] = r
	}
	return r
}

func (t *Transport) sendRaw(remote string, pkt []byte) {
	if len(pkt) == 0 {
		return
	}
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		t.log.Debug("resolve error", zap.String("remote", remote), zap.Error(err))
		return
	}
	if _, err := t.conn.WriteTo(pkt, addr); err != nil {
		t.log.Debug("write error", zap.String("remote", remote), zap.Error(err))
		return
	}
	t.Metrics.PacketsSent.Add(1)
}

// SendUnreliable fragments payload if needed and fires the resulting
// datagrams with no retained state (spec.md §4.5).
func (t *Transport) SendUnreliable(remote string, fragmentID uint32, payload []byte) error {
	packets, err := FragmentPacket(payload, 0, fragmentID, t.mtu)
	if err != nil {
		return err
	}
	for _, p := range packets {
		t.sendRaw(remote, p)
	}
	return nil
}

// SendReliable requires an ESTABLISHED connection to remote and hands
// payload, unfragmented, to the connection's send admission as a single
// DATA packet. If the window does not admit it, the payload is dropped
// with a warning and nil is returned; nothing is queued for a later
// maintenance tick.
func (t *Transport) SendReliable(remote string, payload []byte) error {
	t.mu.Lock()
	conn, ok := t.connections[remote]
	t.mu.Unlock()
	if !ok || conn.State() != StateEstablished {
		return ErrNotEstablished
	}

	pkt := conn.Send(payload)
	if pkt == nil {
		t.log.Warn("send window full, dropping payload",
			zap.String("remote", remote), zap.Int("payload_bytes", len(payload)))
		return nil // tail-drop; caller must retry, nothing is queued on our side
	}
	t.sendRaw(remote, pkt)
	return nil
}

// Dial initiates an active open to remote, registering a new
// Connection and sending the initial SYN.
func (t *Transport) Dial(remote string) {
	conn := NewConnection(remote)
	t.mu.Lock()
	t.connections[remote] = conn
	t.mu.Unlock()
	t.sendRaw(remote, conn.ActiveOpen())
}

func (t *Transport) maintenanceLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(MaintenanceTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case <-ticker.C:
			t.runMaintenance()
		}
	}
}

func (t *Transport) runMaintenance() {
	t.mu.Lock()
	conns := make(map[string]*Connection, len(t.connections))
	for k, v := range t.connections {
		conns[k] = v
	}
	t.mu.Unlock()

	for remote, conn := range conns {
		retransmits := conn.CheckRetransmits()
		if len(retransmits) > 0 {
			t.Metrics.Retransmits.Add(uint64(len(retransmits)))
			t.Metrics.Timeouts.Add(uint64(len(retransmits)))
		}
		for _, pkt := range retransmits {
			t.sendRaw(remote, pkt)
		}
		if conn.CheckIdle() || conn.AdvanceTimeWait() {
			t.mu.Lock()
			delete(t.connections, remote)
			delete(t.reassembler, remote)
			t.mu.Unlock()
			t.limiter.Forget(remote)
		}
	}

	t.mu.Lock()
	for _, r := range t.reassembler {
		r.GC()
	}
	t.mu.Unlock()
}

// framePacket prefixes a wire packet with a big-endian uint32 length,
// for the TCP-framed transport variant (spec.md §4.5).
func framePacket(pkt []byte) []byte {
	out := make([]byte, 4+len(pkt))
	binary.BigEndian.PutUint32(out[:4], uint32(len(pkt)))
	copy(out[4:], pkt)
	return out
}

// readFramedPacket reads one length-prefixed packet from a stream
// reader such as net.Conn. It returns ErrWireInvalid if the declared
// length exceeds MaxPayloadSize+HeaderSize.
func readFramedPacket(read func([]byte) (int, error)) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := readFull(read, lenBuf); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n > MaxPayloadSize+HeaderSize {
		return nil, fmt.Errorf("%w: framed packet length %d exceeds cap", ErrWireInvalid, n)
	}
	buf := make([]byte, n)
	if _, err := readFull(read, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(read func([]byte) (int, error), buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("%w: short read", ErrWireInvalid)
		}
	}
	return total, nil
}
