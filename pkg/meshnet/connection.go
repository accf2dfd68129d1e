package meshnet

import (
	"sync"
	"time"
)

// ConnState is a state of the per-peer connection FSM (spec.md §4.4).
type ConnState int

const (
	StateClosed ConnState = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	default:
		return "UNKNOWN"
	}
}

// DefaultIdleTimeout matches spec.md §4.4: no traffic in either
// direction for this long unconditionally closes the connection.
const DefaultIdleTimeout = 60 * time.Second

// DefaultTimeWaitDuration bounds how long a passively-closed connection
// lingers in TIME_WAIT before the FSM reports it as fully closed.
const DefaultTimeWaitDuration = 2 * time.Second

type inFlightEntry struct {
	payload     []byte
	sentAt      time.Time
	retransmits int
}

// Connection is the per-remote-address reliability state described in
// spec.md §3 "Connection state": FSM state, sequence counters, queues,
// and the congestion/flow controllers driving admission.
type Connection struct {
	mu sync.Mutex

	RemoteAddr string
	state      ConnState

	nextSendSeq uint32
	recvSeq     uint32

	outOfOrder map[uint32][]byte
	inFlight   map[uint32]*inFlightEntry

	CC *CongestionController
	FC *FlowController

	lastActivity time.Time
	now          func() time.Time

	IdleTimeout      time.Duration
	TimeWaitDuration time.Duration
}

// NewConnection constructs a Connection in the CLOSED state.
func NewConnection(remoteAddr string) *Connection {
	now := time.Now
	return &Connection{
		RemoteAddr:       remoteAddr,
		state:            StateClosed,
		outOfOrder:       make(map[uint32][]byte),
		inFlight:         make(map[uint32]*inFlightEntry),
		CC:               NewCongestionController(DefaultMSS),
		FC:               NewFlowController(65535),
		now:              now,
		lastActivity:     now(),
		IdleTimeout:      DefaultIdleTimeout,
		TimeWaitDuration: DefaultTimeWaitDuration,
	}
}

// State returns the connection's current FSM state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) touch() { c.lastActivity = c.now() }

func (c *Connection) buildHeader(t PacketType, flags PacketFlags) Header {
	return Header{
		Type:     t,
		Flags:    flags,
		Sequence: c.nextSendSeq,
		Ack:      c.recvSeq,
		Window:   uint16(c.FC.LocalWindow),
	}
}

// ActiveOpen transitions CLOSED -> SYN_SENT and returns the SYN packet.
func (c *Connection) ActiveOpen() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateSynSent
	c.touch()
	return EncodePacket(c.buildHeader(PacketSyn, FlagNone), nil)
}

// HandlePassiveSyn transitions CLOSED -> SYN_RECEIVED on an inbound SYN
// and returns the SYN_ACK response.
func (c *Connection) HandlePassiveSyn(h Header) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvSeq = h.Sequence + 1
	c.state = StateSynReceived
	c.touch()
	return EncodePacket(c.buildHeader(PacketSynAck, FlagNone), nil)
}

// HandleSynAck completes an active open: SYN_SENT -> ESTABLISHED,
// returning the final ACK of the three-way handshake.
func (c *Connection) HandleSynAck(h Header) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSynSent {
		return nil
	}
	c.recvSeq = h.Sequence + 1
	c.nextSendSeq++
	c.state = StateEstablished
	c.touch()
	return EncodePacket(c.buildHeader(PacketAck, FlagNone), nil)
}

// HandleHandshakeAck completes a passive open: SYN_RECEIVED -> ESTABLISHED.
func (c *Connection) HandleHandshakeAck(h Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSynReceived {
		c.nextSendSeq++
		c.state = StateEstablished
		c.touch()
	}
}

// Send admits a reliable DATA packet if the combined flow/congestion
// window allows it, registers it as in flight, and returns the wire
// bytes. The empty slice is returned if the window does not admit it.
func (c *Connection) Send(payload []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	avail := c.FC.Available()
	if cw := c.CC.Window() - c.FC.InFlight; cw < avail {
		avail = cw
	}
	if len(payload) > avail {
		return nil
	}

	seq := c.nextSendSeq
	h := c.buildHeader(PacketData, FlagReliable)
	h.Sequence = seq
	pkt := EncodePacket(h, payload)

	c.inFlight[seq] = &inFlightEntry{payload: payload, sentAt: c.now()}
	c.FC.OnSend(len(payload))
	c.nextSendSeq++
	c.touch()
	return pkt
}

// HandleData processes an inbound DATA packet per spec.md §4.4's
// sequencing rules, returning in-order delivered payloads (possibly
// more than one if buffered out-of-order packets become contiguous)
// and a cumulative ACK packet when the inbound packet was RELIABLE.
func (c *Connection) HandleData(h Header, payload []byte) ([][]byte, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	var delivered [][]byte
	switch {
	case h.Sequence == c.recvSeq:
		delivered = append(delivered, payload)
		c.recvSeq++
		for {
			next, ok := c.outOfOrder[c.recvSeq]
			if !ok {
				break
			}
			delivered = append(delivered, next)
			delete(c.outOfOrder, c.recvSeq)
			c.recvSeq++
		}
	case h.Sequence > c.recvSeq:
		c.outOfOrder[h.Sequence] = payload
	default:
		// h.Sequence < c.recvSeq: already delivered, discard.
	}

	var ack []byte
	if h.Flags&FlagReliable != 0 {
		ack = EncodePacket(c.buildHeader(PacketAck, FlagNone), nil)
	}
	return delivered, ack
}

// HandleAck removes acknowledged entries from the in-flight map,
// samples RTT for freshly-acked segments, and advances the congestion
// controller: OnAck on progress, OnDuplicateAck when the ack number
// repeats with nothing newly acknowledged.
func (c *Connection) HandleAck(h Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	c.FC.PeerWindow = int(h.Window)

	ackedBytes := 0
	now := c.now()
	for seq, entry := range c.inFlight {
		if seq > h.Ack {
			continue
		}
		ackedBytes += len(entry.payload)
		c.CC.SampleRTT(now.Sub(entry.sentAt))
		delete(c.inFlight, seq)
	}

	if ackedBytes > 0 {
		c.FC.InFlight -= ackedBytes
		if c.FC.InFlight < 0 {
			c.FC.InFlight = 0
		}
		c.CC.OnAck()
		if c.state == StateSynReceived {
			c.nextSendSeq++
			c.state = StateEstablished
		}
	} else {
		c.CC.OnDuplicateAck(h.Ack)
	}
}

// CheckRetransmits re-sends any in-flight entry whose age exceeds the
// current RTO, incrementing its retransmit counter, and notifies the
// congestion controller of the implied loss.
func (c *Connection) CheckRetransmits() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	rto := c.CC.RTO()
	now := c.now()
	var out [][]byte
	for seq, entry := range c.inFlight {
		if now.Sub(entry.sentAt) <= rto {
			continue
		}
		entry.retransmits++
		entry.sentAt = now
		c.CC.OnTimeout()

		h := c.buildHeader(PacketData, FlagReliable)
		h.Sequence = seq
		out = append(out, EncodePacket(h, entry.payload))
	}
	return out
}

// CheckIdle transitions the connection to CLOSED if no traffic has
// been seen in either direction for IdleTimeout.
func (c *Connection) CheckIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	if c.now().Sub(c.lastActivity) < c.IdleTimeout {
		return false
	}
	c.state = StateClosed
	return true
}

// CloseActive begins a graceful active close: ESTABLISHED -> FIN_WAIT_1,
// returning the FIN packet.
func (c *Connection) CloseActive() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEstablished {
		return nil
	}
	c.state = StateFinWait1
	c.touch()
	return EncodePacket(c.buildHeader(PacketFin, FlagFin), nil)
}

// HandleFin processes an inbound FIN per the TCP-like close rules in
// spec.md §4.4 and always returns a plain ACK packet in response.
func (c *Connection) HandleFin(h Header) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	ack := EncodePacket(c.buildHeader(PacketAck, FlagNone), nil)
	switch c.state {
	case StateEstablished:
		c.state = StateCloseWait
		return ack
	case StateFinWait1:
		c.state = StateClosing
		return ack
	case StateFinWait2:
		c.state = StateTimeWait
		return ack
	default:
		return ack
	}
}

// HandleFinAck advances FIN_WAIT_1/LAST_ACK transitions on the peer's
// acknowledgement of our FIN.
func (c *Connection) HandleFinAck(h Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	switch c.state {
	case StateFinWait1:
		c.state = StateFinWait2
	case StateClosing:
		c.state = StateTimeWait
	case StateLastAck:
		c.state = StateClosed
	}
}

// CloseFromWait performs the passive-close local FIN after the peer's
// FIN has already put us in CLOSE_WAIT: CLOSE_WAIT -> LAST_ACK.
func (c *Connection) CloseFromWait() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCloseWait {
		return nil
	}
	c.state = StateLastAck
	c.touch()
	return EncodePacket(c.buildHeader(PacketFin, FlagFin), nil)
}

// AdvanceTimeWait reports whether a connection sitting in TIME_WAIT has
// lingered past TimeWaitDuration and can now transition to CLOSED.
func (c *Connection) AdvanceTimeWait() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateTimeWait {
		return false
	}
	if c.now().Sub(c.lastActivity) < c.TimeWaitDuration {
		return false
	}
	c.state = StateClosed
	return true
}
