package meshnet

import (
	"math"
	"time"
)

// DefaultMSS is the maximum segment size used by the congestion
// controller's byte-denominated arithmetic.
const DefaultMSS = 1400

const (
	minRTO = time.Second
	maxRTO = 60 * time.Second
)

// FlowController tracks the advertised-window half of the two
// independent send bounds in spec.md §4.3.
type FlowController struct {
	LocalWindow int
	PeerWindow  int
	InFlight    int
}

// NewFlowController constructs a FlowController with an initial
// advertised window.
func NewFlowController(initialWindow int) *FlowController {
	return &FlowController{LocalWindow: initialWindow, PeerWindow: initialWindow}
}

// Available returns the flow window's current admission headroom.
func (f *FlowController) Available() int {
	effective := f.LocalWindow
	if f.PeerWindow < effective {
		effective = f.PeerWindow
	}
	avail := effective - f.InFlight
	if avail < 0 {
		return 0
	}
	return avail
}

// CanSend reports whether n bytes fit within the current flow window.
func (f *FlowController) CanSend(n int) bool {
	return n <= f.Available()
}

// OnSend records n bytes as newly in flight.
func (f *FlowController) OnSend(n int) {
	f.InFlight += n
}

// OnAck records n acknowledged bytes and updates the peer's most
// recently advertised receive window.
func (f *FlowController) OnAck(n int, peerWindow int) {
	f.InFlight -= n
	if f.InFlight < 0 {
		f.InFlight = 0
	}
	f.PeerWindow = peerWindow
}

// CongestionController implements Reno-style congestion control: slow
// start, congestion avoidance, fast retransmit/recovery on three
// duplicate acks, and RTO-triggered multiplicative decrease
// (spec.md §4.3).
type CongestionController struct {
	mss float64

	cwnd     float64
	ssthresh float64

	inSlowStart   bool
	inFastRecover bool

	lastAck    uint32
	haveLast   bool
	dupAckHits int

	losses         int
	fastRetransmit int

	srtt    time.Duration
	rttvar  time.Duration
	haveRTT bool
}

// NewCongestionController constructs a controller starting in slow
// start with cwnd = 1 MSS.
func NewCongestionController(mss int) *CongestionController {
	if mss <= 0 {
		mss = DefaultMSS
	}
	return &CongestionController{
		mss:         float64(mss),
		cwnd:        float64(mss),
		ssthresh:    65535,
		inSlowStart: true,
	}
}

// Window returns the current congestion window in bytes.
func (c *CongestionController) Window() int {
	return int(c.cwnd)
}

// InSlowStart reports whether the controller is in the slow-start phase.
func (c *CongestionController) InSlowStart() bool { return c.inSlowStart }

// InFastRecovery reports whether the controller is in fast recovery.
func (c *CongestionController) InFastRecovery() bool { return c.inFastRecover }

// OnAck advances the congestion window on a fresh (non-duplicate) ack.
func (c *CongestionController) OnAck() {
	switch {
	case c.inFastRecover:
		c.cwnd = c.ssthresh
		c.inFastRecover = false
	case c.inSlowStart:
		c.cwnd += c.mss
		if c.cwnd >= c.ssthresh {
			c.inSlowStart = false
		}
	default:
		c.cwnd += c.mss * c.mss / c.cwnd
	}
	c.dupAckHits = 0
}

// OnDuplicateAck registers a duplicate ack for the given cumulative ack
// number, triggering fast retransmit on the third consecutive hit.
func (c *CongestionController) OnDuplicateAck(ack uint32) {
	if c.haveLast && ack == c.lastAck {
		c.dupAckHits++
		if c.dupAckHits == 3 {
			c.onFastRetransmit()
		}
		return
	}
	c.lastAck = ack
	c.haveLast = true
	c.dupAckHits = 1
}

func (c *CongestionController) onFastRetransmit() {
	c.fastRetransmit++
	c.ssthresh = math.Max(c.cwnd/2, 2*c.mss)
	c.cwnd = c.ssthresh + 3*c.mss
	c.inFastRecover = true
	c.inSlowStart = false
}

// OnTimeout handles a retransmission timeout: multiplicative decrease
// and re-entry into slow start.
func (c *CongestionController) OnTimeout() {
	c.losses++
	c.ssthresh = math.Max(c.cwnd/2, 2*c.mss)
	c.cwnd = c.mss
	c.inSlowStart = true
	c.inFastRecover = false
	c.dupAckHits = 0
}

// SampleRTT feeds one RTT observation into the Jacobson/Karels
// estimator (α=1/8, β=1/4) and returns the current retransmission
// timeout, clamped to [1s, 60s].
func (c *CongestionController) SampleRTT(sample time.Duration) time.Duration {
	const (
		alphaNum, alphaDen = 1, 8
		betaNum, betaDen   = 1, 4
	)
	if !c.haveRTT {
		c.srtt = sample
		c.rttvar = sample / 2
		c.haveRTT = true
	} else {
		delta := sample - c.srtt
		if delta < 0 {
			delta = -delta
		}
		c.rttvar += (delta - c.rttvar) * betaNum / betaDen
		c.srtt += (sample - c.srtt) * alphaNum / alphaDen
	}
	return c.RTO()
}

// RTO returns the current retransmission timeout.
func (c *CongestionController) RTO() time.Duration {
	rto := c.srtt + 4*c.rttvar
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	return rto
}
