package meshnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionActiveOpenHandshake(t *testing.T) {
	client := NewConnection("peer-a:9000")
	server := NewConnection("peer-b:9000")

	synWire := client.ActiveOpen()
	assert.Equal(t, StateSynSent, client.State())

	synHeader, _, err := DecodePacket(synWire)
	require.NoError(t, err)

	synAckWire := server.HandlePassiveSyn(synHeader)
	assert.Equal(t, StateSynReceived, server.State())

	synAckHeader, _, err := DecodePacket(synAckWire)
	require.NoError(t, err)

	ackWire := client.HandleSynAck(synAckHeader)
	assert.Equal(t, StateEstablished, client.State())

	ackHeader, _, err := DecodePacket(ackWire)
	require.NoError(t, err)
	server.HandleHandshakeAck(ackHeader)
	assert.Equal(t, StateEstablished, server.State())
}

func TestConnectionDataInOrderDelivery(t *testing.T) {
	c := NewConnection("peer:9000")
	c.state = StateEstablished

	h := Header{Sequence: 0, Flags: FlagReliable}
	delivered, ack := c.HandleData(h, []byte("one"))
	assert.Equal(t, [][]byte{[]byte("one")}, delivered)
	assert.NotNil(t, ack)
}

func TestConnectionDataOutOfOrderBuffersThenDrains(t *testing.T) {
	c := NewConnection("peer:9000")
	c.state = StateEstablished

	delivered, _ := c.HandleData(Header{Sequence: 1}, []byte("second"))
	assert.Empty(t, delivered)

	delivered, _ = c.HandleData(Header{Sequence: 0}, []byte("first"))
	assert.Equal(t, [][]byte{[]byte("first"), []byte("second")}, delivered)
	assert.Equal(t, uint32(2), c.recvSeq)
}

func TestConnectionDataDuplicateDiscarded(t *testing.T) {
	c := NewConnection("peer:9000")
	c.state = StateEstablished
	c.HandleData(Header{Sequence: 0}, []byte("one"))

	delivered, _ := c.HandleData(Header{Sequence: 0}, []byte("one-again"))
	assert.Empty(t, delivered)
	assert.Equal(t, uint32(1), c.recvSeq)
}

func TestConnectionSendRespectsWindow(t *testing.T) {
	c := NewConnection("peer:9000")
	c.state = StateEstablished
	c.FC.LocalWindow = 10
	c.FC.PeerWindow = 10

	pkt := c.Send(make([]byte, 5))
	assert.NotNil(t, pkt)

	blocked := c.Send(make([]byte, 10))
	assert.Nil(t, blocked)
}

func TestConnectionHandleAckSamplesRTTAndAdvancesCongestion(t *testing.T) {
	c := NewConnection("peer:9000")
	c.state = StateEstablished

	pkt := c.Send([]byte("payload"))
	h, _, err := DecodePacket(pkt)
	require.NoError(t, err)

	cwndBefore := c.CC.Window()
	c.HandleAck(Header{Ack: h.Sequence, Window: 65535})
	assert.Empty(t, c.inFlight)
	assert.Greater(t, c.CC.Window(), cwndBefore)
}

func TestConnectionHandleAckDuplicateTriggersFastRetransmit(t *testing.T) {
	c := NewConnection("peer:9000")
	c.state = StateEstablished
	c.inFlight[5] = &inFlightEntry{payload: []byte("x"), sentAt: time.Now()}

	c.HandleAck(Header{Ack: 1, Window: 65535})
	c.HandleAck(Header{Ack: 1, Window: 65535})
	c.HandleAck(Header{Ack: 1, Window: 65535})
	assert.True(t, c.CC.InFastRecovery())
}

func TestConnectionRetransmitsOnTimeout(t *testing.T) {
	c := NewConnection("peer:9000")
	c.state = StateEstablished
	fakeNow := time.Now()
	c.now = func() time.Time { return fakeNow }

	pkt := c.Send([]byte("payload"))
	require.NotNil(t, pkt)

	fakeNow = fakeNow.Add(2 * time.Minute)
	retransmitted := c.CheckRetransmits()
	assert.Len(t, retransmitted, 1)
	assert.Equal(t, 1, c.CC.losses)
}

func TestConnectionIdleTimeoutClosesConnection(t *testing.T) {
	c := NewConnection("peer:9000")
	c.state = StateEstablished
	fakeNow := time.Now()
	c.now = func() time.Time { return fakeNow }
	c.lastActivity = fakeNow

	assert.False(t, c.CheckIdle())
	fakeNow = fakeNow.Add(DefaultIdleTimeout + time.Second)
	assert.True(t, c.CheckIdle())
	assert.Equal(t, StateClosed, c.State())
}

func TestConnectionGracefulCloseActiveToClosed(t *testing.T) {
	client := NewConnection("a:1")
	server := NewConnection("b:1")
	client.state = StateEstablished
	server.state = StateEstablished

	finWire := client.CloseActive()
	assert.Equal(t, StateFinWait1, client.State())

	finHeader, _, err := DecodePacket(finWire)
	require.NoError(t, err)
	server.HandleFin(finHeader)
	assert.Equal(t, StateCloseWait, server.State())

	client.HandleFinAck(Header{})
	assert.Equal(t, StateFinWait2, client.State())

	serverFinWire := server.CloseFromWait()
	assert.Equal(t, StateLastAck, server.State())

	serverFinHeader, _, err := DecodePacket(serverFinWire)
	require.NoError(t, err)
	client.HandleFin(serverFinHeader)
	assert.Equal(t, StateTimeWait, client.State())

	fakeNow := time.Now().Add(10 * time.Second)
	client.now = func() time.Time { return fakeNow }
	assert.True(t, client.AdvanceTimeWait())
	assert.Equal(t, StateClosed, client.State())
}
