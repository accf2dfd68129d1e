package meshnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecodePacketRoundTrip(t *testing.T) {
	h := Header{
		Type:           PacketData,
		Flags:          FlagReliable,
		Sequence:       42,
		Ack:            7,
		Window:         65535,
		FragmentID:     0,
		FragmentOffset: 0,
		FragmentTotal:  1,
	}
	payload := []byte("hello overlay")

	wire := EncodePacket(h, payload)
	gotHeader, gotPayload, err := DecodePacket(wire)
	require.NoError(t, err)
	assert.Equal(t, payload, gotPayload)
	assert.Equal(t, h.Sequence, gotHeader.Sequence)
	assert.Equal(t, h.Ack, gotHeader.Ack)
	assert.Equal(t, h.Type, gotHeader.Type)
	assert.Equal(t, h.Flags, gotHeader.Flags)
}

func TestDecodePacketRejectsShortPacket(t *testing.T) {
	_, _, err := DecodePacket(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrWireInvalid)
}

func TestDecodePacketRejectsBadMagic(t *testing.T) {
	wire := EncodePacket(Header{Type: PacketPing}, nil)
	wire[0] = 0x00
	_, _, err := DecodePacket(wire)
	assert.ErrorIs(t, err, ErrWireInvalid)
}

func TestDecodePacketRejectsBadVersion(t *testing.T) {
	wire := EncodePacket(Header{Type: PacketPing}, nil)
	wire[2] = 0x99
	_, _, err := DecodePacket(wire)
	assert.ErrorIs(t, err, ErrWireInvalid)
}

func TestDecodePacketRejectsCorruptChecksum(t *testing.T) {
	wire := EncodePacket(Header{Type: PacketData}, []byte("payload"))
	wire[len(wire)-1] ^= 0xFF
	_, _, err := DecodePacket(wire)
	assert.ErrorIs(t, err, ErrWireInvalid)
}

func TestDecodePacketRejectsOversizedDeclaredLength(t *testing.T) {
	wire := EncodePacket(Header{Type: PacketData}, []byte("payload"))
	// corrupt the declared payload length to exceed the hard cap.
	wire[21] = 0xFF
	wire[22] = 0xFF
	wire[23] = 0xFF
	wire[24] = 0xFF
	_, _, err := DecodePacket(wire)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestWireRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := Header{
			Type:           PacketType(rapid.Uint8().Draw(rt, "type")),
			Flags:          PacketFlags(rapid.Uint8().Draw(rt, "flags")),
			Sequence:       rapid.Uint32().Draw(rt, "seq"),
			Ack:            rapid.Uint32().Draw(rt, "ack"),
			Window:         rapid.Uint16().Draw(rt, "window"),
			FragmentID:     rapid.Uint32().Draw(rt, "fragid"),
			FragmentOffset: rapid.Uint16().Draw(rt, "fragoff"),
			FragmentTotal:  rapid.Uint16().Draw(rt, "fragtotal"),
		}
		payload := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(rt, "payload")

		wire := EncodePacket(h, payload)
		gotHeader, gotPayload, err := DecodePacket(wire)
		require.NoError(rt, err)
		assert.Equal(rt, payload, gotPayload)
		assert.Equal(rt, h.Sequence, gotHeader.Sequence)
		assert.Equal(rt, h.Ack, gotHeader.Ack)
		assert.Equal(rt, h.Window, gotHeader.Window)
		assert.Equal(rt, h.FragmentID, gotHeader.FragmentID)
	})
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	msg, err := NewMessage(MsgGossip, NodeID("abcdef0123456789"), 1700000000.123456, map[string]any{
		"hello": "world",
		"n":     float64(7),
	}, 5)
	require.NoError(t, err)

	wire, err := msg.EncodeMessage()
	require.NoError(t, err)

	decoded, err := DecodeMessage(wire)
	require.NoError(t, err)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.SenderID, decoded.SenderID)
	assert.Equal(t, msg.MessageID, decoded.MessageID)
	assert.Equal(t, msg.TTL, decoded.TTL)
	assert.Equal(t, msg.Payload, decoded.Payload)
	assert.InDelta(t, msg.Timestamp, decoded.Timestamp, 1e-6)
}

func TestMessageIDDeterministicAcrossEncoders(t *testing.T) {
	payloadA := map[string]any{"a": float64(1), "b": float64(2)}
	payloadB := map[string]any{"b": float64(2), "a": float64(1)}

	msgA, err := NewMessage(MsgCustomData, NodeID("peer0001"), 1700000000, payloadA, 10)
	require.NoError(t, err)
	msgB, err := NewMessage(MsgCustomData, NodeID("peer0001"), 1700000000, payloadB, 10)
	require.NoError(t, err)

	assert.Equal(t, msgA.MessageID, msgB.MessageID)
	assert.Len(t, msgA.MessageID, MessageIDLength)
}

func TestMessageGossipPropagated(t *testing.T) {
	assert.True(t, MsgGossip.GossipPropagated())
	assert.True(t, MsgCustomData.GossipPropagated())
	assert.True(t, MsgTrustUpdate.GossipPropagated())
	assert.True(t, MsgPeerAnnouncement.GossipPropagated())
	assert.False(t, MsgHeartbeat.GossipPropagated())
	assert.False(t, MsgHandshake.GossipPropagated())
}

func TestSignableBytesExcludesSignature(t *testing.T) {
	msg, err := NewMessage(MsgCustomData, NodeID("peer0001"), 1700000000, map[string]any{"x": float64(1)}, 10)
	require.NoError(t, err)

	unsigned, err := msg.SignableBytes()
	require.NoError(t, err)

	msg.Signature = []byte("0123456789012345678901234567890123456789012345678901234567890123")
	signedView, err := msg.SignableBytes()
	require.NoError(t, err)

	assert.Equal(t, unsigned, signedView)

	full, err := msg.EncodeMessage()
	require.NoError(t, err)
	assert.NotEqual(t, unsigned, full)
}
