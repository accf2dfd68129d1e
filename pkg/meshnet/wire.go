package meshnet

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// Magic and version identify the wire protocol at the head of every packet.
const (
	Magic   uint16 = 0xBEEF
	Version uint8  = 0x01

	// HeaderSize is the fixed, encoded size of a Header in bytes: the
	// sum of every field below, not the round number sometimes quoted
	// for this layout elsewhere. Any decoder that only guarantees 28
	// bytes of input is still short of a full header, so rejecting
	// anything below HeaderSize (33) also rejects anything below 28.
	HeaderSize = 2 + 1 + 1 + 1 + 2 + 4 + 4 + 2 + 4 + 4 + 4 + 2 + 2

	// MaxPayloadSize is the hard cap on a single packet's payload.
	MaxPayloadSize = 10 * 1024 * 1024
)

// PacketType is the transport-layer packet kind, distinct from the
// application-level MessageType carried in a DATA packet's payload.
type PacketType uint8

const (
	PacketData        PacketType = 0x01
	PacketAck         PacketType = 0x02
	PacketSyn         PacketType = 0x03
	PacketSynAck      PacketType = 0x04
	PacketFin         PacketType = 0x05
	PacketFinAck      PacketType = 0x06
	PacketPing        PacketType = 0x07
	PacketPong        PacketType = 0x08
	PacketFragment    PacketType = 0x09
	PacketRetransmit  PacketType = 0x0A
	PacketFlowControl PacketType = 0x0B
	PacketError       PacketType = 0x0C
)

// PacketFlags is a bitmask of per-packet behaviors. A single byte on the
// wire, so only bits 0x01..0x80 are representable.
type PacketFlags uint8

const (
	FlagNone         PacketFlags = 0x00
	FlagCompressed   PacketFlags = 0x01
	FlagEncrypted    PacketFlags = 0x02 // reserved; payload confidentiality is out of scope
	FlagReliable     PacketFlags = 0x04
	FlagOrdered      PacketFlags = 0x08
	FlagFragmented   PacketFlags = 0x10
	FlagPriority     PacketFlags = 0x20
	FlagLastFragment PacketFlags = 0x40
	FlagFin          PacketFlags = 0x80
)

// Header is the fixed-size packet header described in spec.md §3.
type Header struct {
	Type           PacketType
	Flags          PacketFlags
	Sequence       uint32
	Ack            uint32
	Window         uint16
	Checksum       uint32
	PayloadLength  uint32
	FragmentID     uint32
	FragmentOffset uint16
	FragmentTotal  uint16
}

// encodeInto writes the header to buf (which must be at least HeaderSize
// bytes) with the checksum field as given, without validation.
func (h Header) encodeInto(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = byte(h.Type)
	buf[4] = byte(h.Flags)
	binary.BigEndian.PutUint16(buf[5:7], 0) // reserved
	binary.BigEndian.PutUint32(buf[7:11], h.Sequence)
	binary.BigEndian.PutUint32(buf[11:15], h.Ack)
	binary.BigEndian.PutUint16(buf[15:17], h.Window)
	binary.BigEndian.PutUint32(buf[17:21], h.Checksum)
	binary.BigEndian.PutUint32(buf[21:25], h.PayloadLength)
	binary.BigEndian.PutUint32(buf[25:29], h.FragmentID)
	binary.BigEndian.PutUint16(buf[29:31], h.FragmentOffset)
	binary.BigEndian.PutUint16(buf[31:33], h.FragmentTotal)
}

// decodeHeader parses a Header from the first HeaderSize bytes of data. It
// does not validate magic/version; callers do that via EncodePacket's
// counterpart, DecodePacket.
func decodeHeader(data []byte) Header {
	return Header{
		Type:           PacketType(data[3]),
		Flags:          PacketFlags(data[4]),
		Sequence:       binary.BigEndian.Uint32(data[7:11]),
		Ack:            binary.BigEndian.Uint32(data[11:15]),
		Window:         binary.BigEndian.Uint16(data[15:17]),
		Checksum:       binary.BigEndian.Uint32(data[17:21]),
		PayloadLength:  binary.BigEndian.Uint32(data[21:25]),
		FragmentID:     binary.BigEndian.Uint32(data[25:29]),
		FragmentOffset: binary.BigEndian.Uint16(data[29:31]),
		FragmentTotal:  binary.BigEndian.Uint16(data[31:33]),
	}
}

// EncodePacket serializes a header and payload into a single wire packet.
// PayloadLength and Checksum on h are overwritten to match payload.
func EncodePacket(h Header, payload []byte) []byte {
	h.PayloadLength = uint32(len(payload))
	buf := make([]byte, HeaderSize+len(payload))
	h.Checksum = 0
	h.encodeInto(buf[:HeaderSize])
	copy(buf[HeaderSize:], payload)
	h.Checksum = crc32.ChecksumIEEE(buf)
	binary.BigEndian.PutUint32(buf[17:21], h.Checksum)
	return buf
}

// DecodePacket validates and parses a wire packet, returning its header and
// payload slice (a view into data, not a copy).
func DecodePacket(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: short packet (%d bytes)", ErrWireInvalid, len(data))
	}
	if binary.BigEndian.Uint16(data[0:2]) != Magic {
		return Header{}, nil, fmt.Errorf("%w: bad magic", ErrWireInvalid)
	}
	if data[2] != Version {
		return Header{}, nil, fmt.Errorf("%w: unknown version %d", ErrWireInvalid, data[2])
	}

	h := decodeHeader(data)
	if h.PayloadLength > MaxPayloadSize {
		return Header{}, nil, fmt.Errorf("%w: declared length %d exceeds cap", ErrPayloadTooLarge, h.PayloadLength)
	}
	if int(h.PayloadLength) > len(data)-HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: declared length %d exceeds remaining buffer", ErrWireInvalid, h.PayloadLength)
	}

	wantChecksum := h.Checksum
	verify := make([]byte, HeaderSize+int(h.PayloadLength))
	copy(verify, data[:HeaderSize])
	binary.BigEndian.PutUint32(verify[17:21], 0)
	copy(verify[HeaderSize:], data[HeaderSize:HeaderSize+int(h.PayloadLength)])
	if crc32.ChecksumIEEE(verify) != wantChecksum {
		return Header{}, nil, fmt.Errorf("%w: checksum mismatch", ErrWireInvalid)
	}

	return h, data[HeaderSize : HeaderSize+int(h.PayloadLength)], nil
}

// MessageType is the application-level kind of a Message envelope,
// carried in the payload of DATA packets. Values are wire-stable; new
// types MUST take previously unused values.
type MessageType uint8

const (
	MsgHandshake             MessageType = 1
	MsgHandshakeAck          MessageType = 2
	MsgHeartbeat             MessageType = 3
	MsgPeerDiscovery         MessageType = 4
	MsgPeerAnnouncement      MessageType = 5
	MsgGossip                MessageType = 6
	MsgTrustUpdate           MessageType = 7
	MsgTrustedPeersRequest   MessageType = 8
	MsgTrustedPeersResponse  MessageType = 9
	MsgDisconnect            MessageType = 10
	MsgCustomData            MessageType = 11
	MsgDHTStore              MessageType = 12
	MsgDHTStoreResponse      MessageType = 13
	MsgDHTFindValue          MessageType = 14
	MsgDHTFindValueResponse  MessageType = 15
	MsgDHTDelete             MessageType = 16
	MsgDHTDeleteResponse     MessageType = 17
)

// GossipPropagated reports whether messages of this type are eligible
// for gossip re-fanout (spec.md §3).
func (t MessageType) GossipPropagated() bool {
	switch t {
	case MsgGossip, MsgCustomData, MsgTrustUpdate, MsgPeerAnnouncement:
		return true
	default:
		return false
	}
}

// MessageIDLength is the number of hex characters in a deterministic
// message id.
const MessageIDLength = 16

// Message is the application-level record carried in packet payloads.
type Message struct {
	Type      MessageType
	SenderID  NodeID
	Timestamp float64 // unix seconds, monotonic at the sender
	Payload   map[string]any
	Signature []byte // optional; raw Ed25519, 64 bytes when present
	MessageID string
	TTL       int
}

// canonicalPayload renders Payload deterministically: encoding/json
// marshals map keys in sorted order, so two encoders of the same
// logical payload produce identical bytes regardless of build order.
func (m Message) canonicalPayload() ([]byte, error) {
	if m.Payload == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.Payload)
}

// ComputeMessageID derives the deterministic message id: SHA-256 of
// sender||timestamp||type||payload-repr, truncated to the first 16 hex
// characters (spec.md §3).
func (m Message) ComputeMessageID() (string, error) {
	payload, err := m.canonicalPayload()
	if err != nil {
		return "", fmt.Errorf("meshnet: canonicalize payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(m.SenderID))
	fmt.Fprintf(h, "%v", m.Timestamp)
	fmt.Fprintf(h, "%d", m.Type)
	h.Write(payload)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:MessageIDLength/2]), nil
}

// NewMessage builds a Message and populates its MessageID.
func NewMessage(t MessageType, sender NodeID, timestamp float64, payload map[string]any, ttl int) (Message, error) {
	m := Message{Type: t, SenderID: sender, Timestamp: timestamp, Payload: payload, TTL: ttl}
	id, err := m.ComputeMessageID()
	if err != nil {
		return Message{}, err
	}
	m.MessageID = id
	return m, nil
}

// field tags for the self-describing envelope codec.
const (
	tagType      byte = 1
	tagSender    byte = 2
	tagTimestamp byte = 3
	tagPayload   byte = 4
	tagSignature byte = 5
	tagMessageID byte = 6
	tagTTL       byte = 7
)

func putField(buf *[]byte, tag byte, data []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	*buf = append(*buf, tag)
	*buf = append(*buf, lenBuf[:]...)
	*buf = append(*buf, data...)
}

// encodeFields returns the field set used for both SignableBytes and
// canonical encode/decode ordering, excluding the signature.
func (m Message) encodeFields(includeSignature bool) ([]byte, error) {
	payload, err := m.canonicalPayload()
	if err != nil {
		return nil, err
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(int64(m.Timestamp*1e9)))

	var ttl [4]byte
	binary.BigEndian.PutUint32(ttl[:], uint32(int32(m.TTL)))

	buf := make([]byte, 0, 64+len(payload))
	putField(&buf, tagType, []byte{byte(m.Type)})
	putField(&buf, tagSender, []byte(m.SenderID))
	putField(&buf, tagTimestamp, ts[:])
	putField(&buf, tagPayload, payload)
	putField(&buf, tagMessageID, []byte(m.MessageID))
	putField(&buf, tagTTL, ttl[:])
	if includeSignature && len(m.Signature) > 0 {
		putField(&buf, tagSignature, m.Signature)
	}
	return buf, nil
}

// EncodeMessage serializes a Message as a self-describing, field-tagged
// record, including its signature if present.
func (m Message) EncodeMessage() ([]byte, error) {
	return m.encodeFields(true)
}

// SignableBytes returns the encoding of m with the signature field
// excluded: the view that Sign/Verify operate over.
func (m Message) SignableBytes() ([]byte, error) {
	return m.encodeFields(false)
}

// DecodeMessage parses a field-tagged Message envelope produced by
// EncodeMessage.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	var payload []byte
	for len(data) > 0 {
		if len(data) < 5 {
			return Message{}, fmt.Errorf("%w: truncated field header", ErrWireInvalid)
		}
		tag := data[0]
		n := binary.BigEndian.Uint32(data[1:5])
		data = data[5:]
		if uint64(n) > uint64(len(data)) {
			return Message{}, fmt.Errorf("%w: truncated field body", ErrWireInvalid)
		}
		val := data[:n]
		data = data[n:]

		switch tag {
		case tagType:
			if len(val) != 1 {
				return Message{}, fmt.Errorf("%w: bad type field", ErrWireInvalid)
			}
			m.Type = MessageType(val[0])
		case tagSender:
			m.SenderID = NodeID(val)
		case tagTimestamp:
			if len(val) != 8 {
				return Message{}, fmt.Errorf("%w: bad timestamp field", ErrWireInvalid)
			}
			m.Timestamp = float64(int64(binary.BigEndian.Uint64(val))) / 1e9
		case tagPayload:
			payload = val
		case tagSignature:
			m.Signature = append([]byte(nil), val...)
		case tagMessageID:
			m.MessageID = string(val)
		case tagTTL:
			if len(val) != 4 {
				return Message{}, fmt.Errorf("%w: bad ttl field", ErrWireInvalid)
			}
			m.TTL = int(int32(binary.BigEndian.Uint32(val)))
		default:
			// unknown field: forward-compatible skip
		}
	}

	if payload != nil {
		var p map[string]any
		if err := json.Unmarshal(payload, &p); err != nil {
			return Message{}, fmt.Errorf("meshnet: decode payload: %w", err)
		}
		m.Payload = p
	}
	return m, nil
}
