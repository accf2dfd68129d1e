package meshnet

import "errors"

var (
	// ErrWireInvalid is returned when a packet fails magic, version,
	// length, or checksum validation. The packet is dropped silently
	// by the transport; callers only see this for diagnostics.
	ErrWireInvalid = errors.New("meshnet: invalid packet")

	// ErrPayloadTooLarge is returned when a declared payload length
	// exceeds the hard cap (10 MiB) or the remaining buffer.
	ErrPayloadTooLarge = errors.New("meshnet: payload too large")

	// ErrSignatureInvalid is returned when a message signature does not
	// verify under the sender's advertised public key.
	ErrSignatureInvalid = errors.New("meshnet: invalid signature")

	// ErrConnectionClosed is returned when an operation is attempted on
	// a connection that is not in a state that permits it.
	ErrConnectionClosed = errors.New("meshnet: connection closed")

	// ErrNotEstablished is returned by SendReliable when the underlying
	// connection has not completed its handshake.
	ErrNotEstablished = errors.New("meshnet: connection not established")

	// ErrTransportClosed is returned by transport operations invoked
	// after Close has been called.
	ErrTransportClosed = errors.New("meshnet: transport closed")

	// ErrFragmentIncomplete is returned by Reassembler.Add when a buffer
	// holds as many chunks as its declared total but one of the offsets
	// 0..total-1 is still missing. A buffer that simply has fewer chunks
	// than its total is reported as not done, with a nil error.
	ErrFragmentIncomplete = errors.New("meshnet: fragment reassembly incomplete")
)
