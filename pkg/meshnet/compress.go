package meshnet

import "github.com/klauspost/compress/s2"

// CompressThreshold is the payload size above which the transport
// opportunistically compresses a message payload before fragmenting it.
// Compression is transparent to the wire codec's signable view: it is
// applied to the encoded message bytes, and FlagCompressed records the
// fact on the packet so the receiver knows to reverse it first.
const CompressThreshold = 1400

// CompressPayload compresses data with S2 (a faster, Go-native variant
// of Snappy). Safe to call on any size; callers should gate on
// CompressThreshold to avoid the fixed per-call overhead on tiny payloads.
func CompressPayload(data []byte) []byte {
	return s2.Encode(nil, data)
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}
