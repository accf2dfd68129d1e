package meshnet

import (
	"fmt"
	"sync"
	"time"
)

// StaleFragmentTimeout is how long an incomplete reassembly buffer is
// kept before being garbage-collected (spec.md §4.2).
const StaleFragmentTimeout = 30 * time.Second

// FragmentPacket splits payload into one or more wire packets rooted at
// startSeq. If payload fits within mtu minus the header it is returned
// as a single DATA packet with no fragmentation flags; otherwise it is
// split into ceil(len/chunk) FRAGMENT packets sharing fragmentID, each
// carrying its offset and the total count, with FlagFragmented set on
// all and FlagLastFragment on the final one.
func FragmentPacket(payload []byte, startSeq uint32, fragmentID uint32, mtu int) ([][]byte, error) {
	chunk := mtu - HeaderSize
	if chunk <= 0 {
		return nil, fmt.Errorf("meshnet: mtu %d too small for header", mtu)
	}

	if len(payload) <= chunk {
		h := Header{Type: PacketData, Sequence: startSeq, FragmentTotal: 1}
		return [][]byte{EncodePacket(h, payload)}, nil
	}

	total := (len(payload) + chunk - 1) / chunk
	if total > 0xFFFF {
		return nil, fmt.Errorf("meshnet: payload of %d bytes needs %d fragments, exceeds 16-bit total", len(payload), total)
	}

	packets := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunk
		end := start + chunk
		if end > len(payload) {
			end = len(payload)
		}
		flags := FlagFragmented
		if i == total-1 {
			flags |= FlagLastFragment
		}
		h := Header{
			Type:           PacketFragment,
			Flags:          flags,
			Sequence:       startSeq + uint32(i),
			FragmentID:     fragmentID,
			FragmentOffset: uint16(i),
			FragmentTotal:  uint16(total),
		}
		packets = append(packets, EncodePacket(h, payload[start:end]))
	}
	return packets, nil
}

type fragmentBuffer struct {
	chunks    map[uint16][]byte
	total     uint16
	firstSeen time.Time
}

// Reassembler accumulates FRAGMENT packets into complete payloads,
// keyed by fragment id, and garbage-collects stale buffers.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[uint32]*fragmentBuffer
	now     func() time.Time
}

// NewReassembler constructs an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		buffers: make(map[uint32]*fragmentBuffer),
		now:     time.Now,
	}
}

// Add ingests one fragment. It returns the reassembled payload and true
// once all fragments for h.FragmentID have arrived; otherwise it returns
// (nil, false) and buffers the chunk.
func (r *Reassembler) Add(h Header, payload []byte) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[h.FragmentID]
	if !ok {
		buf = &fragmentBuffer{
			chunks:    make(map[uint16][]byte, h.FragmentTotal),
			total:     h.FragmentTotal,
			firstSeen: r.now(),
		}
		r.buffers[h.FragmentID] = buf
	}
	if h.FragmentTotal != buf.total {
		return nil, false, fmt.Errorf("%w: fragment total mismatch for id %d", ErrWireInvalid, h.FragmentID)
	}

	chunkCopy := append([]byte(nil), payload...)
	buf.chunks[h.FragmentOffset] = chunkCopy

	if len(buf.chunks) < int(buf.total) {
		return nil, false, nil
	}

	out := make([]byte, 0, int(buf.total)*len(chunkCopy))
	for i := uint16(0); i < buf.total; i++ {
		c, ok := buf.chunks[i]
		if !ok {
			return nil, false, fmt.Errorf("%w: missing fragment %d/%d", ErrFragmentIncomplete, i, buf.total)
		}
		out = append(out, c...)
	}
	delete(r.buffers, h.FragmentID)
	return out, true, nil
}

// GC evicts reassembly buffers older than StaleFragmentTimeout and
// reports how many were dropped.
func (r *Reassembler) GC() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	cutoff := r.now().Add(-StaleFragmentTimeout)
	for id, buf := range r.buffers {
		if buf.firstSeen.Before(cutoff) {
			delete(r.buffers, id)
			dropped++
		}
	}
	return dropped
}

// Pending reports how many reassembly buffers are currently in flight.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
