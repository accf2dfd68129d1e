package meshnet

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testMTU = 1400

func TestFragmentPacketSinglePacketAtExactBoundary(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, testMTU-HeaderSize)
	packets, err := FragmentPacket(payload, 0, 1, testMTU)
	require.NoError(t, err)
	assert.Len(t, packets, 1)

	h, p, err := DecodePacket(packets[0])
	require.NoError(t, err)
	assert.Equal(t, PacketData, h.Type)
	assert.Equal(t, payload, p)
}

func TestFragmentPacketOneByteOverBoundaryProducesTwo(t *testing.T) {
	payload := bytes.Repeat([]byte{0xCD}, testMTU-HeaderSize+1)
	packets, err := FragmentPacket(payload, 0, 1, testMTU)
	require.NoError(t, err)
	assert.Len(t, packets, 2)

	h0, _, err := DecodePacket(packets[0])
	require.NoError(t, err)
	assert.True(t, h0.Flags&FlagFragmented != 0)
	assert.True(t, h0.Flags&FlagLastFragment == 0)

	h1, _, err := DecodePacket(packets[1])
	require.NoError(t, err)
	assert.True(t, h1.Flags&FlagLastFragment != 0)
}

func TestFragmentReassemblyRoundTrip(t *testing.T) {
	payload := make([]byte, 10000)
	_, _ = rand.New(rand.NewSource(1)).Read(payload)

	packets, err := FragmentPacket(payload, 100, 77, testMTU)
	require.NoError(t, err)
	require.Greater(t, len(packets), 1)

	r := NewReassembler()
	var got []byte
	var done bool
	for _, pkt := range packets {
		h, p, err := DecodePacket(pkt)
		require.NoError(t, err)
		got, done, err = r.Add(h, p)
		require.NoError(t, err)
	}
	assert.True(t, done)
	assert.Equal(t, payload, got)
	assert.Equal(t, 0, r.Pending())
}

func TestFragmentReassemblyOutOfOrder(t *testing.T) {
	payload := make([]byte, 5000)
	_, _ = rand.New(rand.NewSource(2)).Read(payload)

	packets, err := FragmentPacket(payload, 0, 5, testMTU)
	require.NoError(t, err)
	require.Greater(t, len(packets), 2)

	shuffled := append([][]byte(nil), packets...)
	rand.New(rand.NewSource(3)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	r := NewReassembler()
	var got []byte
	var done bool
	for _, pkt := range shuffled {
		h, p, err := DecodePacket(pkt)
		require.NoError(t, err)
		got, done, err = r.Add(h, p)
		require.NoError(t, err)
	}
	assert.True(t, done)
	assert.Equal(t, payload, got)
}

func TestReassemblerGCDropsStaleBuffers(t *testing.T) {
	r := NewReassembler()
	fakeNow := time.Now()
	r.now = func() time.Time { return fakeNow }

	h := Header{FragmentID: 9, FragmentTotal: 2, FragmentOffset: 0}
	_, done, err := r.Add(h, []byte("a"))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, r.Pending())

	fakeNow = fakeNow.Add(StaleFragmentTimeout + time.Second)
	dropped := r.GC()
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 0, r.Pending())
}

func TestFragmentRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 1, 20000).Draw(rt, "payload")
		fragID := rapid.Uint32().Draw(rt, "fragid")

		packets, err := FragmentPacket(payload, 0, fragID, testMTU)
		require.NoError(rt, err)

		r := NewReassembler()
		var got []byte
		var done bool
		for _, pkt := range packets {
			h, p, err := DecodePacket(pkt)
			require.NoError(rt, err)
			got, done, err = r.Add(h, p)
			require.NoError(rt, err)
		}
		assert.True(rt, done)
		assert.Equal(rt, payload, got)
	})
}
