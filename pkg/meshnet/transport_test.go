package meshnet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTransportHandshakeAndUnreliableDelivery(t *testing.T) {
	logA := zaptest.NewLogger(t)
	logB := zaptest.NewLogger(t)

	var mu sync.Mutex
	var received []string

	a, err := NewTransport("127.0.0.1:0", 1400, logA)
	require.NoError(t, err)
	defer a.Close()

	b, err := NewTransport("127.0.0.1:0", 1400, logB, WithHandler(func(remote string, payload []byte) {
		mu.Lock()
		received = append(received, string(payload))
		mu.Unlock()
	}))
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Serve(ctx)
	go b.Serve(ctx)

	require.NoError(t, a.SendUnreliable(b.LocalAddr().String(), 1, []byte("hello b")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"hello b"}, received)
	mu.Unlock()
}

func TestTransportReliableHandshakeReachesEstablished(t *testing.T) {
	log := zaptest.NewLogger(t)

	a, err := NewTransport("127.0.0.1:0", 1400, log)
	require.NoError(t, err)
	defer a.Close()

	b, err := NewTransport("127.0.0.1:0", 1400, log)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Serve(ctx)
	go b.Serve(ctx)

	a.Dial(b.LocalAddr().String())

	require.Eventually(t, func() bool {
		a.mu.Lock()
		conn, ok := a.connections[b.LocalAddr().String()]
		a.mu.Unlock()
		return ok && conn.State() == StateEstablished
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransportFramingHelpers(t *testing.T) {
	pkt := EncodePacket(Header{Type: PacketPing}, []byte("ping"))
	framed := framePacket(pkt)

	offset := 0
	read := func(buf []byte) (int, error) {
		n := copy(buf, framed[offset:])
		offset += n
		return n, nil
	}

	got, err := readFramedPacket(read)
	require.NoError(t, err)
	assert.Equal(t, pkt, got)
}

func TestTransportRejectsOversizedFramedLength(t *testing.T) {
	lenBuf := make([]byte, 4)
	lenBuf[0] = 0xFF
	read := func(buf []byte) (int, error) {
		n := copy(buf, lenBuf)
		lenBuf = lenBuf[n:]
		return n, nil
	}
	_, err := readFramedPacket(read)
	assert.ErrorIs(t, err, ErrWireInvalid)
}
