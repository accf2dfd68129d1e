package meshnet

import (
	"sync"

	"golang.org/x/time/rate"
)

// AddressLimiter gives each remote address its own inbound token
// bucket, so one noisy or hostile peer cannot starve the receive pump
// for everyone else. This is defensive backpressure ahead of the
// queue-drop policy in spec.md §5; it never blocks, only drops.
type AddressLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewAddressLimiter constructs a limiter with the given per-address
// rate (datagrams/sec) and burst size.
func NewAddressLimiter(r rate.Limit, burst int) *AddressLimiter {
	return &AddressLimiter{
		buckets: make(map[string]*rate.Limiter),
		r:       r,
		burst:   burst,
	}
}

// Allow reports whether a datagram from remote may be admitted now.
func (a *AddressLimiter) Allow(remote string) bool {
	return a.bucketFor(remote).Allow()
}

func (a *AddressLimiter) bucketFor(remote string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.buckets[remote]
	if !ok {
		l = rate.NewLimiter(a.r, a.burst)
		a.buckets[remote] = l
	}
	return l
}

// Forget releases the bucket for remote, e.g. once its connection has
// closed, so the limiter map does not grow unboundedly.
func (a *AddressLimiter) Forget(remote string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buckets, remote)
}
