package dht

import (
	"context"
	"sync"
)

// pendingRPC is a future awaiting a correlation-id-matched response.
type pendingRPC struct {
	result chan map[string]any
}

func (p *pendingRPC) wait(ctx context.Context) (map[string]any, error) {
	select {
	case payload := <-p.result:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// rpcRegistry matches inbound DHT_*_RESPONSE payloads to the pending
// request that is waiting on their correlation id (spec.md §4.10
// "responses are matched to pending futures with timeout").
type rpcRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingRPC
}

func newRPCRegistry() *rpcRegistry {
	return &rpcRegistry{pending: make(map[string]*pendingRPC)}
}

func (r *rpcRegistry) register(correlationID string) *pendingRPC {
	p := &pendingRPC{result: make(chan map[string]any, 1)}
	r.mu.Lock()
	r.pending[correlationID] = p
	r.mu.Unlock()
	return p
}

// cancel drops a pending future without resolving it, called once the
// caller stops waiting (success or timeout).
func (r *rpcRegistry) cancel(correlationID string) {
	r.mu.Lock()
	delete(r.pending, correlationID)
	r.mu.Unlock()
}

// resolve delivers payload to the future registered under
// correlationID, if one is still pending. Returns false if the
// correlation id is unknown (late, duplicate, or already timed out).
func (r *rpcRegistry) resolve(correlationID string, payload map[string]any) bool {
	r.mu.Lock()
	p, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.result <- payload:
	default:
	}
	return true
}
