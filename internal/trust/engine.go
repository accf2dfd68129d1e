// Package trust implements the trust and reputation engine described
// in spec.md §4.8: per-peer trust scores, decay, transitive
// recommendation weighting, and a ranking-only reputation score.
package trust

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shurlinet/meshveil/internal/peerstore"
	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// Default tuning values from spec.md §4.8.
const (
	DefaultInitialTrust   = 0.5
	DefaultMinTrust       = 0.1
	DefaultMaxTrust       = 1.0
	DefaultDecayRate      = 0.01
	DefaultDecayInterval  = 300 * time.Second
	DefaultBoostMessage   = 0.001
	DefaultBoostConnect   = 0.005
	DefaultPenaltyInvalid = 0.1
	DefaultPenaltyTimeout = 0.05
)

// reason labels, wire-stable for trust_events persistence.
const (
	ReasonValidMessage         = "valid_message"
	ReasonSuccessfulConnection = "successful_connection"
	ReasonInvalidMessage       = "invalid_message"
	ReasonTimeout              = "timeout"
	ReasonPeriodicDecay        = "periodic_decay"
	ReasonRecommendationPrefix = "recommendation_from_"
)

// Engine manages trust scores and reputation for network peers.
type Engine struct {
	log   *zap.Logger
	store peerstore.Store

	InitialTrust   float64
	MinTrust       float64
	MaxTrust       float64
	DecayRate      float64
	DecayInterval  time.Duration
	BoostMessage   float64
	BoostConnect   float64
	PenaltyInvalid float64
	PenaltyTimeout float64

	history *History

	mu    sync.Mutex
	cache map[meshnet.NodeID]float64
}

// NewEngine constructs a trust Engine with spec-default tuning.
func NewEngine(store peerstore.Store, history *History, log *zap.Logger) *Engine {
	return &Engine{
		log:            log.Named("trust"),
		store:          store,
		InitialTrust:   DefaultInitialTrust,
		MinTrust:       DefaultMinTrust,
		MaxTrust:       DefaultMaxTrust,
		DecayRate:      DefaultDecayRate,
		DecayInterval:  DefaultDecayInterval,
		BoostMessage:   DefaultBoostMessage,
		BoostConnect:   DefaultBoostConnect,
		PenaltyInvalid: DefaultPenaltyInvalid,
		PenaltyTimeout: DefaultPenaltyTimeout,
		history:        history,
		cache:          make(map[meshnet.NodeID]float64),
	}
}

// GetTrust returns a node's current trust score, consulting the
// in-memory cache before falling back to the store.
func (e *Engine) GetTrust(ctx context.Context, id meshnet.NodeID) (float64, error) {
	e.mu.Lock()
	if v, ok := e.cache[id]; ok {
		e.mu.Unlock()
		return v, nil
	}
	e.mu.Unlock()

	p, ok, err := e.store.GetPeer(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return e.InitialTrust, nil
	}
	e.mu.Lock()
	e.cache[id] = p.TrustScore
	e.mu.Unlock()
	return p.TrustScore, nil
}

// SetTrust clamps and persists a trust score, logging the delta from
// the previous value.
func (e *Engine) SetTrust(ctx context.Context, id meshnet.NodeID, score float64, reason string) error {
	old, err := e.GetTrust(ctx, id)
	if err != nil {
		return err
	}
	score = clamp(score, 0, e.MaxTrust)

	e.mu.Lock()
	e.cache[id] = score
	e.mu.Unlock()

	if err := e.store.UpdatePeerTrust(ctx, id, score); err != nil {
		return err
	}
	return e.store.LogTrustEvent(ctx, id, "set_trust", score-old, reason)
}

// AdjustTrust applies delta to a node's current trust score.
func (e *Engine) AdjustTrust(ctx context.Context, id meshnet.NodeID, delta float64, reason string) error {
	current, err := e.GetTrust(ctx, id)
	if err != nil {
		return err
	}
	return e.SetTrust(ctx, id, clamp(current+delta, 0, e.MaxTrust), reason)
}

// OnValidMessage applies the valid-message trust boost and records the
// interaction for trend analysis.
func (e *Engine) OnValidMessage(ctx context.Context, id meshnet.NodeID) error {
	if err := e.AdjustTrust(ctx, id, e.BoostMessage, ReasonValidMessage); err != nil {
		return err
	}
	if err := e.store.IncrementPeerStats(ctx, id, 1, 0); err != nil {
		return err
	}
	if e.history != nil {
		e.history.RecordInteraction(id, e.BoostMessage)
	}
	return nil
}

// OnInvalidMessage applies the invalid-message penalty.
func (e *Engine) OnInvalidMessage(ctx context.Context, id meshnet.NodeID) error {
	if err := e.AdjustTrust(ctx, id, -e.PenaltyInvalid, ReasonInvalidMessage); err != nil {
		return err
	}
	if err := e.store.IncrementPeerStats(ctx, id, 0, 1); err != nil {
		return err
	}
	if e.history != nil {
		e.history.RecordInteraction(id, -e.PenaltyInvalid)
	}
	return nil
}

// PenalizeTimeout applies the peer-inactivity-timeout penalty. It
// satisfies peerstore.TrustPenalizer, the interface the peer manager's
// liveness sweep calls into.
func (e *Engine) PenalizeTimeout(id meshnet.NodeID) {
	ctx := context.Background()
	if err := e.AdjustTrust(ctx, id, -e.PenaltyTimeout, ReasonTimeout); err != nil {
		e.log.Warn("timeout penalty failed", zap.String("peer", string(id)), zap.Error(err))
	}
}

// OnSuccessfulConnection applies the successful-outbound-connection boost.
func (e *Engine) OnSuccessfulConnection(ctx context.Context, id meshnet.NodeID) error {
	return e.AdjustTrust(ctx, id, e.BoostConnect, ReasonSuccessfulConnection)
}

// IsTrusted reports whether a node's trust meets threshold (MinTrust
// if threshold is nil).
func (e *Engine) IsTrusted(ctx context.Context, id meshnet.NodeID, threshold *float64) (bool, error) {
	t := e.MinTrust
	if threshold != nil {
		t = *threshold
	}
	trust, err := e.GetTrust(ctx, id)
	if err != nil {
		return false, err
	}
	return trust >= t, nil
}

// ApplyTransitiveTrust weights a recommendation from recommenderID
// about recommendedID by the recommender's own trust, per spec.md §4.8.
func (e *Engine) ApplyTransitiveTrust(ctx context.Context, recommenderID, recommendedID meshnet.NodeID, recommendedTrust float64) error {
	recommenderTrust, err := e.GetTrust(ctx, recommenderID)
	if err != nil {
		return err
	}
	boost := recommendedTrust * recommenderTrust * 0.1
	return e.AdjustTrust(ctx, recommendedID, boost, ReasonRecommendationPrefix+string(recommenderID))
}

// ApplyDecay nudges every known peer's trust toward InitialTrust by
// DecayRate, run every DecayInterval (spec.md §4.8).
func (e *Engine) ApplyDecay(ctx context.Context) error {
	peers, err := e.store.GetAllPeers(ctx)
	if err != nil {
		return err
	}
	for _, p := range peers {
		current := p.TrustScore
		next := current + (e.InitialTrust-current)*e.DecayRate
		if math.Abs(next-current) <= 0.001 {
			continue
		}
		if err := e.SetTrust(ctx, p.NodeID, next, ReasonPeriodicDecay); err != nil {
			e.log.Warn("decay failed", zap.String("peer", string(p.NodeID)), zap.Error(err))
		}
	}
	return nil
}

// RunDecayLoop periodically calls ApplyDecay until ctx is cancelled.
func (e *Engine) RunDecayLoop(ctx context.Context) {
	ticker := time.NewTicker(e.DecayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ApplyDecay(ctx); err != nil {
				e.log.Warn("decay loop iteration failed", zap.Error(err))
			}
		}
	}
}

// ComputeReputationScore combines trust (0.6), interaction trend (0.2),
// and peer statistics (0.2) into a ranking-only score (spec.md §4.8).
func (e *Engine) ComputeReputationScore(ctx context.Context, id meshnet.NodeID) (float64, error) {
	trust, err := e.GetTrust(ctx, id)
	if err != nil {
		return 0, err
	}

	p, ok, err := e.store.GetPeer(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return trust, nil
	}

	trend := 0.0
	if e.history != nil {
		trend = e.history.InteractionTrend(id)
	}
	statsScore := statsComponent(p.ValidMessages, p.InvalidMessages)

	reputation := trust*0.6 + clamp(0.5+trend, 0, 1)*0.2 + statsScore*0.2
	return clamp(reputation, 0, 1), nil
}

func statsComponent(valid, invalid int64) float64 {
	total := valid + invalid
	if total == 0 {
		return 0.5
	}
	return float64(valid) / float64(total)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
