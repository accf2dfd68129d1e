package trust

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// MaxInteractionHistory bounds the per-peer interaction deltas kept for
// trend analysis (spec.md §4.8).
const MaxInteractionHistory = 100

// History tracks bounded per-peer trust-delta history for trend
// analysis, persisted to a local JSON file so a restarted node doesn't
// lose its recent-trend view.
type History struct {
	mu     sync.RWMutex
	path   string
	deltas map[meshnet.NodeID][]float64
}

// NewHistory creates or loads an interaction history from path. An
// empty path keeps the history in memory only.
func NewHistory(path string) *History {
	h := &History{
		path:   path,
		deltas: make(map[meshnet.NodeID][]float64),
	}
	if path != "" {
		_ = h.Load()
	}
	return h
}

// RecordInteraction appends a trust delta for id, dropping the oldest
// entry once the history exceeds MaxInteractionHistory.
func (h *History) RecordInteraction(id meshnet.NodeID, delta float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	series := append(h.deltas[id], delta)
	if len(series) > MaxInteractionHistory {
		series = series[len(series)-MaxInteractionHistory:]
	}
	h.deltas[id] = series
}

// InteractionTrend returns the slope of a simple linear regression over
// id's recent trust deltas, 0 if there is no slope or too little
// history (spec.md §4.8, grounded on trust.py's get_interaction_trend).
func (h *History) InteractionTrend(id meshnet.NodeID) float64 {
	h.mu.RLock()
	series := h.deltas[id]
	h.mu.RUnlock()

	n := len(series)
	if n < 2 {
		return 0
	}

	xMean := float64(n-1) / 2
	var yMean float64
	for _, y := range series {
		yMean += y
	}
	yMean /= float64(n)

	var num, den float64
	for i, y := range series {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Count returns the number of peers with recorded interaction history.
func (h *History) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.deltas)
}

// Load reads the interaction history file from disk, if present.
func (h *History) Load() error {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("trust: read history: %w", err)
	}

	var deltas map[meshnet.NodeID][]float64
	if err := json.Unmarshal(data, &deltas); err != nil {
		return fmt.Errorf("trust: parse history: %w", err)
	}

	h.mu.Lock()
	h.deltas = deltas
	h.mu.Unlock()
	return nil
}

// Save writes the interaction history to disk atomically via a
// temp-file-then-rename, skipping entirely if no path was configured.
func (h *History) Save() error {
	if h.path == "" {
		return nil
	}

	h.mu.RLock()
	data, err := json.MarshalIndent(h.deltas, "", "  ")
	h.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("trust: marshal history: %w", err)
	}

	tmpPath := h.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("trust: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, h.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("trust: rename temp file: %w", err)
	}
	return nil
}
