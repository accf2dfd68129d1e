package dht

import (
	"time"

	"github.com/shurlinet/meshveil/pkg/meshnet"
)

// Value is a locally stored DHT entry (spec.md §2 "DHT value").
type Value struct {
	Key       string
	Value     any
	Timestamp time.Time
	TTL       time.Duration // zero means no expiration
	Replicas  map[meshnet.NodeID]struct{}
}

// Expired reports whether now is past Timestamp+TTL. A zero TTL never
// expires.
func (v *Value) Expired(now time.Time) bool {
	if v.TTL <= 0 {
		return false
	}
	return now.After(v.Timestamp.Add(v.TTL))
}

// remaining returns the time left before expiration, or the maximum
// duration if the value never expires.
func (v *Value) remaining(now time.Time) time.Duration {
	if v.TTL <= 0 {
		return time.Duration(1<<63 - 1)
	}
	return v.Timestamp.Add(v.TTL).Sub(now)
}
