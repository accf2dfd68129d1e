// Package nat defines the contract between the core and an external
// STUN/hole-punch collaborator (spec.md §1, §6). The collaborator's own
// wire format is standardized elsewhere and out of scope here; this
// package only names the shape the orchestrator depends on.
package nat

// Type tags a NAT's observed behavior. The core never classifies NAT
// type itself (spec.md §1 Non-goals); it only carries whatever tag the
// collaborator reports.
type Type string

// CandidateKind mirrors ICE's host/server-reflexive/relay distinction.
type CandidateKind string

const (
	CandidateHost   CandidateKind = "host"
	CandidateSrflx  CandidateKind = "srflx"
	CandidateRelay  CandidateKind = "relay"
)

// Mapping is the node's externally observed address, as reported by
// the NAT collaborator.
type Mapping struct {
	PublicIP   string
	PublicPort int
	NATType    Type
}

// Candidate is one ICE-style address offered during exchange. Higher
// Priority is preferred.
type Candidate struct {
	Kind     CandidateKind
	IP       string
	Port     int
	Priority int
}

// Collaborator supplies the node's external mapping on demand and
// performs ICE-style candidate offer/answer exchange with a remote
// peer identified by address. A successful exchange yields a Candidate
// that the core treats as an ordinary remote address for the
// transport (spec.md §6) — the core does not itself dial through NAT
// or speak STUN/TURN.
type Collaborator interface {
	// PublicMapping returns this node's current externally observed
	// address, if known.
	PublicMapping() (Mapping, bool)

	// Offer produces this node's local candidates to send to a remote
	// peer during session establishment.
	Offer() []Candidate

	// Answer exchanges candidates with a remote peer reachable at
	// addr, returning the candidate pair to use, if negotiation
	// succeeds.
	Answer(addr string, remote []Candidate) (Candidate, bool)
}
