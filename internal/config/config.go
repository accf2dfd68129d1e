package config

import "time"

// CurrentConfigVersion is the latest configuration schema version.
const CurrentConfigVersion = 1

// Config is the unified node configuration, covering every option
// spec.md §6 enumerates as recognized.
type Config struct {
	Version int `yaml:"version,omitempty"`

	Identity  IdentityConfig  `yaml:"identity"`
	Node      NodeConfig      `yaml:"node"`
	Peers     PeersConfig     `yaml:"peers"`
	Gossip    GossipConfig    `yaml:"gossip"`
	Trust     TrustConfig     `yaml:"trust"`
	Transport TransportConfig `yaml:"transport"`
	DHT       DHTConfig       `yaml:"dht"`
	State     StateConfig     `yaml:"state"`
}

// IdentityConfig names the Ed25519 key file (spec.md §6 "key-file paths").
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NodeConfig holds the node's bind address and heartbeat cadence.
type NodeConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// PeersConfig holds peer-manager tuning (spec.md §4.7).
type PeersConfig struct {
	BootstrapNodes    []string      `yaml:"bootstrap_nodes"`
	MaxPeers          int           `yaml:"max_peers"`
	MinPeers          int           `yaml:"min_peers"`
	DiscoveryInterval time.Duration `yaml:"peer_discovery_interval"`
	PeerTimeout       time.Duration `yaml:"peer_timeout"`
}

// GossipConfig holds gossip-engine tuning (spec.md §4.9).
type GossipConfig struct {
	Fanout           int           `yaml:"gossip_fanout"`
	Interval         time.Duration `yaml:"gossip_interval"`
	MessageTTL       int           `yaml:"message_ttl"`
	MessageCacheSize int           `yaml:"message_cache_size"`
}

// TrustConfig holds trust-engine tuning (spec.md §4.8).
type TrustConfig struct {
	InitialScore   float64       `yaml:"initial_trust_score"`
	DecayRate      float64       `yaml:"trust_decay_rate"`
	DecayInterval  time.Duration `yaml:"trust_decay_interval"`
	MinThreshold   float64       `yaml:"min_trust_threshold"`
	MaxScore       float64       `yaml:"max_trust_score"`
	BoostMessage   float64       `yaml:"trust_boost_message"`
	PenaltyInvalid float64       `yaml:"trust_penalty_invalid"`
}

// TransportConfig holds connection-level tuning (spec.md §4.4, §4.5).
type TransportConfig struct {
	MaxConcurrentConnections int           `yaml:"max_concurrent_connections"`
	ConnectionTimeout        time.Duration `yaml:"connection_timeout"`
}

// DHTConfig holds DHT tuning (spec.md §4.10).
type DHTConfig struct {
	ReplicationFactor int           `yaml:"dht_replication_factor"`
	TTLDefault        time.Duration `yaml:"dht_ttl_default"`
}

// StateConfig names the persistence collaborator's storage location
// (spec.md §6 "state-store location").
type StateConfig struct {
	Path string `yaml:"path"`
}

// Default returns a Config populated with spec.md's stated defaults
// everywhere one is named. The values are literals; the trust, gossip
// and DHT values equal those packages' own DefaultXxx constants, but
// nothing ties them together, so a change to one side does not reach
// the other.
func Default() Config {
	return Config{
		Version: CurrentConfigVersion,
		Node: NodeConfig{
			Host:              "0.0.0.0",
			Port:              4715,
			HeartbeatInterval: 10 * time.Second,
		},
		Peers: PeersConfig{
			MaxPeers:          64,
			MinPeers:          4,
			DiscoveryInterval: 30 * time.Second,
			PeerTimeout:       60 * time.Second,
		},
		Gossip: GossipConfig{
			Fanout:           3,
			Interval:         time.Second,
			MessageTTL:       5,
			MessageCacheSize: 10000,
		},
		Trust: TrustConfig{
			InitialScore:   0.5,
			DecayRate:      0.01,
			DecayInterval:  5 * time.Minute,
			MinThreshold:   0.1,
			MaxScore:       1.0,
			BoostMessage:   0.001,
			PenaltyInvalid: 0.1,
		},
		Transport: TransportConfig{
			MaxConcurrentConnections: 256,
			ConnectionTimeout:        10 * time.Second,
		},
		DHT: DHTConfig{
			ReplicationFactor: 3,
			TTLDefault:        time.Hour,
		},
		State: StateConfig{
			Path: "meshveil.db",
		},
	}
}
