package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions returns an error if a config file has
// overly permissive permissions (any group/world bit set), which makes
// Load fail. A missing or unreadable file passes. A config file names
// the Ed25519 key file path and bootstrap topology.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads and validates a Config from a YAML file at path, filling
// any fields left unset in the file with Default()'s values.
func Load(path string) (Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse yaml: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = CurrentConfigVersion
	}
	if cfg.Version > CurrentConfigVersion {
		return Config{}, fmt.Errorf("%w: version %d is newer than supported version %d", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	return cfg, nil
}

// Validate checks that a Config has everything the node orchestrator
// requires to boot.
func Validate(cfg Config) error {
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if cfg.Node.Port <= 0 {
		return fmt.Errorf("node.port must be positive")
	}
	if cfg.Peers.MinPeers > cfg.Peers.MaxPeers {
		return fmt.Errorf("peers.min_peers must not exceed peers.max_peers")
	}
	if cfg.Trust.MinThreshold < 0 || cfg.Trust.MinThreshold > cfg.Trust.MaxScore {
		return fmt.Errorf("trust.min_trust_threshold must be between 0 and trust.max_trust_score")
	}
	if cfg.DHT.ReplicationFactor <= 0 {
		return fmt.Errorf("dht.dht_replication_factor must be positive")
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	return nil
}

// FindConfigFile searches for a meshveil config file in standard
// locations. Search order: explicitPath (if given), ./meshveil.yaml,
// ~/.config/meshveil/config.yaml, /etc/meshveil/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{"meshveil.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "meshveil", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "meshveil", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w; searched %v", ErrConfigNotFound, searchPaths)
}

// ResolveConfigPaths resolves relative file paths in cfg to be
// relative to the config file's directory.
func ResolveConfigPaths(cfg *Config, configDir string) {
	if cfg.Identity.KeyFile != "" && !filepath.IsAbs(cfg.Identity.KeyFile) {
		cfg.Identity.KeyFile = filepath.Join(configDir, cfg.Identity.KeyFile)
	}
	if cfg.State.Path != "" && !filepath.IsAbs(cfg.State.Path) {
		cfg.State.Path = filepath.Join(configDir, cfg.State.Path)
	}
}
