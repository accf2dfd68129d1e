// Package meshnet implements the wire-level substrate of the overlay:
// identity, framing, fragmentation, flow/congestion control and the
// per-peer reliability state machine described in spec.md §4.1-§4.5.
package meshnet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
)

// NodeIDLength is the number of hex characters in a NodeID: the first
// 16 hex characters (64 bits) of SHA-256 of the node's Ed25519 public key.
const NodeIDLength = 16

// NodeID is the overlay-level 64-bit identifier space. It is distinct
// from the DHT's 160-bit SHA-1 address space (see internal/dht); the two
// MUST NOT be confused.
type NodeID string

// Identity holds an Ed25519 keypair and the NodeID derived from it.
// Sign and Verify are thin wrappers matching spec.md §4.1.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   NodeID
}

// GenerateIdentity creates a fresh Ed25519 keypair.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("meshnet: generate identity: %w", err)
	}
	return newIdentity(priv, pub), nil
}

func newIdentity(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Identity {
	return &Identity{priv: priv, pub: pub, id: DeriveNodeID(pub)}
}

// DeriveNodeID computes the NodeID for a raw Ed25519 public key: the
// lowercase hex of SHA256(pubkey)[0..8] (spec.md §3, §4.1).
func DeriveNodeID(pub ed25519.PublicKey) NodeID {
	sum := sha256.Sum256(pub)
	return NodeID(hex.EncodeToString(sum[:NodeIDLength/2]))
}

// ID returns this identity's NodeID.
func (id *Identity) ID() NodeID { return id.id }

// PublicKey returns the raw Ed25519 public key bytes.
func (id *Identity) PublicKey() ed25519.PublicKey { return id.pub }

// Sign signs data with the private key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.priv, data)
}

// Verify checks a signature against a raw public key. It never panics
// on malformed input; a key of the wrong length is simply "not verified".
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// CheckKeyFilePermissions verifies that a private key file is not
// readable by group or others. POSIX-only; a no-op on Windows.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("meshnet: stat key file %s: %w", path, err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Errorf("meshnet: key file %s has insecure permissions %04o (expected 0600)", path, mode)
	}
	return nil
}

// LoadOrCreateIdentity loads an Ed25519 private key from path, or
// generates and persists a new one if the file does not exist.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if data, err := os.ReadFile(path); err == nil {
		if err := CheckKeyFilePermissions(path); err != nil {
			return nil, err
		}
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("meshnet: key file %s has unexpected length %d", path, len(data))
		}
		priv := ed25519.PrivateKey(data)
		pub, ok := priv.Public().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("meshnet: key file %s: malformed public key", path)
		}
		return newIdentity(priv, pub), nil
	}

	id, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, id.priv, 0o600); err != nil {
		return nil, fmt.Errorf("meshnet: save key to %s: %w", path, err)
	}
	return id, nil
}
