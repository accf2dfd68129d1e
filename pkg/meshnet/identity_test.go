package meshnet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	assert.Len(t, string(id.ID()), NodeIDLength)
	assert.Len(t, id.PublicKey(), 32)
}

func TestDeriveNodeIDDeterministic(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	assert.Equal(t, id.ID(), DeriveNodeID(id.PublicKey()))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	msg := []byte("hello overlay")
	sig := id.Sign(msg)
	assert.True(t, Verify(id.PublicKey(), msg, sig))
	assert.False(t, Verify(id.PublicKey(), []byte("tampered"), sig))
}

func TestVerifyRejectsMalformedKey(t *testing.T) {
	assert.False(t, Verify([]byte("too-short"), []byte("msg"), []byte("sig")))
}

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, first.PublicKey(), second.PublicKey())
}

func TestLoadOrCreateIdentityRejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	id, err := GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(id.priv), 0o644))

	_, err = LoadOrCreateIdentity(path)
	assert.Error(t, err)
}

func TestLoadOrCreateIdentityRejectsBadLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))

	_, err := LoadOrCreateIdentity(path)
	assert.Error(t, err)
}
