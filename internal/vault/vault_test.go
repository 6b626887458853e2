package vault_test

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/cms-agent/internal/vault"
)

func TestEncryptDecryptRoundTrips(t *testing.T) {
	v, err := vault.New(filepath.Join(t.TempDir(), "host-id"))
	require.NoError(t, err)

	ciphertext, err := v.Encrypt("super-secret-token")
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "super-secret-token")

	plaintext, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-token", plaintext)
}

func TestDecryptFailsOnForeignHostKey(t *testing.T) {
	v, err := vault.New(filepath.Join(t.TempDir(), "host-id"))
	require.NoError(t, err)

	// Two vaults on this machine share /etc/machine-id when it exists, so a
	// foreign host is simulated by sealing with an unrelated AES-256 key in
	// the vault's nonce||ciphertext layout.
	foreignKey := make([]byte, 32)
	_, err = rand.Read(foreignKey)
	require.NoError(t, err)
	block, err := aes.NewCipher(foreignKey)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	nonce := make([]byte, gcm.NonceSize())
	ciphertext := gcm.Seal(nonce, nonce, []byte("token"), nil)

	_, err = v.Decrypt(ciphertext)
	require.Error(t, err)
}

func TestDecryptFailsOnCorruptCiphertext(t *testing.T) {
	v, err := vault.New(filepath.Join(t.TempDir(), "host-id"))
	require.NoError(t, err)

	ciphertext, err := v.Encrypt("token")
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = v.Decrypt(ciphertext)
	require.Error(t, err)
}
