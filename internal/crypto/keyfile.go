package crypto

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// KeyFileName is the encryption key file under the data directory.
// Losing this file renders every encrypted column unrecoverable.
const KeyFileName = ".oauth-key"

// LoadOrCreateKey reads the 32-byte key file, creating it with owner-only
// permissions when absent.
func LoadOrCreateKey(dataDir string, logger *zap.Logger) ([]byte, error) {
	path := filepath.Join(dataDir, KeyFileName)

	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != KeySize {
			return nil, &CryptoError{Op: "keyfile", Err: fmt.Errorf("key file %s has %d bytes, want %d", path, len(key), KeySize)}
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, &CryptoError{Op: "keyfile", Err: err}
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, &CryptoError{Op: "keyfile", Err: err}
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, &CryptoError{Op: "keyfile", Err: err}
	}
	logger.Info("Created new encryption key", zap.String("path", path))
	return key, nil
}

// WriteKey persists new key material, replacing the previous file. Used by
// key rotation after the re-encryption transaction commits.
func WriteKey(dataDir string, key []byte) error {
	if len(key) != KeySize {
		return &CryptoError{Op: "keyfile", Err: fmt.Errorf("key must be %d bytes", KeySize)}
	}
	path := filepath.Join(dataDir, KeyFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, key, 0o600); err != nil {
		return &CryptoError{Op: "keyfile", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &CryptoError{Op: "keyfile", Err: err}
	}
	return nil
}

// NewRandomKey returns fresh 32-byte key material.
func NewRandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, &CryptoError{Op: "random", Err: err}
	}
	return key, nil
}
