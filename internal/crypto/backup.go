package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	backupSaltSize   = 32
	backupIVSize     = 16
	backupIterations = 100000
	backupKeySize    = 32
)

// BackupEncrypt seals a backup blob under a user passphrase. Output layout
// is salt(32) || iv(16) || tag(16) || ciphertext.
func BackupEncrypt(blob []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, backupSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, &CryptoError{Op: "backup-encrypt", Err: err}
	}
	iv := make([]byte, backupIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, &CryptoError{Op: "backup-encrypt", Err: err}
	}

	key := pbkdf2.Key([]byte(passphrase), salt, backupIterations, backupKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Op: "backup-encrypt", Err: err}
	}
	aead, err := cipher.NewGCMWithNonceSize(block, backupIVSize)
	if err != nil {
		return nil, &CryptoError{Op: "backup-encrypt", Err: err}
	}

	sealed := aead.Seal(nil, iv, blob, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, backupSaltSize+backupIVSize+tagSize+len(ct))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// BackupDecrypt reverses BackupEncrypt. A wrong passphrase fails the tag
// check and yields a CryptoError.
func BackupDecrypt(data []byte, passphrase string) ([]byte, error) {
	if len(data) < backupSaltSize+backupIVSize+tagSize {
		return nil, &CryptoError{Op: "backup-decrypt", Err: fmt.Errorf("backup blob too short: %d bytes", len(data))}
	}
	salt := data[:backupSaltSize]
	iv := data[backupSaltSize : backupSaltSize+backupIVSize]
	tag := data[backupSaltSize+backupIVSize : backupSaltSize+backupIVSize+tagSize]
	ct := data[backupSaltSize+backupIVSize+tagSize:]

	key := pbkdf2.Key([]byte(passphrase), salt, backupIterations, backupKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Op: "backup-decrypt", Err: err}
	}
	aead, err := cipher.NewGCMWithNonceSize(block, backupIVSize)
	if err != nil {
		return nil, &CryptoError{Op: "backup-decrypt", Err: err}
	}

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, &CryptoError{Op: "backup-decrypt", Err: err}
	}
	return plain, nil
}
