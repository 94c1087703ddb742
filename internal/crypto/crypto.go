// Package crypto implements the broker's symmetric encryption of sensitive
// columns, PKCE material generation, salted password hashing and
// passphrase-based backup encryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	nonceSize = 12
	tagSize   = 16

	hashIterations = 10000
	hashSaltSize   = 64
	hashKeySize    = 64
)

// CryptoError reports a decryption or key failure. Callers must propagate
// it, never substitute a default value.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("crypto %s: %v", e.Op, e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

// Box encrypts and decrypts with a fixed 32-byte key. The key is read-only
// after construction, so a Box is safe for concurrent use.
type Box struct {
	aead    cipher.AEAD
	version int
}

// NewBox builds a Box from raw key material.
func NewBox(key []byte, version int) (*Box, error) {
	if len(key) != KeySize {
		return nil, &CryptoError{Op: "new", Err: fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Op: "new", Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &CryptoError{Op: "new", Err: err}
	}
	return &Box{aead: aead, version: version}, nil
}

// Version returns the key version this Box was built with.
func (b *Box) Version() int { return b.version }

// Encrypt seals plaintext as base64(nonce || tag || ciphertext) with a
// fresh 12-byte nonce per call. The empty string encrypts to the empty
// string so optional columns stay optional.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}
	sealed := b.aead.Seal(nil, nonce, []byte(plaintext), nil)
	// Seal appends the tag after the ciphertext; the wire layout puts it
	// between nonce and ciphertext.
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Tag mismatch or malformed input yields a
// CryptoError.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	if len(raw) < nonceSize+tagSize {
		return "", &CryptoError{Op: "decrypt", Err: fmt.Errorf("ciphertext too short: %d bytes", len(raw))}
	}
	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	return string(plain), nil
}

// Hash derives a salted PBKDF2-SHA512 digest, returned as
// base64(salt) + ":" + base64(digest).
func Hash(data string) (string, error) {
	salt := make([]byte, hashSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", &CryptoError{Op: "hash", Err: err}
	}
	digest := pbkdf2.Key([]byte(data), salt, hashIterations, hashKeySize, sha512.New)
	return base64.StdEncoding.EncodeToString(salt) + ":" + base64.StdEncoding.EncodeToString(digest), nil
}

// VerifyHash checks data against a digest produced by Hash in constant
// time.
func VerifyHash(data, saltedDigest string) bool {
	var saltB64, digestB64 string
	for i := 0; i < len(saltedDigest); i++ {
		if saltedDigest[i] == ':' {
			saltB64, digestB64 = saltedDigest[:i], saltedDigest[i+1:]
			break
		}
	}
	if saltB64 == "" || digestB64 == "" {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(digestB64)
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(data), salt, hashIterations, hashKeySize, sha512.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// RandomToken returns base64url of n random bytes. Callers use n >= 32 for
// OAuth state and n >= 64 for PKCE verifiers.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", &CryptoError{Op: "random", Err: err}
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// PKCEChallenge derives the S256 code challenge for a verifier.
func PKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
