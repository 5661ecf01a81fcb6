// Package secretmint mints and protects the per-instance secrets the
// runtime injects into a tenant's container: a generated admin password and
// the envelope that seals it at rest, plus the Ed25519 keypair used for SSO
// token minting.
package secretmint

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// Envelope seals secrets at rest with AES-256-GCM under a key derived from
// the operator-supplied envelope key. It never leaves the secret in
// plaintext anywhere but in memory and inside the provisioned container.
type Envelope struct {
	key [32]byte
}

// NewEnvelope derives a 256-bit key from the operator-supplied secret via
// SHA-256. Any length of input secret is accepted; the hash normalizes it.
func NewEnvelope(secret string) *Envelope {
	return &Envelope{key: sha256.Sum256([]byte(secret))}
}

// Seal encrypts plaintext, returning nonce||ciphertext.
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value previously produced by Seal.
func (e *Envelope) Open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed value shorter than nonce size")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// GenerateAdminPassword returns a random alphanumeric password suitable for
// injecting into a freshly provisioned instance.
func GenerateAdminPassword(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b), nil
}

// HashPassword bcrypt-hashes a password for comparison purposes (used when
// the instance itself needs to verify the admin password, not this
// control plane — the control plane only ever stores it sealed).
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}
