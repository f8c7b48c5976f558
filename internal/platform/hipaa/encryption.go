package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

// DevFallbackSecret is used when no ENCRYPTION_KEY is configured outside
// production. Data sealed with it is not protected.
const DevFallbackSecret = "dev-key-not-for-production"

// DeriveKey turns an arbitrary secret into a 32-byte AES-256 key.
func DeriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Envelope provides AES-256-GCM sealing of PHI content fields. Sealed blobs
// are base64(nonce || ciphertext || tag).
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope creates an Envelope from a 32-byte key, normally the output of
// DeriveKey.
func NewEnvelope(key []byte) (*Envelope, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("envelope: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: create GCM: %w", err)
	}

	return &Envelope{aead: aead}, nil
}

// NewEnvelopeFromSecret derives the key from secret and builds an Envelope.
func NewEnvelopeFromSecret(secret string) (*Envelope, error) {
	return NewEnvelope(DeriveKey(secret))
}

// Seal encrypts plaintext under a fresh random nonce.
func (e *Envelope) Seal(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("envelope seal: generate nonce: %w", err)
	}

	// Seal appends to nonce, so the result is nonce + ciphertext + tag.
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Any malformed, truncated, tampered or foreign blob
// yields sentinel.ErrAuthenticationFailure and no plaintext.
func (e *Envelope) Open(blob string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("envelope open: %w", sentinel.ErrAuthenticationFailure)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize+e.aead.Overhead() {
		return "", fmt.Errorf("envelope open: short blob: %w", sentinel.ErrAuthenticationFailure)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("envelope open: %w", sentinel.ErrAuthenticationFailure)
	}
	return string(plaintext), nil
}
