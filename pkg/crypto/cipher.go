package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

// ErrCiphertext is returned when a payload cannot be decrypted.
var ErrCiphertext = errors.New("crypto: invalid ciphertext")

// Box seals and opens payloads with AES-GCM under a key derived from a secret.
type Box struct {
	aead cipher.AEAD
}

// deriveKey normalizes key material to 32 bytes using SHA-256.
func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}

// NewBox builds a Box for secret.
func NewBox(secret string) (*Box, error) {
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: gcm}, nil
}

// Seal encrypts plaintext; the random nonce is prepended to the output.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal.
func (b *Box) Open(payload []byte) ([]byte, error) {
	nonceSize := b.aead.NonceSize()
	if len(payload) < nonceSize {
		return nil, ErrCiphertext
	}
	plain, err := b.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return nil, ErrCiphertext
	}
	return plain, nil
}
