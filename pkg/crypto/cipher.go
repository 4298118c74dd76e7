package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

// ErrCiphertextTooShort is returned when a payload cannot hold a GCM nonce.
var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

// deriveKey normalizes key material to 32 bytes using SHA-256.
func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}

func newGCM(secret string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext using AES-GCM. The random nonce is prepended to
// the returned ciphertext; additional data is authenticated but not stored.
func Encrypt(secret string, plaintext, additional []byte) ([]byte, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, additional), nil
}

// Decrypt opens a payload produced by Encrypt with the same secret and
// additional data.
func Decrypt(secret string, payload, additional []byte) ([]byte, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce := payload[:nonceSize]
	ciphertext := payload[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, additional)
}
