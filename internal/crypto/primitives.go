// Package crypto implements the two encryption variants used on every
// payload that crosses the remote session client: a legacy shared-secret
// AEAD scheme and a newer per-resource data-key scheme wrapped by a
// content key-pair. Callers never see which variant is active; they
// only see a Codec.
package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Codec encrypts and decrypts opaque byte payloads for transport or storage.
// Decrypt returns (nil, nil) on authentication failure — callers treat a
// failed decrypt as "skip this update", never as a fatal error.
type Codec interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(payload []byte) ([]byte, error)
}

// sealXChaCha encrypts plaintext with XChaCha20-Poly1305 under key,
// returning nonce||ciphertext||tag.
func sealXChaCha(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// openXChaCha decrypts data produced by sealXChaCha. A nil, nil return
// means the authentication tag did not verify.
func openXChaCha(key, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	nonceSize := aead.NonceSize()
	if len(data) < nonceSize {
		return nil, nil
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, nil
	}
	return plaintext, nil
}
