// Package credbroker implements a local Unix-socket credential broker: a
// per-workspace secret (provider API key, OAuth refresh token) is encrypted
// at rest under a key derived from the workspace's device key, and handed
// out over the socket only to peers whose credentials check out.
package credbroker

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const nonceSize = chacha20poly1305.NonceSizeX

// deriveKey derives a per-bridge-id ChaCha20-Poly1305 key from the
// workspace's master key via HMAC-SHA256, so compromising one encrypted
// credential file never discloses the master key or any other file's key.
func deriveKey(masterKey []byte, bridgeID string) []byte {
	mac := hmac.New(sha256.New, masterKey)
	mac.Write([]byte("bridge-key:"))
	mac.Write([]byte(bridgeID))
	return mac.Sum(nil)
}

// seal encrypts secret under a key derived from masterKey and bridgeID,
// returning nonce||ciphertext for storage as a single file.
func seal(masterKey []byte, bridgeID string, secret []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(deriveKey(masterKey, bridgeID))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, secret, nil)
	return append(nonce, ciphertext...), nil
}

// open decrypts a nonce||ciphertext blob produced by seal for the same
// masterKey and bridgeID.
func open(masterKey []byte, bridgeID string, blob []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, fmt.Errorf("credential blob too short: %d bytes", len(blob))
	}
	aead, err := chacha20poly1305.NewX(deriveKey(masterKey, bridgeID))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
