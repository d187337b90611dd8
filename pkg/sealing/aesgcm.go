package sealing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

const gcmNonceSize = 12

// deriveKey turns a machine fingerprint into the AES-256 key used to seal
// local bundle artifacts. Binding the key to the fingerprint means a bundle
// copied to different hardware cannot even be decrypted there.
func deriveKey(fingerprint string) []byte {
	sum := sha256.Sum256([]byte(fingerprint))
	return sum[:]
}

// Seal encrypts plaintext under AES-256-GCM with key = SHA-256(fingerprint).
// Output layout is nonce || ciphertext || tag.
func Seal(fingerprint string, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(fingerprint))
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init failed: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a Seal blob. Fails if the fingerprint differs from the one
// used to seal, or if any byte of the blob was altered.
func Open(fingerprint string, blob []byte) ([]byte, error) {
	if len(blob) < gcmNonceSize {
		return nil, errors.New("sealed blob shorter than nonce")
	}

	block, err := aes.NewCipher(deriveKey(fingerprint))
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init failed: %w", err)
	}

	nonce, ciphertext := blob[:gcmNonceSize], blob[gcmNonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm open failed: %w", err)
	}
	return plaintext, nil
}
