package sealing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
)

// HMACKeySize is the per-certificate key length in bytes.
const HMACKeySize = 64

// NewHMACKey draws a fresh 64-byte HMAC key. One key per certificate; the
// key ships inside the certificate, so the HMAC guards against accidental
// corruption rather than a capable adversary. Signature verification is the
// authenticity check.
func NewHMACKey() ([]byte, error) {
	key := make([]byte, HMACKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("hmac key generation failed: %w", err)
	}
	return key, nil
}

// ComputeHMAC returns the hex HMAC-SHA512 of data under key.
func ComputeHMAC(key, data []byte) string {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC compares an expected hex digest in constant time.
func VerifyHMAC(key, data []byte, expectedHex string) bool {
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), expected)
}

func sha512Sum(data []byte) []byte {
	sum := sha512.Sum512(data)
	return sum[:]
}
