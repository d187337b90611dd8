package sealing

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// FingerprintHash returns the SHA3-512 hex digest of a fingerprint string,
// the value embedded in a certificate's security block.
func FingerprintHash(fingerprint string) string {
	sum := sha3.Sum512([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

// SHA3Hex returns the SHA3-512 hex digest of raw bytes. The fingerprint
// deriver hashes the joined probe tokens through this.
func SHA3Hex(data []byte) string {
	sum := sha3.Sum512(data)
	return hex.EncodeToString(sum[:])
}
