package sealing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
)

var pssOpts = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthAuto,
	Hash:       crypto.SHA512,
}

// Signer signs canonical certificate bytes with the issuer's RSA key.
// It is constructed once at startup and injected into the engine; the key
// never leaves this type.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner wraps an RSA private key.
func NewSigner(key *rsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Sign returns the base64 RSA-PSS-SHA512 signature over data.
func (s *Signer) Sign(data []byte) (string, error) {
	digest := sha512Sum(data)
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA512, digest, pssOpts)
	if err != nil {
		return "", fmt.Errorf("pss signing failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// PublicKey returns the verification half of the signing pair.
func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// PublicKeyPEM returns the verification key in SPKI PEM form.
func (s *Signer) PublicKeyPEM() ([]byte, error) {
	return EncodePublicKeyPEM(&s.key.PublicKey)
}

// Verify checks a base64 RSA-PSS-SHA512 signature against data.
// A nil return means the signature is authentic.
func Verify(pub *rsa.PublicKey, data []byte, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("invalid signature base64: %w", err)
	}
	digest := sha512Sum(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA512, digest, sig, pssOpts); err != nil {
		return fmt.Errorf("pss verification failed: %w", err)
	}
	return nil
}
