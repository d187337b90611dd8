// Package sealing holds the cryptographic primitives of the licensing
// protocol: the RSA-4096 signing pair, PSS signatures, the per-certificate
// HMAC, fingerprint-keyed AES-GCM sealing, and the SHA3-512 fingerprint hash.
package sealing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const rsaKeyBits = 4096

// GenerateKeyPair creates a fresh RSA-4096 signing pair.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("rsa key generation failed: %w", err)
	}
	return key, nil
}

// EncodePrivateKeyPEM renders the private key as an unencrypted PKCS#8 PEM
// block, the on-disk format the issuer persists.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("pkcs8 marshal failed: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKeyPEM renders the public key as a SubjectPublicKeyInfo PEM
// block, the format served on the public-key endpoint and shipped in bundles.
func EncodePublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("spki marshal failed: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM parses a PKCS#8 RSA private key PEM block.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found in private key data")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pkcs8 parse failed: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", parsed)
	}
	return key, nil
}

// ParsePublicKeyPEM parses a SubjectPublicKeyInfo RSA public key PEM block.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found in public key data")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("spki parse failed: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want RSA", parsed)
	}
	return key, nil
}

// LoadOrGenerateKeyPair loads the signing pair from privatePath, generating
// and persisting a fresh pair (private + public PEM) when the file does not
// exist. The pair is immutable for the process lifetime; rotation is not part
// of this protocol.
func LoadOrGenerateKeyPair(privatePath, publicPath string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(privatePath)
	if err == nil {
		return ParsePrivateKeyPEM(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	key, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	privPEM, err := EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(privatePath, privPEM, 0600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}

	pubPEM, err := EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(publicPath, pubPEM, 0644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}

	return key, nil
}
