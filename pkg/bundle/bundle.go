// Package bundle defines the activation bundle: the set of artifacts the
// issuer returns on activation and the on-disk layout the agent installs
// them into. The bundle carries the signed certificate (canonical bytes,
// exactly as signed), registry credentials sealed to the machine
// fingerprint, a generated compose file, and the issuer's public key.
package bundle

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/wardenhq/warden/pkg/sealing"
)

// Bundle is the activation payload. Field names are part of the wire
// contract.
type Bundle struct {
	Certificate       json.RawMessage `json:"certificate"`
	DockerCredentials Credentials     `json:"docker_credentials"`
	ComposeFile       string          `json:"compose_file"`
	PublicKey         string          `json:"public_key"`
}

// Credentials is the sealed registry-credential envelope. The blob can only
// be opened on the machine whose fingerprint it was sealed to.
type Credentials struct {
	EncryptedCredentials string `json:"encrypted_credentials"`
	EncryptionMethod     string `json:"encryption_method"`
	KeyDerivation        string `json:"key_derivation"`
}

// RegistryLogin is the plaintext inside a sealed Credentials blob.
type RegistryLogin struct {
	Registry string `json:"registry"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Labels recorded in the credential envelope so an operator can tell how to
// recover the plaintext.
const (
	credentialCipher = "AES-256-GCM"
	credentialKDF    = "SHA-256(machine_fingerprint)"
)

// SealCredentials encrypts a registry login to the given machine
// fingerprint.
func SealCredentials(fingerprint string, login RegistryLogin) (Credentials, error) {
	plaintext, err := json.Marshal(login)
	if err != nil {
		return Credentials{}, fmt.Errorf("encode registry login: %w", err)
	}
	blob, err := sealing.Seal(fingerprint, plaintext)
	if err != nil {
		return Credentials{}, fmt.Errorf("seal registry login: %w", err)
	}
	return Credentials{
		EncryptedCredentials: base64.StdEncoding.EncodeToString(blob),
		EncryptionMethod:     credentialCipher,
		KeyDerivation:        credentialKDF,
	}, nil
}

// Open decrypts the sealed credentials with the machine fingerprint.
func (c Credentials) Open(fingerprint string) (RegistryLogin, error) {
	blob, err := base64.StdEncoding.DecodeString(c.EncryptedCredentials)
	if err != nil {
		return RegistryLogin{}, fmt.Errorf("decode credentials: %w", err)
	}
	plaintext, err := sealing.Open(fingerprint, blob)
	if err != nil {
		return RegistryLogin{}, fmt.Errorf("open credentials: %w", err)
	}
	var login RegistryLogin
	if err := json.Unmarshal(plaintext, &login); err != nil {
		return RegistryLogin{}, fmt.Errorf("decode registry login: %w", err)
	}
	return login, nil
}
