// Package license defines the machine-bound license certificate, the tier
// catalog, and the mint/verify operations that produce and check signed
// certificates.
//
// A certificate is a JSON document whose canonical form (sorted keys, no
// insignificant whitespace) is the preimage for both the RSA-PSS signature
// and the HMAC integrity value. Two views of the document exist: the
// signature covers everything except the signature fields themselves, while
// the HMAC covers everything except the whole security block. Verification
// therefore checks the signature first and the HMAC second.
package license

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wardenhq/warden/pkg/canonical"
)

// Field values fixed for the current certificate generation.
const (
	CertificateVersion = "3.0"
	CertificateType    = "machine_license"

	FingerprintAlgorithm = "SHA3-512"
	EncryptionAlgorithm  = "AES-256-GCM"
	SignatureAlgorithm   = "RSA-4096-SHA512"
	IntegrityAlgorithm   = "HMAC-SHA512"
	BindingMethod        = "machine_fingerprint"
)

// GracePeriodDays is how long past expiry services keep running while the
// user is warned.
const GracePeriodDays = 7

// Certificate is the license document issued to one machine. JSON field
// names are part of the wire contract; the canonical form of this document
// is the signing preimage, so renaming a field invalidates every issued
// certificate.
type Certificate struct {
	CertificateID      string                  `json:"certificate_id"`
	CertificateVersion string                  `json:"certificate_version"`
	CertificateType    string                  `json:"certificate_type"`
	Tier               Tier                    `json:"tier"`
	Customer           CustomerBlock           `json:"customer"`
	Machine            MachineBlock            `json:"machine"`
	Validity           ValidityBlock           `json:"validity"`
	Limits             LimitsBlock             `json:"limits"`
	Services           map[string]ServiceGrant `json:"services"`
	Docker             DockerBlock             `json:"docker"`
	Features           map[string]bool         `json:"features"`
	UpgradeChain       UpgradeChain            `json:"upgrade_chain"`
	Metadata           map[string]string       `json:"metadata"`
	Security           *SecurityBlock          `json:"security,omitempty"`
	Signature          string                  `json:"signature,omitempty"`
	SignatureTimestamp string                  `json:"signature_timestamp,omitempty"`
}

// CustomerBlock identifies the license holder.
type CustomerBlock struct {
	CustomerID   string `json:"customer_id"`
	CustomerName string `json:"customer_name"`
	ProductKey   string `json:"product_key"`
}

// MachineBlock binds the certificate to one machine.
type MachineBlock struct {
	MachineID            string `json:"machine_id"`
	MachineFingerprint   string `json:"machine_fingerprint"`
	Hostname             string `json:"hostname"`
	FingerprintAlgorithm string `json:"fingerprint_algorithm"`
}

// ValidityBlock carries the license window. Timestamps are RFC 3339 in UTC
// and stored as strings so the signed bytes never drift with formatting.
type ValidityBlock struct {
	IssuedAt        string `json:"issued_at"`
	ValidUntil      string `json:"valid_until"`
	GracePeriodDays int    `json:"grace_period_days"`
	Timezone        string `json:"timezone"`
}

// IssuedAtTime parses the issued_at timestamp.
func (v ValidityBlock) IssuedAtTime() (time.Time, error) {
	return time.Parse(time.RFC3339, v.IssuedAt)
}

// ValidUntilTime parses the valid_until timestamp.
func (v ValidityBlock) ValidUntilTime() (time.Time, error) {
	return time.Parse(time.RFC3339, v.ValidUntil)
}

// LimitsBlock carries the tier quotas frozen into the certificate.
// A value of -1 means unlimited.
type LimitsBlock struct {
	MaxMachines          int `json:"max_machines"`
	CurrentMachineNumber int `json:"current_machine_number"`
	ConcurrentSessions   int `json:"concurrent_sessions"`
	APIRateLimitPerHour  int `json:"api_rate_limit_per_hour"`
}

// ServiceGrant is one entry of the services map.
type ServiceGrant struct {
	Enabled     bool     `json:"enabled"`
	Permissions []string `json:"permissions"`
}

// DockerBlock carries the registry coordinates and per-service image pins
// used to generate the deployment compose file.
type DockerBlock struct {
	RegistryURL string                   `json:"registry_url"`
	Username    string                   `json:"username"`
	Services    map[string]DockerService `json:"services"`
}

// DockerService pins one container image for a licensed service.
type DockerService struct {
	Enabled       bool   `json:"enabled"`
	Image         string `json:"image"`
	Tag           string `json:"tag"`
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	Required      bool   `json:"required"`
}

// Reference returns the full image reference for the service within the
// given registry, e.g. registry.example.com/backend-api:pro.
func (d DockerService) Reference(registryURL string) string {
	return fmt.Sprintf("%s/%s:%s", registryURL, d.Image, d.Tag)
}

// UpgradeChain records the certificate's ancestry. ParentCertificateID is
// null on first activation, never omitted.
type UpgradeChain struct {
	ParentCertificateID *string `json:"parent_certificate_id"`
	UpgradeCount        int     `json:"upgrade_count"`
	IsUpgrade           bool    `json:"is_upgrade"`
	CanUpgrade          bool    `json:"can_upgrade"`
}

// SecurityBlock names the cryptographic parameters and carries the HMAC
// and its key. The HMAC is a tamper checksum, not an authentication
// secret: the key ships in-band and anti-forgery rests on the signature.
type SecurityBlock struct {
	EncryptionAlgorithm string `json:"encryption_algorithm"`
	SignatureAlgorithm  string `json:"signature_algorithm"`
	IntegrityAlgorithm  string `json:"integrity_algorithm"`
	BindingMethod       string `json:"binding_method"`
	FingerprintHash     string `json:"fingerprint_hash"`
	HMAC                string `json:"hmac,omitempty"`
	HMACKey             string `json:"hmac_key,omitempty"`
}

// SigningBytes returns the canonical preimage for the RSA-PSS signature:
// the full document including the security block, with the signature and
// signature_timestamp fields absent.
func (c *Certificate) SigningBytes() ([]byte, error) {
	doc := *c
	doc.Signature = ""
	doc.SignatureTimestamp = ""
	return canonical.Marshal(&doc)
}

// IntegrityBytes returns the canonical preimage for the HMAC: the document
// with the entire security block absent, along with the signature fields.
func (c *Certificate) IntegrityBytes() ([]byte, error) {
	doc := *c
	doc.Security = nil
	doc.Signature = ""
	doc.SignatureTimestamp = ""
	return canonical.Marshal(&doc)
}

// Parse decodes a certificate document. It reports malformed JSON but does
// not check signatures; callers that need authenticity use VerifyAuthenticity
// on the raw bytes.
func Parse(raw []byte) (*Certificate, error) {
	var cert Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &cert, nil
}

// ServiceEnabled reports whether the named service is granted and enabled.
func (c *Certificate) ServiceEnabled(name string) bool {
	grant, ok := c.Services[name]
	return ok && grant.Enabled
}

// ExpiryStatus classifies the certificate's position in its validity
// window at the given instant. It returns ReasonOK, ReasonGracePeriod,
// ReasonExpired, or ReasonNoExpiryDate, plus the days remaining until
// expiry (negative once past it, zero when no date is set).
func (c *Certificate) ExpiryStatus(now time.Time) (Reason, int) {
	if c.Validity.ValidUntil == "" {
		return ReasonNoExpiryDate, 0
	}
	until, err := c.Validity.ValidUntilTime()
	if err != nil {
		return ReasonNoExpiryDate, 0
	}
	left := until.Sub(now)
	days := int(left.Hours() / 24)
	if left >= 0 {
		return ReasonOK, days
	}
	grace := time.Duration(c.Validity.GracePeriodDays) * 24 * time.Hour
	if now.Before(until.Add(grace)) {
		return ReasonGracePeriod, days
	}
	return ReasonExpired, days
}
