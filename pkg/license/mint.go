package license

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/sealing"
)

// NewCertificateID returns a fresh certificate identifier,
// CERT- followed by 16 uppercase hex characters.
func NewCertificateID() string {
	return "CERT-" + randomHex(16)
}

// NewMachineID returns a fresh machine identifier,
// MACHINE- followed by 12 uppercase hex characters.
func NewMachineID() string {
	return "MACHINE-" + randomHex(12)
}

func randomHex(n int) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(hex[:n])
}

// Minter issues signed certificates. It holds the authority's signing key
// and the registry coordinates baked into every docker block.
type Minter struct {
	signer           *sealing.Signer
	registryURL      string
	registryUsername string
	now              func() time.Time
}

// NewMinter returns a Minter signing with the given key.
func NewMinter(signer *sealing.Signer, registryURL, registryUsername string) *Minter {
	return &Minter{
		signer:           signer,
		registryURL:      registryURL,
		registryUsername: registryUsername,
		now:              time.Now,
	}
}

// MintRequest carries everything a certificate is built from. Zero-valued
// quota fields fall back to the tier defaults; ValidUntil overrides the
// ValidDays window when set (upgrades extend from the previous expiry, not
// from the clock).
type MintRequest struct {
	CustomerID   string
	CustomerName string
	ProductKey   string
	Tier         Tier

	Fingerprint string
	Hostname    string
	MachineID   string // generated when empty

	MaxMachines         int
	MachineNumber       int
	ConcurrentSessions  int
	APIRateLimitPerHour int

	ValidDays  int
	ValidUntil time.Time

	Services  []string          // granted service names; nil = tier defaults
	ImageTags map[string]string // per-service tag overrides; default = tier id

	ParentCertificateID string
	UpgradeCount        int

	Metadata map[string]string
}

// Mint builds, binds, and signs a certificate. The returned document
// carries both cryptographic layers: the HMAC over the document without
// its security block, then the RSA-PSS signature over everything except
// the signature fields.
func (m *Minter) Mint(req MintRequest) (*Certificate, error) {
	def := GetTier(req.Tier)
	if def == nil {
		return nil, fmt.Errorf("mint: unknown tier %q", req.Tier)
	}
	if req.CustomerID == "" || req.ProductKey == "" {
		return nil, fmt.Errorf("mint: customer_id and product_key are required")
	}
	if req.Fingerprint == "" {
		return nil, fmt.Errorf("mint: machine fingerprint is required")
	}

	granted := req.Services
	if granted == nil {
		granted = def.Services
	}
	services := make(map[string]ServiceGrant, len(granted))
	for _, name := range granted {
		svc, ok := ServiceCatalog[name]
		if !ok {
			return nil, fmt.Errorf("mint: unknown service %q", name)
		}
		services[name] = ServiceGrant{
			Enabled:     true,
			Permissions: append([]string(nil), svc.Permissions...),
		}
	}

	docker := DockerBlock{
		RegistryURL: m.registryURL,
		Username:    m.registryUsername,
		Services:    make(map[string]DockerService),
	}
	for _, name := range ServiceNames() {
		svc := ServiceCatalog[name]
		_, enabled := services[name]
		if !svc.Required && !enabled {
			continue
		}
		tag := req.ImageTags[name]
		if tag == "" {
			tag = string(req.Tier)
		}
		docker.Services[name] = DockerService{
			Enabled:       enabled,
			Image:         svc.Image,
			Tag:           tag,
			ContainerPort: svc.ContainerPort,
			HostPort:      svc.HostPort,
			Required:      svc.Required,
		}
	}

	limits := LimitsBlock{
		MaxMachines:          def.Limits.MaxMachines,
		CurrentMachineNumber: req.MachineNumber,
		ConcurrentSessions:   def.Limits.ConcurrentSessions,
		APIRateLimitPerHour:  def.Limits.APIRateLimitPerHour,
	}
	if req.MaxMachines != 0 {
		limits.MaxMachines = req.MaxMachines
	}
	if req.ConcurrentSessions != 0 {
		limits.ConcurrentSessions = req.ConcurrentSessions
	}
	if req.APIRateLimitPerHour != 0 {
		limits.APIRateLimitPerHour = req.APIRateLimitPerHour
	}

	issuedAt := m.now().UTC().Truncate(time.Second)
	validUntil := req.ValidUntil
	if validUntil.IsZero() {
		days := req.ValidDays
		if days == 0 {
			days = def.Limits.ValidDays
		}
		validUntil = issuedAt.AddDate(0, 0, days)
	}

	machineID := req.MachineID
	if machineID == "" {
		machineID = NewMachineID()
	}

	var parent *string
	if req.ParentCertificateID != "" {
		parent = &req.ParentCertificateID
	}

	metadata := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	cert := &Certificate{
		CertificateID:      NewCertificateID(),
		CertificateVersion: CertificateVersion,
		CertificateType:    CertificateType,
		Tier:               req.Tier,
		Customer: CustomerBlock{
			CustomerID:   req.CustomerID,
			CustomerName: req.CustomerName,
			ProductKey:   req.ProductKey,
		},
		Machine: MachineBlock{
			MachineID:            machineID,
			MachineFingerprint:   req.Fingerprint,
			Hostname:             req.Hostname,
			FingerprintAlgorithm: FingerprintAlgorithm,
		},
		Validity: ValidityBlock{
			IssuedAt:        issuedAt.Format(time.RFC3339),
			ValidUntil:      validUntil.UTC().Truncate(time.Second).Format(time.RFC3339),
			GracePeriodDays: GracePeriodDays,
			Timezone:        "UTC",
		},
		Limits:   limits,
		Services: services,
		Docker:   docker,
		Features: def.Features(),
		UpgradeChain: UpgradeChain{
			ParentCertificateID: parent,
			UpgradeCount:        req.UpgradeCount,
			IsUpgrade:           parent != nil,
			CanUpgrade:          req.Tier != TierEnterprise,
		},
		Metadata: metadata,
	}

	if err := m.seal(cert); err != nil {
		return nil, err
	}
	return cert, nil
}

// seal attaches the security block, HMAC, and signature in that order.
// The HMAC preimage must not include the security block, so it is computed
// before the block is attached; the signature preimage includes the full
// security block.
func (m *Minter) seal(cert *Certificate) error {
	integrity, err := cert.IntegrityBytes()
	if err != nil {
		return fmt.Errorf("mint: canonicalize for hmac: %w", err)
	}
	hmacKey, err := sealing.NewHMACKey()
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	cert.Security = &SecurityBlock{
		EncryptionAlgorithm: EncryptionAlgorithm,
		SignatureAlgorithm:  SignatureAlgorithm,
		IntegrityAlgorithm:  IntegrityAlgorithm,
		BindingMethod:       BindingMethod,
		FingerprintHash:     sealing.FingerprintHash(cert.Machine.MachineFingerprint),
		HMAC:                sealing.ComputeHMAC(hmacKey, integrity),
		HMACKey:             base64.StdEncoding.EncodeToString(hmacKey),
	}

	signing, err := cert.SigningBytes()
	if err != nil {
		return fmt.Errorf("mint: canonicalize for signature: %w", err)
	}
	sig, err := m.signer.Sign(signing)
	if err != nil {
		return fmt.Errorf("mint: sign certificate: %w", err)
	}
	cert.Signature = sig
	cert.SignatureTimestamp = m.now().UTC().Truncate(time.Second).Format(time.RFC3339)
	return nil
}

// GrantedServices returns the enabled service names of a certificate in
// stable order.
func GrantedServices(cert *Certificate) []string {
	names := make([]string, 0, len(cert.Services))
	for name, grant := range cert.Services {
		if grant.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
