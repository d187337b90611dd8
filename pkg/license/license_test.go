package license

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/sealing"
)

var (
	testSignerOnce sync.Once
	testSignerVal  *sealing.Signer
)

// testSigner generates the 4096-bit pair once; generation dominates the
// suite runtime otherwise.
func testSigner(t *testing.T) *sealing.Signer {
	t.Helper()
	testSignerOnce.Do(func() {
		key, err := sealing.GenerateKeyPair()
		if err != nil {
			t.Fatalf("key generation failed: %v", err)
		}
		testSignerVal = sealing.NewSigner(key)
	})
	return testSignerVal
}

func testMinter(t *testing.T) *Minter {
	t.Helper()
	m := NewMinter(testSigner(t), "registry.example.com", "warden-pull")
	m.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	return m
}

func proRequest() MintRequest {
	return MintRequest{
		CustomerID:    "CUST-001",
		CustomerName:  "Acme Corp",
		ProductKey:    "ACME-2025-ABCDEFGH-JKL",
		Tier:          TierPro,
		Fingerprint:   "f0e1d2c3b4a5968778695a4b3c2d1e0f",
		Hostname:      "edge-01",
		MachineNumber: 1,
	}
}

func TestMint_Shape(t *testing.T) {
	cert, err := testMinter(t).Mint(proRequest())
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^CERT-[0-9A-F]{16}$`), cert.CertificateID)
	assert.Regexp(t, regexp.MustCompile(`^MACHINE-[0-9A-F]{12}$`), cert.Machine.MachineID)
	assert.Equal(t, "3.0", cert.CertificateVersion)
	assert.Equal(t, "machine_license", cert.CertificateType)
	assert.Equal(t, "SHA3-512", cert.Machine.FingerprintAlgorithm)

	assert.Equal(t, "2025-06-01T12:00:00Z", cert.Validity.IssuedAt)
	assert.Equal(t, "2026-06-01T12:00:00Z", cert.Validity.ValidUntil)
	assert.Equal(t, 7, cert.Validity.GracePeriodDays)
	assert.Equal(t, "UTC", cert.Validity.Timezone)

	assert.Equal(t, 10, cert.Limits.MaxMachines)
	assert.Equal(t, 1, cert.Limits.CurrentMachineNumber)
	assert.Equal(t, 20, cert.Limits.ConcurrentSessions)
	assert.Equal(t, 5000, cert.Limits.APIRateLimitPerHour)

	assert.Equal(t, []string{"analytics", "backend", "frontend"}, GrantedServices(cert))
	assert.Equal(t, []string{"read", "view", "export"}, cert.Services["analytics"].Permissions)

	// Docker block: granted services plus required-but-disabled ones only.
	assert.Contains(t, cert.Docker.Services, "frontend")
	assert.Contains(t, cert.Docker.Services, "analytics")
	assert.NotContains(t, cert.Docker.Services, "monitoring")
	assert.Equal(t, "registry.example.com", cert.Docker.RegistryURL)
	assert.Equal(t, "pro", cert.Docker.Services["backend"].Tag)
	assert.Equal(t, "registry.example.com/backend-api:pro",
		cert.Docker.Services["backend"].Reference(cert.Docker.RegistryURL))

	assert.True(t, cert.Features["api_access"])
	assert.True(t, cert.Features["audit_logging"])
	assert.False(t, cert.Features["high_availability"])

	assert.Nil(t, cert.UpgradeChain.ParentCertificateID)
	assert.False(t, cert.UpgradeChain.IsUpgrade)
	assert.True(t, cert.UpgradeChain.CanUpgrade)
	assert.NotNil(t, cert.Metadata)

	require.NotNil(t, cert.Security)
	assert.Equal(t, "AES-256-GCM", cert.Security.EncryptionAlgorithm)
	assert.Equal(t, "RSA-4096-SHA512", cert.Security.SignatureAlgorithm)
	assert.Equal(t, "HMAC-SHA512", cert.Security.IntegrityAlgorithm)
	assert.Equal(t, sealing.FingerprintHash(cert.Machine.MachineFingerprint), cert.Security.FingerprintHash)
	assert.Len(t, cert.Security.HMACKey, 88) // 64 bytes base64
	assert.Len(t, cert.Security.HMAC, 128)   // SHA-512 hex
	assert.NotEmpty(t, cert.Signature)
	assert.Equal(t, "2025-06-01T12:00:00Z", cert.SignatureTimestamp)
}

func TestMint_TrialKeepsRequiredServicesVisible(t *testing.T) {
	req := proRequest()
	req.Tier = TierTrial
	cert, err := testMinter(t).Mint(req)
	require.NoError(t, err)

	assert.Equal(t, []string{"frontend"}, GrantedServices(cert))
	assert.Equal(t, 1, cert.Limits.MaxMachines)
	assert.Equal(t, "2025-06-15T12:00:00Z", cert.Validity.ValidUntil, "trial runs 14 days")

	// The backend image is required for deployment even when the tier does
	// not grant it, so it appears in the docker block disabled.
	backend, ok := cert.Docker.Services["backend"]
	require.True(t, ok)
	assert.False(t, backend.Enabled)
	assert.True(t, backend.Required)
	assert.False(t, cert.Features["api_access"])
}

func TestMint_EnterpriseUnlimited(t *testing.T) {
	req := proRequest()
	req.Tier = TierEnterprise
	cert, err := testMinter(t).Mint(req)
	require.NoError(t, err)

	assert.Equal(t, Unlimited, cert.Limits.ConcurrentSessions)
	assert.Equal(t, Unlimited, cert.Limits.APIRateLimitPerHour)
	assert.False(t, cert.UpgradeChain.CanUpgrade, "enterprise has nowhere to go")
	assert.Contains(t, cert.Docker.Services, "monitoring")
}

func TestMint_Overrides(t *testing.T) {
	req := proRequest()
	req.Tier = TierCustom
	req.MaxMachines = 25
	req.ConcurrentSessions = Unlimited
	req.ValidUntil = time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
	req.Services = []string{"frontend", "backend", "monitoring"}
	req.ImageTags = map[string]string{"monitoring": "v2.1"}
	req.ParentCertificateID = "CERT-00000000000000AA"
	req.UpgradeCount = 2

	cert, err := testMinter(t).Mint(req)
	require.NoError(t, err)

	assert.Equal(t, 25, cert.Limits.MaxMachines)
	assert.Equal(t, Unlimited, cert.Limits.ConcurrentSessions)
	assert.Equal(t, "2027-03-01T00:00:00Z", cert.Validity.ValidUntil)
	assert.Equal(t, []string{"backend", "frontend", "monitoring"}, GrantedServices(cert))
	assert.Equal(t, "v2.1", cert.Docker.Services["monitoring"].Tag)
	require.NotNil(t, cert.UpgradeChain.ParentCertificateID)
	assert.Equal(t, "CERT-00000000000000AA", *cert.UpgradeChain.ParentCertificateID)
	assert.Equal(t, 2, cert.UpgradeChain.UpgradeCount)
	assert.True(t, cert.UpgradeChain.IsUpgrade)
}

func TestMint_Rejections(t *testing.T) {
	m := testMinter(t)

	req := proRequest()
	req.Tier = "platinum"
	_, err := m.Mint(req)
	assert.ErrorContains(t, err, "unknown tier")

	req = proRequest()
	req.Fingerprint = ""
	_, err = m.Mint(req)
	assert.ErrorContains(t, err, "fingerprint")

	req = proRequest()
	req.Services = []string{"frontend", "telemetry"}
	_, err = m.Mint(req)
	assert.ErrorContains(t, err, `unknown service "telemetry"`)
}

func TestMintedCertificateVerifies(t *testing.T) {
	cert, err := testMinter(t).Mint(proRequest())
	require.NoError(t, err)

	raw, err := json.Marshal(cert)
	require.NoError(t, err)

	reason, err := VerifyAuthenticity(testSigner(t).PublicKey(), raw)
	require.NoError(t, err)
	assert.Equal(t, ReasonOK, reason)

	assert.Contains(t, string(raw), `"parent_certificate_id":null`,
		"first activation serializes an explicit null parent")
}

func TestVerifyAuthenticity_TamperedFieldBreaksSignatureFirst(t *testing.T) {
	cert, err := testMinter(t).Mint(proRequest())
	require.NoError(t, err)
	raw, err := json.Marshal(cert)
	require.NoError(t, err)

	tampered := strings.Replace(string(raw), `"tier":"pro"`, `"tier":"enterprise"`, 1)
	require.NotEqual(t, string(raw), tampered)

	reason, err := VerifyAuthenticity(testSigner(t).PublicKey(), []byte(tampered))
	assert.Equal(t, ReasonInvalidSignature, reason)
	assert.Error(t, err)
}

func TestVerifyAuthenticity_HMACCheckedAfterSignature(t *testing.T) {
	// A document with a fresh valid signature but a stale HMAC must fall
	// through the signature check and fail on the integrity layer.
	cert, err := testMinter(t).Mint(proRequest())
	require.NoError(t, err)

	cert.Security.HMAC = strings.Repeat("ab", 64)
	signing, err := cert.SigningBytes()
	require.NoError(t, err)
	sig, err := testSigner(t).Sign(signing)
	require.NoError(t, err)
	cert.Signature = sig

	raw, err := json.Marshal(cert)
	require.NoError(t, err)

	reason, err := VerifyAuthenticity(testSigner(t).PublicKey(), raw)
	assert.Equal(t, ReasonHMACMismatch, reason)
	assert.Error(t, err)
}

func TestVerifyAuthenticity_MissingSignature(t *testing.T) {
	cert, err := testMinter(t).Mint(proRequest())
	require.NoError(t, err)
	cert.Signature = ""
	cert.SignatureTimestamp = ""

	raw, err := json.Marshal(cert)
	require.NoError(t, err)

	reason, _ := VerifyAuthenticity(testSigner(t).PublicKey(), raw)
	assert.Equal(t, ReasonInvalidSignature, reason)
}

func TestVerifyAuthenticity_UnknownFieldsAreCovered(t *testing.T) {
	// Fields this build does not know about still sit under the signature,
	// so injecting one invalidates it.
	cert, err := testMinter(t).Mint(proRequest())
	require.NoError(t, err)
	raw, err := json.Marshal(cert)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["vendor_extension"] = map[string]interface{}{"seats": 9999}
	injected, err := json.Marshal(doc)
	require.NoError(t, err)

	reason, _ := VerifyAuthenticity(testSigner(t).PublicKey(), injected)
	assert.Equal(t, ReasonInvalidSignature, reason)
}

func TestVerifyAuthenticity_Garbage(t *testing.T) {
	reason, err := VerifyAuthenticity(testSigner(t).PublicKey(), []byte("{not json"))
	assert.Equal(t, ReasonCertificateCorrupt, reason)
	assert.Error(t, err)
}

func TestPreimageBoundaries(t *testing.T) {
	cert, err := testMinter(t).Mint(proRequest())
	require.NoError(t, err)

	integrity, err := cert.IntegrityBytes()
	require.NoError(t, err)
	assert.NotContains(t, string(integrity), `"security"`)
	assert.NotContains(t, string(integrity), `"signature"`)

	signing, err := cert.SigningBytes()
	require.NoError(t, err)
	assert.Contains(t, string(signing), `"hmac"`)
	assert.Contains(t, string(signing), `"fingerprint_hash"`)
	assert.NotContains(t, string(signing), `"signature"`)
	assert.NotContains(t, string(signing), `"signature_timestamp"`)
}

func TestExpiryStatus(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mk := func(validUntil string) *Certificate {
		return &Certificate{Validity: ValidityBlock{
			ValidUntil:      validUntil,
			GracePeriodDays: 7,
		}}
	}

	tests := []struct {
		name       string
		validUntil string
		want       Reason
	}{
		{"well inside window", "2026-01-01T00:00:00Z", ReasonOK},
		{"expires this second", "2025-06-01T12:00:00Z", ReasonOK},
		{"one hour past expiry", "2025-06-01T11:00:00Z", ReasonGracePeriod},
		{"last day of grace", "2025-05-25T13:00:00Z", ReasonGracePeriod},
		{"grace exhausted", "2025-05-25T11:00:00Z", ReasonExpired},
		{"long gone", "2024-01-01T00:00:00Z", ReasonExpired},
		{"no expiry", "", ReasonNoExpiryDate},
		{"unparseable", "not-a-time", ReasonNoExpiryDate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := mk(tt.validUntil).ExpiryStatus(now)
			assert.Equal(t, tt.want, got)
		})
	}

	_, days := mk("2025-06-11T12:00:00Z").ExpiryStatus(now)
	assert.Equal(t, 10, days)
}

func TestReasonValid(t *testing.T) {
	assert.True(t, ReasonOK.Valid())
	assert.True(t, ReasonGracePeriod.Valid())
	assert.True(t, ReasonServerCheckSkipped.Valid())
	assert.False(t, ReasonExpired.Valid())
	assert.False(t, ReasonFingerprintMismatch.Valid())
	assert.NotEmpty(t, ReasonExpired.Message())
	assert.NotEmpty(t, Reason("something_new").Message())
}

func TestTierCatalog(t *testing.T) {
	tests := []struct {
		tier        Tier
		maxMachines int
		validDays   int
		sessions    int
		services    int
	}{
		{TierTrial, 1, 14, 1, 1},
		{TierBasic, 3, 365, 5, 2},
		{TierPro, 10, 365, 20, 3},
		{TierEnterprise, 100, 365, Unlimited, 4},
		{TierCustom, 3, 365, 5, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			def := GetTier(tt.tier)
			require.NotNil(t, def)
			assert.Equal(t, tt.maxMachines, def.Limits.MaxMachines)
			assert.Equal(t, tt.validDays, def.Limits.ValidDays)
			assert.Equal(t, tt.sessions, def.Limits.ConcurrentSessions)
			assert.Len(t, def.Services, tt.services)
		})
	}

	assert.Nil(t, GetTier("platinum"))
	assert.True(t, GetTier(TierPro).HasService("analytics"))
	assert.False(t, GetTier(TierBasic).HasService("analytics"))
	assert.True(t, IsUnlimited(Unlimited))
	assert.False(t, IsUnlimited(100))
	assert.Equal(t, []Tier{TierBasic, TierCustom, TierEnterprise, TierPro, TierTrial}, TierIDs())
}

func TestCheckShape(t *testing.T) {
	cert, err := testMinter(t).Mint(proRequest())
	require.NoError(t, err)
	raw, err := json.Marshal(cert)
	require.NoError(t, err)

	assert.NoError(t, CheckShape(raw))

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	delete(doc, "signature")
	unsigned, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Error(t, CheckShape(unsigned))

	assert.Error(t, CheckShape([]byte(`{"certificate_id":"nope"}`)))
	assert.Error(t, CheckShape([]byte("not json")))
}
