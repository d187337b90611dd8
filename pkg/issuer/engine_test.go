package issuer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/archive"
	"github.com/wardenhq/warden/pkg/bundle"
	"github.com/wardenhq/warden/pkg/canonical"
	"github.com/wardenhq/warden/pkg/license"
	"github.com/wardenhq/warden/pkg/limiter"
	"github.com/wardenhq/warden/pkg/sealing"
	"github.com/wardenhq/warden/pkg/store"
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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st, err := store.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	arc, err := archive.NewFileArchive(filepath.Join(t.TempDir(), "certs"))
	require.NoError(t, err)

	return New(Options{
		Store:  st,
		Signer: testSigner(t),
		Registry: bundle.RegistryLogin{
			Registry: "registry.example.com",
			Username: "warden-pull",
			Token:    "dckr_pat_test",
		},
		Archive: arc,
		Logger:  discardLogger(),
	})
}

func newCustomer(t *testing.T, e *Engine, tier license.Tier) *store.Customer {
	t.Helper()
	c, err := e.CreateCustomer(context.Background(), CreateCustomerParams{
		CompanyName: "Acme Corp",
		Tier:        tier,
	})
	require.NoError(t, err)
	return c
}

func activateParams(key, fp string) ActivateParams {
	return ActivateParams{
		ProductKey:  key,
		Fingerprint: fp,
		Hostname:    "edge-01",
		OSInfo:      "Linux 6.8 x86_64",
		AppVersion:  "2.3.1",
		IP:          "203.0.113.7",
	}
}

const fpA = "aa11bb22cc33dd44ee55ff6600112233445566778899aabbccddeeff00112233"
const fpB = "bb22cc33dd44ee55ff6600112233445566778899aabbccddeeff0011223344aa"

func TestCreateCustomer(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	c, err := e.CreateCustomer(ctx, CreateCustomerParams{CompanyName: "Acme Corp", Tier: license.TierBasic})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Regexp(t, regexp.MustCompile(`^[A-Z2-9]{4}-\d{4}-[A-Z2-9]{8}-[A-Z2-9]{3}$`), c.ProductKey)
	assert.True(t, license.CheckProductKey(c.ProductKey))
	assert.Equal(t, 3, c.MachineLimit, "basic tier default")
	assert.Equal(t, 365, c.ValidDays)

	custom, err := e.CreateCustomer(ctx, CreateCustomerParams{
		CompanyName:  "Contract Co",
		Tier:         license.TierCustom,
		MachineLimit: 7,
		ValidDays:    90,
		Services:     []string{"frontend", "backend", "monitoring"},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, custom.MachineLimit)
	assert.Equal(t, 90, custom.ValidDays)
	assert.Equal(t, []string{"frontend", "backend", "monitoring"}, custom.AllowedServices)
}

func TestCreateCustomerRejectsUnknowns(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateCustomer(ctx, CreateCustomerParams{CompanyName: "X", Tier: "platinum"})
	assert.ErrorIs(t, err, ErrUnknownTier)

	_, err = e.CreateCustomer(ctx, CreateCustomerParams{
		CompanyName: "X", Tier: license.TierBasic, Services: []string{"database"},
	})
	assert.ErrorIs(t, err, ErrUnknownService)

	_, err = e.CreateCustomer(ctx, CreateCustomerParams{Tier: license.TierBasic})
	assert.Error(t, err, "company name required")
}

func TestActivateHappyPath(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic)

	act, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)
	assert.Equal(t, license.ReasonOK, act.Reason)
	assert.False(t, act.AlreadyActivated)
	assert.Equal(t, "Acme Corp", act.CustomerName)
	assert.Equal(t, license.TierBasic, act.Tier)
	assert.Equal(t, []string{"backend", "frontend"}, act.ServicesEnabled)
	assert.Regexp(t, regexp.MustCompile(`^CERT-[0-9A-F]{16}$`), act.CertificateID)
	assert.Equal(t, 1, act.CurrentMachines)
	assert.Equal(t, 3, act.MaxMachines)
	require.NotNil(t, act.Bundle)

	// The bundled certificate is authentic and fingerprint-bound.
	reason, err := license.VerifyAuthenticity(testSigner(t).PublicKey(), act.Bundle.Certificate)
	require.NoError(t, err)
	assert.Equal(t, license.ReasonOK, reason)

	cert, err := license.Parse(act.Bundle.Certificate)
	require.NoError(t, err)
	assert.Equal(t, fpA, cert.Machine.MachineFingerprint)
	assert.Equal(t, 1, cert.Limits.CurrentMachineNumber)
	assert.Nil(t, cert.UpgradeChain.ParentCertificateID)
	assert.Equal(t, "Linux 6.8 x86_64", cert.Metadata["os_info"])
	assert.Equal(t, "203.0.113.7", cert.Metadata["activated_from_ip"])

	// Credentials open only on this machine.
	login, err := act.Bundle.DockerCredentials.Open(fpA)
	require.NoError(t, err)
	assert.Equal(t, "warden-pull", login.Username)
	assert.Equal(t, "dckr_pat_test", login.Token)
	_, err = act.Bundle.DockerCredentials.Open(fpB)
	assert.Error(t, err)

	// Compose and public key round out the bundle.
	assert.Contains(t, act.Bundle.ComposeFile, "registry.example.com/backend-api:basic")
	_, err = sealing.ParsePublicKeyPEM([]byte(act.Bundle.PublicKey))
	require.NoError(t, err)

	// The machine row holds the exact issued bytes.
	m, err := e.store.GetMachineByFingerprint(ctx, fpA)
	require.NoError(t, err)
	assert.Equal(t, string(act.Bundle.Certificate), m.Certificate)
	assert.Equal(t, store.StatusActive, m.Status)

	// And the archive has them under their canonical key.
	ok, err := e.archive.Exists(ctx, archive.Key(act.Bundle.Certificate))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestActivateUnknownKey(t *testing.T) {
	e := newTestEngine(t)

	act, err := e.Activate(context.Background(), activateParams("ZZZZ-2025-AAAAAAAA-AAA", fpA))
	require.NoError(t, err)
	assert.Equal(t, license.ReasonProductKeyNotFound, act.Reason)
	assert.Nil(t, act.Bundle)
}

func TestActivateIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic)

	first, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)
	second, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)

	assert.Equal(t, license.ReasonOK, second.Reason)
	assert.True(t, second.AlreadyActivated)
	assert.Equal(t, first.CertificateID, second.CertificateID, "same certificate, not a re-mint")
	require.NotNil(t, second.Bundle)
	assert.Equal(t, string(first.Bundle.Certificate), string(second.Bundle.Certificate))

	// No quota slot consumed.
	n, err := e.store.CountActiveMachines(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestActivateDifferentKeyRefused(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	first := newCustomer(t, e, license.TierBasic)
	second, err := e.CreateCustomer(ctx, CreateCustomerParams{CompanyName: "Rival GmbH", Tier: license.TierPro})
	require.NoError(t, err)

	_, err = e.Activate(ctx, activateParams(first.ProductKey, fpA))
	require.NoError(t, err)

	act, err := e.Activate(ctx, activateParams(second.ProductKey, fpA))
	require.NoError(t, err)
	assert.Equal(t, license.ReasonDifferentProductKey, act.Reason)
	assert.Nil(t, act.Bundle)
}

func TestActivateQuota(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierTrial) // limit 1

	first, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)
	require.Equal(t, license.ReasonOK, first.Reason)

	refused, err := e.Activate(ctx, activateParams(c.ProductKey, fpB))
	require.NoError(t, err)
	assert.Equal(t, license.ReasonMachineLimitExceeded, refused.Reason)
	assert.Equal(t, 1, refused.CurrentMachines)
	assert.Equal(t, 1, refused.MaxMachines)

	// Revoking the first machine frees the slot.
	require.NoError(t, e.RevokeMachine(ctx, first.MachineID))
	retry, err := e.Activate(ctx, activateParams(c.ProductKey, fpB))
	require.NoError(t, err)
	assert.Equal(t, license.ReasonOK, retry.Reason)
}

func TestActivateRevokedCustomer(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic)
	require.NoError(t, e.RevokeCustomer(ctx, c.ID))

	act, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)
	assert.Equal(t, license.ReasonCustomerRevoked, act.Reason)
}

func TestConcurrentActivationsRespectQuota(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic) // limit 3

	const attempts = 8
	results := make([]license.Reason, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp := fmt.Sprintf("%064d", i)
			act, err := e.Activate(ctx, activateParams(c.ProductKey, fp))
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = act.Reason
		}(i)
	}
	wg.Wait()

	granted, refused := 0, 0
	for i, r := range results {
		require.NoError(t, errs[i])
		switch r {
		case license.ReasonOK:
			granted++
		case license.ReasonMachineLimitExceeded:
			refused++
		default:
			t.Fatalf("unexpected reason %q", r)
		}
	}
	assert.Equal(t, 3, granted)
	assert.Equal(t, attempts-3, refused)

	n, err := e.store.CountActiveMachines(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestValidateHappyPathAndNarrowings(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierPro)

	act, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)

	v, err := e.Validate(ctx, ValidateParams{Certificate: act.Bundle.Certificate, Fingerprint: fpA})
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, license.ReasonOK, v.Reason)
	assert.Equal(t, license.TierPro, v.Tier)
	assert.NotEmpty(t, v.ExpiresAt)
	assert.Equal(t, []string{"analytics", "backend", "frontend"}, v.ServicesEnabled)

	// Granted service and pinned image pass.
	v, err = e.Validate(ctx, ValidateParams{
		Certificate: act.Bundle.Certificate, Fingerprint: fpA,
		Service: "analytics", DockerImage: "analytics-engine:pro",
	})
	require.NoError(t, err)
	assert.True(t, v.Valid)

	// Ungranted service is refused.
	v, err = e.Validate(ctx, ValidateParams{
		Certificate: act.Bundle.Certificate, Fingerprint: fpA, Service: "monitoring",
	})
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, license.ReasonServiceNotAllowed, v.Reason)

	// Wrong tag is refused.
	v, err = e.Validate(ctx, ValidateParams{
		Certificate: act.Bundle.Certificate, Fingerprint: fpA, DockerImage: "backend-api:latest",
	})
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, license.ReasonDockerImageNotAllowed, v.Reason)
}

func TestValidateTouchesLastSeen(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic)
	act, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)

	later := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	e.now = func() time.Time { return later }

	_, err = e.Validate(ctx, ValidateParams{Certificate: act.Bundle.Certificate, Fingerprint: fpA})
	require.NoError(t, err)

	m, err := e.store.GetMachineByFingerprint(ctx, fpA)
	require.NoError(t, err)
	assert.False(t, m.LastSeen.Before(later), "last_seen = %s, want >= %s", m.LastSeen, later)
}

func TestValidateDocumentFailures(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic)
	act, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)

	cases := []struct {
		name string
		p    ValidateParams
		want license.Reason
	}{
		{"empty", ValidateParams{Fingerprint: fpA}, license.ReasonNotActivated},
		{"not json", ValidateParams{Certificate: []byte("{corrupt"), Fingerprint: fpA}, license.ReasonCertificateCorrupt},
		{"wrong shape", ValidateParams{Certificate: []byte(`{"certificate_id":"nope"}`), Fingerprint: fpA}, license.ReasonCertificateCorrupt},
		{"foreign fingerprint", ValidateParams{Certificate: act.Bundle.Certificate, Fingerprint: fpB}, license.ReasonFingerprintMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := e.Validate(ctx, tc.p)
			require.NoError(t, err)
			assert.False(t, v.Valid)
			assert.Equal(t, tc.want, v.Reason)
		})
	}
}

func TestValidateTamperedCertificate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic)
	act, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)

	tampered := strings.Replace(string(act.Bundle.Certificate), `"tier":"basic"`, `"tier":"enterprise"`, 1)
	require.NotEqual(t, string(act.Bundle.Certificate), tampered, "replacement must hit")

	v, err := e.Validate(ctx, ValidateParams{Certificate: []byte(tampered), Fingerprint: fpA})
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, license.ReasonInvalidSignature, v.Reason)
}

func TestValidateUnknownMachine(t *testing.T) {
	e := newTestEngine(t)

	// An authentic certificate for a fingerprint the authority has no row
	// for (e.g. a reset database) is refused as not_activated.
	cert, err := e.minter.Mint(license.MintRequest{
		CustomerID:   "CUST-GONE",
		CustomerName: "Ghost Ltd",
		ProductKey:   "GHST-2025-ABCDEFGH-JKL",
		Tier:         license.TierBasic,
		Fingerprint:  fpB,
		Hostname:     "ghost-01",
	})
	require.NoError(t, err)
	raw, err := canonical.Marshal(cert)
	require.NoError(t, err)

	v, err := e.Validate(context.Background(), ValidateParams{Certificate: raw, Fingerprint: fpB})
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, license.ReasonNotActivated, v.Reason)
}

func TestValidateRevokedMachine(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic)
	act, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)

	require.NoError(t, e.RevokeMachine(ctx, act.MachineID))

	v, err := e.Validate(ctx, ValidateParams{Certificate: act.Bundle.Certificate, Fingerprint: fpA})
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, license.ReasonRevoked, v.Reason)

	hb, err := e.Heartbeat(ctx, HeartbeatParams{Fingerprint: fpA})
	require.NoError(t, err)
	assert.False(t, hb.Valid)
	assert.Equal(t, license.ReasonMachineRevoked, hb.Reason)
}

func TestValidateExpiryWindow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c, err := e.CreateCustomer(ctx, CreateCustomerParams{
		CompanyName: "Shortlived Inc", Tier: license.TierBasic, ValidDays: 1,
	})
	require.NoError(t, err)
	act, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)

	cert, err := license.Parse(act.Bundle.Certificate)
	require.NoError(t, err)
	until, err := cert.Validity.ValidUntilTime()
	require.NoError(t, err)
	graceEnd := until.Add(time.Duration(cert.Validity.GracePeriodDays) * 24 * time.Hour)

	cases := []struct {
		name      string
		at        time.Time
		wantValid bool
		want      license.Reason
	}{
		{"at expiry instant", until, true, license.ReasonOK},
		{"one second past", until.Add(time.Second), true, license.ReasonGracePeriod},
		{"last grace second", graceEnd.Add(-time.Second), true, license.ReasonGracePeriod},
		{"grace boundary", graceEnd, false, license.ReasonExpired},
		{"long gone", graceEnd.AddDate(0, 0, 30), false, license.ReasonExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e.now = func() time.Time { return tc.at }
			v, err := e.Validate(ctx, ValidateParams{Certificate: act.Bundle.Certificate, Fingerprint: fpA})
			require.NoError(t, err)
			assert.Equal(t, tc.wantValid, v.Valid)
			assert.Equal(t, tc.want, v.Reason)
		})
	}

	// Service narrowing still applies during grace.
	e.now = func() time.Time { return until.Add(time.Hour) }
	v, err := e.Validate(ctx, ValidateParams{
		Certificate: act.Bundle.Certificate, Fingerprint: fpA, Service: "monitoring",
	})
	require.NoError(t, err)
	assert.Equal(t, license.ReasonServiceNotAllowed, v.Reason)
}

func TestHeartbeat(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierPro)
	_, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)

	hb, err := e.Heartbeat(ctx, HeartbeatParams{Fingerprint: fpA, ServiceName: "backend"})
	require.NoError(t, err)
	assert.True(t, hb.Valid)
	assert.Equal(t, license.ReasonOK, hb.Reason)
	assert.Equal(t, "Acme Corp", hb.CustomerName)
	assert.Equal(t, license.TierPro, hb.Tier)

	unknown, err := e.Heartbeat(ctx, HeartbeatParams{Fingerprint: fpB})
	require.NoError(t, err)
	assert.False(t, unknown.Valid)
	assert.Equal(t, license.ReasonMachineNotFound, unknown.Reason)

	require.NoError(t, e.RevokeCustomer(ctx, c.ID))
	revoked, err := e.Heartbeat(ctx, HeartbeatParams{Fingerprint: fpA})
	require.NoError(t, err)
	assert.False(t, revoked.Valid)
	assert.Equal(t, license.ReasonCustomerRevoked, revoked.Reason)
}

func TestUpgrade(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic)
	act, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)
	old, err := license.Parse(act.Bundle.Certificate)
	require.NoError(t, err)
	oldUntil, err := old.Validity.ValidUntilTime()
	require.NoError(t, err)

	up, err := e.Upgrade(ctx, UpgradeParams{
		Fingerprint:        fpA,
		NewTier:            license.TierPro,
		AdditionalDays:     30,
		AdditionalServices: []string{"analytics"},
	})
	require.NoError(t, err)
	assert.Equal(t, license.ReasonOK, up.Reason)
	assert.Equal(t, license.TierBasic, up.OldTier)
	assert.Equal(t, license.TierPro, up.NewTier)
	require.NotNil(t, up.Bundle)

	fresh, err := license.Parse(up.Bundle.Certificate)
	require.NoError(t, err)

	// Ancestry is recorded and monotonic.
	require.NotNil(t, fresh.UpgradeChain.ParentCertificateID)
	assert.Equal(t, old.CertificateID, *fresh.UpgradeChain.ParentCertificateID)
	assert.Equal(t, 1, fresh.UpgradeChain.UpgradeCount)
	assert.True(t, fresh.UpgradeChain.IsUpgrade)
	assert.NotEqual(t, old.CertificateID, fresh.CertificateID)

	// Machine identity survives; the window extends from the previous
	// expiry, not from now.
	assert.Equal(t, old.Machine.MachineID, fresh.Machine.MachineID)
	newUntil, err := fresh.Validity.ValidUntilTime()
	require.NoError(t, err)
	assert.True(t, newUntil.Equal(oldUntil.AddDate(0, 0, 30)),
		"valid_until = %s, want %s", newUntil, oldUntil.AddDate(0, 0, 30))

	// Services only grow; the image channel follows the new tier.
	assert.True(t, fresh.ServiceEnabled("analytics"))
	assert.True(t, fresh.ServiceEnabled("frontend"))
	assert.True(t, fresh.ServiceEnabled("backend"))
	assert.Equal(t, "pro", fresh.Docker.Services["backend"].Tag)
	assert.Equal(t, string(old.Tier), fresh.Metadata["upgrade_from_tier"])

	// The stored blob was replaced and the new document validates.
	m, err := e.store.GetMachineByFingerprint(ctx, fpA)
	require.NoError(t, err)
	assert.Equal(t, string(up.Bundle.Certificate), m.Certificate)

	v, err := e.Validate(ctx, ValidateParams{Certificate: up.Bundle.Certificate, Fingerprint: fpA})
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, license.TierPro, v.Tier)
}

func TestUpgradeChainsAcrossUpgrades(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic)
	_, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)

	first, err := e.Upgrade(ctx, UpgradeParams{Fingerprint: fpA, NewTier: license.TierPro})
	require.NoError(t, err)
	second, err := e.Upgrade(ctx, UpgradeParams{Fingerprint: fpA, AdditionalDays: 90})
	require.NoError(t, err)

	cert, err := license.Parse(second.Bundle.Certificate)
	require.NoError(t, err)
	assert.Equal(t, 2, cert.UpgradeChain.UpgradeCount)
	require.NotNil(t, cert.UpgradeChain.ParentCertificateID)
	assert.Equal(t, first.CertificateID, *cert.UpgradeChain.ParentCertificateID)
	assert.Equal(t, license.TierPro, cert.Tier, "tier kept when not supplied")
}

func TestUpgradeUnknownMachine(t *testing.T) {
	e := newTestEngine(t)

	up, err := e.Upgrade(context.Background(), UpgradeParams{Fingerprint: fpB, NewTier: license.TierPro})
	require.NoError(t, err)
	assert.Equal(t, license.ReasonMachineNotFound, up.Reason)
	assert.Nil(t, up.Bundle)
}

func TestUpgradeRejectsUnknowns(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic)
	_, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)

	_, err = e.Upgrade(ctx, UpgradeParams{Fingerprint: fpA, NewTier: "platinum"})
	assert.ErrorIs(t, err, ErrUnknownTier)

	_, err = e.Upgrade(ctx, UpgradeParams{Fingerprint: fpA, AdditionalServices: []string{"database"}})
	assert.ErrorIs(t, err, ErrUnknownService)
}

// denyBuckets refuses every budget spend.
type denyBuckets struct{}

func (denyBuckets) Allow(context.Context, string, limiter.Policy, int) (bool, error) {
	return false, nil
}

func TestHourlyBudgetExhausted(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic)
	act, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)

	e.buckets = denyBuckets{}

	_, err = e.Validate(ctx, ValidateParams{Certificate: act.Bundle.Certificate, Fingerprint: fpA})
	assert.ErrorIs(t, err, ErrRateLimited)

	_, err = e.Heartbeat(ctx, HeartbeatParams{Fingerprint: fpA})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestComposeForMachine(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic)
	_, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)

	compose, err := e.ComposeForMachine(ctx, fpA)
	require.NoError(t, err)
	assert.Contains(t, compose, "frontend-app:basic")

	_, err = e.ComposeForMachine(ctx, fpB)
	assert.ErrorIs(t, err, store.ErrMachineNotFound)
}

func TestGetCustomerWithMachines(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic)
	_, err := e.Activate(ctx, activateParams(c.ProductKey, fpA))
	require.NoError(t, err)

	got, machines, err := e.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	require.Len(t, machines, 1)
	assert.Equal(t, fpA, machines[0].Fingerprint)

	_, _, err = e.GetCustomer(ctx, "no-such-id")
	assert.ErrorIs(t, err, store.ErrCustomerNotFound)
}
