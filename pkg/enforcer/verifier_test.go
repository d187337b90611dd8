package enforcer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/archive"
	"github.com/wardenhq/warden/pkg/bundle"
	"github.com/wardenhq/warden/pkg/fingerprint"
	"github.com/wardenhq/warden/pkg/issuer"
	"github.com/wardenhq/warden/pkg/license"
	"github.com/wardenhq/warden/pkg/sealing"
	"github.com/wardenhq/warden/pkg/store"
)

var (
	signerOnce sync.Once
	signerVal  *sealing.Signer
)

// testSigner generates the 4096-bit pair once; generation dominates the
// suite runtime otherwise.
func testSigner(t *testing.T) *sealing.Signer {
	t.Helper()
	signerOnce.Do(func() {
		key, err := sealing.GenerateKeyPair()
		if err != nil {
			t.Fatalf("key generation failed: %v", err)
		}
		signerVal = sealing.NewSigner(key)
	})
	return signerVal
}

type fakeProber struct {
	tokens []string
}

func (p fakeProber) Probe(context.Context) ([]string, error) {
	return p.tokens, nil
}

var edgeProber = fakeProber{tokens: []string{
	"hostname:edge-01",
	"machine_id:3f1a9e2c-4b7d-4f6e-9c2a-1d8b5e7a6f30",
	"system:Linux 6.8 x86_64",
}}

// install mints a real bundle for a fresh basic customer and writes it to
// a temp install root, pinned to the prober's fingerprint.
func install(t *testing.T, prober fingerprint.Prober) (bundle.Dir, string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	arc, err := archive.NewFileArchive(filepath.Join(t.TempDir(), "certs"))
	require.NoError(t, err)

	eng := issuer.New(issuer.Options{
		Store:  st,
		Signer: testSigner(t),
		Registry: bundle.RegistryLogin{
			Registry: "registry.example.com",
			Username: "warden-pull",
			Token:    "dckr_pat_test",
		},
		Archive: arc,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	cust, err := eng.CreateCustomer(ctx, issuer.CreateCustomerParams{
		CompanyName: "Acme Corp",
		Tier:        license.TierBasic,
	})
	require.NoError(t, err)

	fp, _, err := fingerprint.NewDeriver(prober).Derive(ctx, true)
	require.NoError(t, err)

	act, err := eng.Activate(ctx, issuer.ActivateParams{
		ProductKey:  cust.ProductKey,
		Fingerprint: fp,
		Hostname:    "edge-01",
		OSInfo:      "Linux 6.8 x86_64",
		AppVersion:  "2.3.1",
		IP:          "203.0.113.7",
	})
	require.NoError(t, err)
	require.Equal(t, license.ReasonOK, act.Reason)

	dir := bundle.Dir{Root: t.TempDir()}
	require.NoError(t, dir.Write(act.Bundle, fp))
	_, err = dir.EnsurePin(fp, "edge-01")
	require.NoError(t, err)
	return dir, fp
}

func TestVerifierAcceptsInstalledBundle(t *testing.T) {
	dir, fp := install(t, edgeProber)
	v := NewVerifier(dir, edgeProber)

	rep := v.Check(context.Background(), "")
	assert.Equal(t, license.ReasonOK, rep.Reason)
	assert.True(t, rep.Reason.Valid())
	assert.Equal(t, fp, rep.Fingerprint)
	require.NotNil(t, rep.Cert)
	assert.Equal(t, license.TierBasic, rep.Cert.Tier)
	assert.Greater(t, rep.DaysLeft, 300)
}

func TestVerifierServiceNarrowing(t *testing.T) {
	dir, _ := install(t, edgeProber)
	v := NewVerifier(dir, edgeProber)
	ctx := context.Background()

	assert.Equal(t, license.ReasonOK, v.Check(ctx, "backend").Reason)
	assert.Equal(t, license.ReasonServiceNotAllowed, v.Check(ctx, "analytics").Reason)
	assert.Equal(t, license.ReasonServiceNotAllowed, v.Check(ctx, "no-such-service").Reason)
}

func TestVerifierNotActivated(t *testing.T) {
	v := NewVerifier(bundle.Dir{Root: t.TempDir()}, edgeProber)

	rep := v.Check(context.Background(), "")
	assert.Equal(t, license.ReasonNotActivated, rep.Reason)
	assert.Nil(t, rep.Cert)
}

func TestVerifierRejectsForeignHardware(t *testing.T) {
	dir, _ := install(t, edgeProber)
	moved := fakeProber{tokens: []string{
		"hostname:edge-99",
		"machine_id:00000000-0000-0000-0000-000000000000",
		"system:Linux 6.8 x86_64",
	}}

	rep := NewVerifier(dir, moved).Check(context.Background(), "")
	assert.Equal(t, license.ReasonFingerprintMismatch, rep.Reason)
}

func TestVerifierLowEntropyOnPinnedMachine(t *testing.T) {
	dir, _ := install(t, edgeProber)
	starved := fakeProber{tokens: []string{"hostname:edge-01"}}

	rep := NewVerifier(dir, starved).Check(context.Background(), "")
	assert.Equal(t, license.ReasonFingerprintMismatch, rep.Reason)
	assert.Empty(t, rep.Fingerprint)
}

func TestVerifierDetectsTampering(t *testing.T) {
	dir, fp := install(t, edgeProber)

	raw, err := dir.ReadCertificate(fp)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["tier"] = "enterprise"
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(dir.CertificatePath(), tampered, 0o644))
	sealed, err := sealing.Seal(fp, tampered)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dir.SealedCertPath(), sealed, 0o644))

	rep := NewVerifier(dir, edgeProber).Check(context.Background(), "")
	assert.Equal(t, license.ReasonInvalidSignature, rep.Reason)
}

func TestVerifierCorruptCertificate(t *testing.T) {
	dir, fp := install(t, edgeProber)

	garbage := []byte("not a certificate")
	require.NoError(t, os.WriteFile(dir.CertificatePath(), garbage, 0o644))
	sealed, err := sealing.Seal(fp, garbage)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dir.SealedCertPath(), sealed, 0o644))

	rep := NewVerifier(dir, edgeProber).Check(context.Background(), "")
	assert.Equal(t, license.ReasonCertificateCorrupt, rep.Reason)
}

func TestVerifierMissingPublicKey(t *testing.T) {
	dir, _ := install(t, edgeProber)
	require.NoError(t, os.Remove(dir.PublicKeyPath()))

	rep := NewVerifier(dir, edgeProber).Check(context.Background(), "")
	assert.Equal(t, license.ReasonInvalidSignature, rep.Reason)
}

func TestVerifierExpiryWindow(t *testing.T) {
	dir, _ := install(t, edgeProber)
	v := NewVerifier(dir, edgeProber)
	issued := time.Now().UTC()

	cases := []struct {
		name string
		at   time.Time
		want license.Reason
	}{
		{"inside window", issued.AddDate(0, 0, 300), license.ReasonOK},
		{"day after expiry", issued.AddDate(0, 0, 366), license.ReasonGracePeriod},
		{"past grace", issued.AddDate(0, 0, 374), license.ReasonExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v.now = func() time.Time { return tc.at }
			rep := v.Check(context.Background(), "")
			assert.Equal(t, tc.want, rep.Reason)
			if tc.want == license.ReasonGracePeriod {
				assert.True(t, rep.Reason.Valid(), "grace keeps services up")
				assert.Negative(t, rep.DaysLeft)
			}
		})
	}
}
