package bundle

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFP      = "3a91c4f0d2b85e7766a1c09b8d4f52e1a0b3c6d9e8f7a6b5c4d3e2f1a0b9c8d7"
	otherFP     = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	testCert    = `{"certificate_id":"CERT-0011223344556677","tier":"pro"}`
	testCompose = "services:\n  frontend:\n    image: registry.example.com/frontend-app:pro\n"
	testPEM     = "-----BEGIN PUBLIC KEY-----\nMIIB\n-----END PUBLIC KEY-----\n"
)

func testBundle(t *testing.T) *Bundle {
	t.Helper()
	creds, err := SealCredentials(testFP, RegistryLogin{
		Registry: "registry.example.com",
		Username: "deploy",
		Token:    "s3cret",
	})
	require.NoError(t, err)
	return &Bundle{
		Certificate:       []byte(testCert),
		DockerCredentials: creds,
		ComposeFile:       testCompose,
		PublicKey:         testPEM,
	}
}

func TestSealCredentialsRoundTrip(t *testing.T) {
	creds, err := SealCredentials(testFP, RegistryLogin{
		Registry: "registry.example.com",
		Username: "deploy",
		Token:    "s3cret",
	})
	require.NoError(t, err)
	assert.Equal(t, "AES-256-GCM", creds.EncryptionMethod)
	assert.Equal(t, "SHA-256(machine_fingerprint)", creds.KeyDerivation)
	assert.NotContains(t, creds.EncryptedCredentials, "s3cret")

	login, err := creds.Open(testFP)
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com", login.Registry)
	assert.Equal(t, "deploy", login.Username)
	assert.Equal(t, "s3cret", login.Token)
}

func TestSealCredentialsWrongFingerprint(t *testing.T) {
	creds, err := SealCredentials(testFP, RegistryLogin{Registry: "r", Username: "u", Token: "t"})
	require.NoError(t, err)

	_, err = creds.Open(otherFP)
	assert.Error(t, err)
}

func TestDirWriteInstallsEverything(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	assert.False(t, d.Activated())

	require.NoError(t, d.Write(testBundle(t), testFP))
	assert.True(t, d.Activated())

	for _, path := range []string{
		d.ComposePath(),
		d.CertificatePath(),
		d.SealedCertPath(),
		d.FingerprintPath(),
		d.PublicKeyPath(),
		d.CredentialsPath(),
	} {
		_, err := os.Stat(path)
		assert.NoError(t, err, "missing %s", path)
	}

	compose, err := os.ReadFile(d.ComposePath())
	require.NoError(t, err)
	assert.Equal(t, testCompose, string(compose))

	fp, err := os.ReadFile(d.FingerprintPath())
	require.NoError(t, err)
	assert.Equal(t, testFP, string(fp))
}

func TestDirReadCertificatePrefersSealedCopy(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	require.NoError(t, d.Write(testBundle(t), testFP))

	raw, err := d.ReadCertificate(testFP)
	require.NoError(t, err)
	assert.JSONEq(t, testCert, string(raw))

	// Corrupt the plaintext copy: the sealed copy still wins.
	require.NoError(t, os.WriteFile(d.CertificatePath(), []byte("garbage"), 0644))
	raw, err = d.ReadCertificate(testFP)
	require.NoError(t, err)
	assert.JSONEq(t, testCert, string(raw))
}

func TestDirReadCertificateFallsBackToPlaintext(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	require.NoError(t, d.Write(testBundle(t), testFP))

	// On foreign hardware the sealed copy will not open, but the document
	// must still be readable so the mismatch can be diagnosed.
	raw, err := d.ReadCertificate(otherFP)
	require.NoError(t, err)
	assert.JSONEq(t, testCert, string(raw))
}

func TestDirReadCredentials(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	require.NoError(t, d.Write(testBundle(t), testFP))

	login, err := d.ReadCredentials(testFP)
	require.NoError(t, err)
	assert.Equal(t, "deploy", login.Username)

	_, err = d.ReadCredentials(otherFP)
	assert.Error(t, err)
}

func TestEnsurePinWritesOnce(t *testing.T) {
	d := Dir{Root: t.TempDir()}

	_, err := d.LoadPin()
	require.True(t, os.IsNotExist(err))

	pin, err := d.EnsurePin(testFP, "node-01")
	require.NoError(t, err)
	assert.Equal(t, testFP, pin.Fingerprint)
	assert.Equal(t, "node-01", pin.Hostname)
	assert.NotEmpty(t, pin.GeneratedAt)

	// A second call returns the pinned identity untouched, even when the
	// hardware now derives something else.
	again, err := d.EnsurePin(otherFP, "node-02")
	require.NoError(t, err)
	assert.Equal(t, testFP, again.Fingerprint)
	assert.Equal(t, "node-01", again.Hostname)
}

func TestDirRemove(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	require.NoError(t, d.Write(testBundle(t), testFP))
	_, err := d.EnsurePin(testFP, "node-01")
	require.NoError(t, err)

	require.NoError(t, d.Remove())
	assert.False(t, d.Activated())
	_, err = os.Stat(d.ComposePath())
	assert.True(t, os.IsNotExist(err))

	// Removing an already-clean directory is fine.
	require.NoError(t, d.Remove())
}
