package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/sealing"
)

// File names inside the install directory. The compose file sits at the
// install root; everything else lives under license/.
const (
	ComposeFileName     = "docker-compose.yml"
	licenseDirName      = "license"
	certificateJSONName = "certificate.json"
	certificateDatName  = "certificate.dat"
	fingerprintFileName = ".fingerprint"
	pinFileName         = "machine_id.json"
	publicKeyFileName   = "public_key.pem"
	credentialsFileName = "docker_credentials.dat"
)

// Dir is an install directory holding one activated bundle.
type Dir struct {
	Root string
}

// Pin is the persisted machine identity, written once on first activation.
// The fingerprint recorded here is compared against freshly derived
// hardware on every enforcement pass.
type Pin struct {
	Fingerprint string `json:"fingerprint"`
	GeneratedAt string `json:"generated_at"`
	Hostname    string `json:"hostname"`
}

func (d Dir) LicenseDir() string       { return filepath.Join(d.Root, licenseDirName) }
func (d Dir) ComposePath() string      { return filepath.Join(d.Root, ComposeFileName) }
func (d Dir) CertificatePath() string  { return filepath.Join(d.LicenseDir(), certificateJSONName) }
func (d Dir) SealedCertPath() string   { return filepath.Join(d.LicenseDir(), certificateDatName) }
func (d Dir) FingerprintPath() string  { return filepath.Join(d.LicenseDir(), fingerprintFileName) }
func (d Dir) PinPath() string          { return filepath.Join(d.LicenseDir(), pinFileName) }
func (d Dir) PublicKeyPath() string    { return filepath.Join(d.LicenseDir(), publicKeyFileName) }
func (d Dir) CredentialsPath() string  { return filepath.Join(d.LicenseDir(), credentialsFileName) }

// Activated reports whether a certificate is installed, in either its
// plaintext or sealed form.
func (d Dir) Activated() bool {
	if _, err := os.Stat(d.CertificatePath()); err == nil {
		return true
	}
	if _, err := os.Stat(d.SealedCertPath()); err == nil {
		return true
	}
	return false
}

// Write installs a bundle. The certificate lands twice: sealed to the
// machine fingerprint as certificate.dat, and in plaintext as
// certificate.json so the stack can mount and read it. The pin file is not
// touched here; see EnsurePin.
func (d Dir) Write(b *Bundle, fp string) error {
	//nolint:gosec // G301: the stack's containers read this directory
	if err := os.MkdirAll(d.LicenseDir(), 0755); err != nil {
		return fmt.Errorf("create license dir: %w", err)
	}

	sealed, err := sealing.Seal(fp, b.Certificate)
	if err != nil {
		return fmt.Errorf("seal certificate: %w", err)
	}

	files := []struct {
		path string
		data []byte
	}{
		{d.ComposePath(), []byte(b.ComposeFile)},
		{d.CertificatePath(), b.Certificate},
		{d.SealedCertPath(), sealed},
		{d.FingerprintPath(), []byte(fp)},
		{d.PublicKeyPath(), []byte(b.PublicKey)},
		{d.CredentialsPath(), []byte(b.DockerCredentials.EncryptedCredentials)},
	}
	for _, f := range files {
		if err := writeFileAtomic(f.path, f.data); err != nil {
			return err
		}
	}
	return nil
}

// ReadCertificate returns the installed certificate bytes. The sealed copy
// is preferred; when it is missing or does not open under fp (for example
// after the files were copied to other hardware), the plaintext copy is
// read instead so callers can still inspect the document and report the
// mismatch.
func (d Dir) ReadCertificate(fp string) ([]byte, error) {
	if blob, err := os.ReadFile(d.SealedCertPath()); err == nil {
		if raw, err := sealing.Open(fp, blob); err == nil {
			return raw, nil
		}
	}
	raw, err := os.ReadFile(d.CertificatePath())
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	return raw, nil
}

// ReadPublicKey returns the issuer public key PEM installed with the bundle.
func (d Dir) ReadPublicKey() ([]byte, error) {
	data, err := os.ReadFile(d.PublicKeyPath())
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return data, nil
}

// ReadCredentials loads and opens the sealed registry credentials.
func (d Dir) ReadCredentials(fp string) (RegistryLogin, error) {
	data, err := os.ReadFile(d.CredentialsPath())
	if err != nil {
		return RegistryLogin{}, fmt.Errorf("read credentials: %w", err)
	}
	c := Credentials{EncryptedCredentials: strings.TrimSpace(string(data))}
	return c.Open(fp)
}

// LoadPin reads the pinned machine identity. os.IsNotExist distinguishes a
// never-pinned machine from a read failure.
func (d Dir) LoadPin() (*Pin, error) {
	data, err := os.ReadFile(d.PinPath())
	if err != nil {
		return nil, err //nolint:wrapcheck // callers branch on os.IsNotExist
	}
	var pin Pin
	if err := json.Unmarshal(data, &pin); err != nil {
		return nil, fmt.Errorf("decode pin: %w", err)
	}
	return &pin, nil
}

// EnsurePin returns the existing pin, or writes and returns a new one when
// the machine has never been pinned. An existing pin is never overwritten.
func (d Dir) EnsurePin(fp, hostname string) (*Pin, error) {
	if pin, err := d.LoadPin(); err == nil {
		return pin, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	//nolint:gosec // G301: the stack's containers read this directory
	if err := os.MkdirAll(d.LicenseDir(), 0755); err != nil {
		return nil, fmt.Errorf("create license dir: %w", err)
	}
	pin := &Pin{
		Fingerprint: fp,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:    hostname,
	}
	data, err := json.MarshalIndent(pin, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode pin: %w", err)
	}
	if err := writeFileAtomic(d.PinPath(), data); err != nil {
		return nil, err
	}
	return pin, nil
}

// Remove deletes the installed bundle: the license directory and the
// compose file. Used on deactivation.
func (d Dir) Remove() error {
	if err := os.RemoveAll(d.LicenseDir()); err != nil {
		return fmt.Errorf("remove license dir: %w", err)
	}
	if err := os.Remove(d.ComposePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove compose file: %w", err)
	}
	return nil
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it into place, so a crash never leaves a torn file behind.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: bundle files are read by the deployed stack
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	return nil
}
