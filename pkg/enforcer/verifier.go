// Package enforcer runs on licensed machines: it verifies the installed
// certificate offline, revalidates on a timer with best-effort server
// heartbeats, and stops the deployed stack when the license affirmatively
// fails. Reachability problems alone never kill a running deployment.
package enforcer

import (
	"context"
	"time"

	"github.com/wardenhq/warden/pkg/bundle"
	"github.com/wardenhq/warden/pkg/fingerprint"
	"github.com/wardenhq/warden/pkg/license"
	"github.com/wardenhq/warden/pkg/sealing"
)

// Report is the outcome of one local verification pass.
type Report struct {
	Reason license.Reason
	// Cert is non-nil once the installed document parses, whatever the
	// verdict after that point.
	Cert *license.Certificate
	// Fingerprint is the locally derived machine identity, empty when
	// derivation itself failed.
	Fingerprint string
	DaysLeft    int
}

// Verifier checks the installed bundle against this machine's hardware,
// entirely offline.
type Verifier struct {
	dir     bundle.Dir
	deriver *fingerprint.Deriver

	now func() time.Time
}

// NewVerifier builds a Verifier over an install directory. A nil prober
// probes the real hardware.
func NewVerifier(dir bundle.Dir, prober fingerprint.Prober) *Verifier {
	if prober == nil {
		prober = fingerprint.SystemProber{}
	}
	return &Verifier{
		dir:     dir,
		deriver: fingerprint.NewDeriver(prober),
		now:     time.Now,
	}
}

// Check runs the local verdict chain: bundle present, pinned identity
// against fresh hardware, document shape, signature, integrity, machine
// binding, expiry window, and finally the optional service narrowing.
// The first failed gate decides the reason.
func (v *Verifier) Check(ctx context.Context, service string) *Report {
	rep := &Report{}

	if !v.dir.Activated() {
		rep.Reason = license.ReasonNotActivated
		return rep
	}

	pin, err := v.dir.LoadPin()
	pinned := err == nil

	fp, _, err := v.deriver.Derive(ctx, pinned)
	if err != nil {
		// A pinned identity that can no longer be re-derived is
		// indistinguishable from moved hardware.
		rep.Reason = license.ReasonFingerprintMismatch
		return rep
	}
	rep.Fingerprint = fp

	if pinned && pin.Fingerprint != fp {
		rep.Reason = license.ReasonFingerprintMismatch
		return rep
	}

	raw, err := v.dir.ReadCertificate(fp)
	if err != nil {
		rep.Reason = license.ReasonCertificateCorrupt
		return rep
	}
	if err := license.CheckShape(raw); err != nil {
		rep.Reason = license.ReasonCertificateCorrupt
		return rep
	}
	cert, err := license.Parse(raw)
	if err != nil {
		rep.Reason = license.ReasonCertificateCorrupt
		return rep
	}
	rep.Cert = cert

	pemBytes, err := v.dir.ReadPublicKey()
	if err != nil {
		rep.Reason = license.ReasonInvalidSignature
		return rep
	}
	pub, err := sealing.ParsePublicKeyPEM(pemBytes)
	if err != nil {
		rep.Reason = license.ReasonInvalidSignature
		return rep
	}
	if reason, err := license.VerifyAuthenticity(pub, raw); err != nil {
		rep.Reason = reason
		return rep
	}

	if cert.Machine.MachineID == "" {
		rep.Reason = license.ReasonMachineIDMissing
		return rep
	}
	if cert.Machine.MachineFingerprint == "" {
		rep.Reason = license.ReasonCertFingerprintMissing
		return rep
	}
	if cert.Machine.MachineFingerprint != fp {
		rep.Reason = license.ReasonFingerprintMismatch
		return rep
	}

	reason, days := cert.ExpiryStatus(v.now())
	rep.DaysLeft = days
	if reason != license.ReasonOK && reason != license.ReasonGracePeriod {
		rep.Reason = reason
		return rep
	}

	if service != "" && !cert.ServiceEnabled(service) {
		rep.Reason = license.ReasonServiceNotAllowed
		return rep
	}

	rep.Reason = reason
	return rep
}
