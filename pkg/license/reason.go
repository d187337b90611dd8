package license

// Reason is a verdict from the closed reason-code sets of the wire protocol.
// Business outcomes travel as reasons; Go errors are reserved for
// infrastructure faults.
type Reason string

// Activation reasons.
const (
	ReasonOK                   Reason = "ok"
	ReasonProductKeyNotFound   Reason = "product_key_not_found"
	ReasonCustomerRevoked      Reason = "customer_revoked"
	ReasonMachineLimitExceeded Reason = "machine_limit_exceeded"
	ReasonDifferentProductKey  Reason = "different_product_key"
)

// Validation reasons.
const (
	ReasonNotActivated           Reason = "not_activated"
	ReasonCertificateCorrupt     Reason = "certificate_corrupt"
	ReasonMachineIDMissing       Reason = "machine_id_missing"
	ReasonFingerprintMismatch    Reason = "fingerprint_mismatch"
	ReasonCertFingerprintMissing Reason = "cert_fingerprint_missing"
	ReasonInvalidSignature       Reason = "invalid_signature"
	ReasonHMACMismatch           Reason = "hmac_mismatch"
	ReasonExpired                Reason = "expired"
	ReasonGracePeriod            Reason = "grace_period"
	ReasonNoExpiryDate           Reason = "no_expiry_date"
	ReasonServiceNotAllowed      Reason = "service_not_allowed"
	ReasonDockerImageNotAllowed  Reason = "docker_image_not_allowed"
	ReasonRevoked                Reason = "revoked"
)

// Heartbeat reasons. ReasonServerCheckSkipped is emitted only by the agent
// when the authority is unreachable; the server never returns it.
const (
	ReasonMachineNotFound    Reason = "machine_not_found"
	ReasonMachineRevoked     Reason = "machine_revoked"
	ReasonServerCheckSkipped Reason = "server_check_skipped"
)

// Valid reports whether the verdict still permits services to run.
// A grace-period verdict is valid: services continue while the user is
// warned.
func (r Reason) Valid() bool {
	return r == ReasonOK || r == ReasonGracePeriod || r == ReasonServerCheckSkipped
}

var reasonMessages = map[Reason]string{
	ReasonOK:                     "License is valid.",
	ReasonProductKeyNotFound:     "Product key not found. Check the key or contact support.",
	ReasonCustomerRevoked:        "The customer license has been revoked.",
	ReasonMachineLimitExceeded:   "Machine limit reached. Revoke an existing machine or upgrade the license.",
	ReasonDifferentProductKey:    "This machine is already activated with a different product key.",
	ReasonNotActivated:           "This machine has not been activated.",
	ReasonCertificateCorrupt:     "The license certificate is corrupt or malformed.",
	ReasonMachineIDMissing:       "The license certificate carries no machine identity.",
	ReasonFingerprintMismatch:    "The license is bound to different hardware.",
	ReasonCertFingerprintMissing: "The license certificate carries no machine fingerprint.",
	ReasonInvalidSignature:       "The license signature could not be verified.",
	ReasonHMACMismatch:           "The license failed its integrity check.",
	ReasonExpired:                "The license has expired.",
	ReasonGracePeriod:            "The license has expired but is within its grace period.",
	ReasonNoExpiryDate:           "The license certificate carries no expiry date.",
	ReasonServiceNotAllowed:      "This service is not covered by the license.",
	ReasonDockerImageNotAllowed:  "This container image is not covered by the license.",
	ReasonRevoked:                "The license has been revoked.",
	ReasonMachineNotFound:        "This machine is not known to the license authority.",
	ReasonMachineRevoked:         "This machine's license has been revoked.",
	ReasonServerCheckSkipped:     "The license authority is unreachable; local checks apply.",
}

// Message returns the human-readable sentence shown alongside the reason
// code on error pages and CLI output.
func (r Reason) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return "License validation failed."
}
