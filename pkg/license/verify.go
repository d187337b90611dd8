package license

import (
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/wardenhq/warden/pkg/canonical"
	"github.com/wardenhq/warden/pkg/sealing"
)

// VerifyAuthenticity checks both cryptographic layers of a raw certificate
// document: the RSA-PSS signature first, then the HMAC. It operates on the
// decoded document rather than a typed struct so the preimage bytes match
// exactly what was signed, including any fields this build does not know
// about.
//
// The returned reason is ReasonOK, ReasonCertificateCorrupt,
// ReasonInvalidSignature, or ReasonHMACMismatch; err carries detail for
// logging and is nil exactly when the reason is ReasonOK.
func VerifyAuthenticity(pub *rsa.PublicKey, raw []byte) (Reason, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return ReasonCertificateCorrupt, fmt.Errorf("decode certificate: %w", err)
	}

	sig, _ := doc["signature"].(string)
	if sig == "" {
		return ReasonInvalidSignature, fmt.Errorf("certificate carries no signature")
	}
	delete(doc, "signature")
	delete(doc, "signature_timestamp")

	signing, err := canonical.Marshal(doc)
	if err != nil {
		return ReasonCertificateCorrupt, fmt.Errorf("canonicalize for signature: %w", err)
	}
	if err := sealing.Verify(pub, signing, sig); err != nil {
		return ReasonInvalidSignature, err
	}

	security, _ := doc["security"].(map[string]interface{})
	if security == nil {
		return ReasonHMACMismatch, fmt.Errorf("certificate carries no security block")
	}
	wantHMAC, _ := security["hmac"].(string)
	keyB64, _ := security["hmac_key"].(string)
	if wantHMAC == "" || keyB64 == "" {
		return ReasonHMACMismatch, fmt.Errorf("certificate carries no hmac")
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return ReasonHMACMismatch, fmt.Errorf("decode hmac key: %w", err)
	}

	delete(doc, "security")
	integrity, err := canonical.Marshal(doc)
	if err != nil {
		return ReasonCertificateCorrupt, fmt.Errorf("canonicalize for hmac: %w", err)
	}
	if !sealing.VerifyHMAC(key, integrity, wantHMAC) {
		return ReasonHMACMismatch, fmt.Errorf("hmac does not match certificate contents")
	}
	return ReasonOK, nil
}
