package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/wardenhq/warden/pkg/api/wire"
	"github.com/wardenhq/warden/pkg/issuer"
	"github.com/wardenhq/warden/pkg/license"
	"github.com/wardenhq/warden/pkg/observability"
	"github.com/wardenhq/warden/pkg/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON request body strictly: 1MB cap, unknown fields
// rejected.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req wire.ActivateRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if req.ProductKey == "" || req.MachineFingerprint == "" {
		WriteBadRequest(w, "Missing required fields: product_key, machine_fingerprint")
		return
	}
	if err := s.checkAppVersion(req.AppVersion); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	act, err := s.engine.Activate(r.Context(), issuer.ActivateParams{
		ProductKey:  req.ProductKey,
		Fingerprint: req.MachineFingerprint,
		Hostname:    req.Hostname,
		OSInfo:      req.OSInfo,
		AppVersion:  req.AppVersion,
		IP:          clientIP(r),
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	observability.AddSpanEvent(r.Context(), "activation decided",
		observability.LicenseDecision(string(act.Reason), string(act.Tier))...)

	switch act.Reason {
	case license.ReasonOK:
		writeJSON(w, http.StatusOK, wire.ActivateResponse{
			Success:          true,
			AlreadyActivated: act.AlreadyActivated,
			CustomerName:     act.CustomerName,
			Tier:             act.Tier,
			ServicesEnabled:  act.ServicesEnabled,
			CertificateID:    act.CertificateID,
			MachineID:        act.MachineID,
			Bundle:           act.Bundle,
		})
	case license.ReasonProductKeyNotFound:
		WriteRefusal(w, r, http.StatusNotFound, act.Reason, "")
	case license.ReasonMachineLimitExceeded:
		detail := fmt.Sprintf("%s (%d of %d machines active)", act.Reason.Message(), act.CurrentMachines, act.MaxMachines)
		WriteRefusal(w, r, http.StatusForbidden, act.Reason, detail)
	case license.ReasonCustomerRevoked, license.ReasonDifferentProductKey:
		WriteRefusal(w, r, http.StatusForbidden, act.Reason, "")
	default:
		WriteInternal(w, fmt.Errorf("unmapped activation reason %q", act.Reason))
	}
}

// checkAppVersion enforces the configured version floor. No floor means any
// client, including ones that omit app_version, is accepted.
func (s *Server) checkAppVersion(appVersion string) error {
	if s.minAppVersion == nil {
		return nil
	}
	if appVersion == "" {
		return fmt.Errorf("app_version is required (minimum %s)", s.minAppVersion)
	}
	v, err := semver.NewVersion(appVersion)
	if err != nil {
		return fmt.Errorf("app_version %q is not valid semver", appVersion)
	}
	if v.LessThan(s.minAppVersion) {
		return fmt.Errorf("app_version %s is below the supported minimum %s", v, s.minAppVersion)
	}
	return nil
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req wire.ValidateRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if req.MachineFingerprint == "" {
		WriteBadRequest(w, "Missing required fields: machine_fingerprint")
		return
	}

	res, err := s.engine.Validate(r.Context(), issuer.ValidateParams{
		Certificate: []byte(req.Certificate),
		Fingerprint: req.MachineFingerprint,
		Service:     req.Service,
		DockerImage: req.DockerImage,
	})
	if errors.Is(err, issuer.ErrRateLimited) {
		WriteTooManyRequests(w, 60)
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	observability.AddSpanEvent(r.Context(), "validation decided",
		observability.LicenseDecision(string(res.Reason), string(res.Tier))...)

	// Negative verdicts still travel as 200; the reason code is the contract.
	writeJSON(w, http.StatusOK, wire.ValidateResponse{
		Valid:           res.Valid,
		Reason:          res.Reason,
		Tier:            res.Tier,
		ExpiresAt:       res.ExpiresAt,
		DaysLeft:        res.DaysLeft,
		ServicesEnabled: res.ServicesEnabled,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req wire.HeartbeatRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if req.MachineFingerprint == "" {
		WriteBadRequest(w, "Missing required fields: machine_fingerprint")
		return
	}

	res, err := s.engine.Heartbeat(r.Context(), issuer.HeartbeatParams{
		Fingerprint: req.MachineFingerprint,
		ServiceName: req.ServiceName,
	})
	if errors.Is(err, issuer.ErrRateLimited) {
		WriteTooManyRequests(w, 60)
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, wire.HeartbeatResponse{
		Valid:        res.Valid,
		Reason:       res.Reason,
		CustomerName: res.CustomerName,
		Tier:         res.Tier,
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req wire.UpgradeRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if req.MachineFingerprint == "" {
		WriteBadRequest(w, "Missing required fields: machine_fingerprint")
		return
	}

	res, err := s.engine.Upgrade(r.Context(), issuer.UpgradeParams{
		Fingerprint:        req.MachineFingerprint,
		NewTier:            req.NewTier,
		AdditionalDays:     req.AdditionalDays,
		NewMachineLimit:    req.NewMachineLimit,
		AdditionalServices: req.AdditionalServices,
		NewImageTags:       req.NewImageTags,
	})
	if errors.Is(err, issuer.ErrUnknownTier) || errors.Is(err, issuer.ErrUnknownService) {
		WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if res.Reason == license.ReasonMachineNotFound {
		WriteRefusal(w, r, http.StatusNotFound, res.Reason, "")
		return
	}

	writeJSON(w, http.StatusOK, wire.UpgradeResponse{
		Success:       true,
		OldTier:       res.OldTier,
		NewTier:       res.NewTier,
		CertificateID: res.CertificateID,
		Bundle:        res.Bundle,
	})
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	pem, err := s.engine.PublicKeyPEM()
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(pem)
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	fingerprint := strings.TrimPrefix(r.URL.Path, "/api/v1/compose/")
	if fingerprint == "" || strings.Contains(fingerprint, "/") {
		WriteBadRequest(w, "Expected /api/v1/compose/{machine_fingerprint}")
		return
	}

	doc, err := s.engine.ComposeForMachine(r.Context(), fingerprint)
	if errors.Is(err, store.ErrMachineNotFound) {
		WriteNotFound(w, "No activated machine with that fingerprint")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write([]byte(doc))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, wire.HealthResponse{
		Status:    "healthy",
		Version:   ServiceVersion,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleRoot serves the service banner on "/" and 404s everything that fell
// through the mux.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		WriteNotFound(w, "No such endpoint")
		return
	}
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, wire.ServiceInfo{
		Service: "warden-license-authority",
		Version: ServiceVersion,
		Status:  "running",
	})
}
