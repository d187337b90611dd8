// Package wire defines the JSON request and response bodies of the licensing
// API. Both the server handlers and the client speak these types; field
// names are part of the wire contract.
package wire

import (
	"encoding/json"

	"github.com/wardenhq/warden/pkg/bundle"
	"github.com/wardenhq/warden/pkg/license"
)

// ActivateRequest binds a machine to a product key.
type ActivateRequest struct {
	ProductKey         string `json:"product_key"`
	MachineFingerprint string `json:"machine_fingerprint"`
	Hostname           string `json:"hostname,omitempty"`
	OSInfo             string `json:"os_info,omitempty"`
	AppVersion         string `json:"app_version,omitempty"`
}

// ActivateResponse carries a successful activation. Refusals travel as
// problem details, not as this type.
type ActivateResponse struct {
	Success          bool           `json:"success"`
	AlreadyActivated bool           `json:"already_activated,omitempty"`
	CustomerName     string         `json:"customer_name"`
	Tier             license.Tier   `json:"tier"`
	ServicesEnabled  []string       `json:"services_enabled"`
	CertificateID    string         `json:"certificate_id"`
	MachineID        string         `json:"machine_id"`
	Bundle           *bundle.Bundle `json:"bundle"`
}

// ValidateRequest checks a presented certificate. Service and DockerImage
// are optional narrowings.
type ValidateRequest struct {
	Certificate        json.RawMessage `json:"certificate"`
	MachineFingerprint string          `json:"machine_fingerprint"`
	Service            string          `json:"service,omitempty"`
	DockerImage        string          `json:"docker_image,omitempty"`
}

// ValidateResponse is always HTTP 200; negatives are carried in Valid and
// Reason.
type ValidateResponse struct {
	Valid           bool           `json:"valid"`
	Reason          license.Reason `json:"reason"`
	Tier            license.Tier   `json:"tier,omitempty"`
	ExpiresAt       string         `json:"expires_at,omitempty"`
	DaysLeft        int            `json:"days_left,omitempty"`
	ServicesEnabled []string       `json:"services_enabled,omitempty"`
}

// HeartbeatRequest is the lightweight liveness check.
type HeartbeatRequest struct {
	MachineFingerprint string `json:"machine_fingerprint"`
	ServiceName        string `json:"service_name,omitempty"`
}

type HeartbeatResponse struct {
	Valid        bool           `json:"valid"`
	Reason       license.Reason `json:"reason"`
	CustomerName string         `json:"customer_name,omitempty"`
	Tier         license.Tier   `json:"tier,omitempty"`
}

// UpgradeRequest requests an additive entitlement change for an activated
// machine. Zero-valued fields keep the current certificate's values.
type UpgradeRequest struct {
	MachineFingerprint string            `json:"machine_fingerprint"`
	NewTier            license.Tier      `json:"new_tier,omitempty"`
	AdditionalDays     int               `json:"additional_days,omitempty"`
	NewMachineLimit    int               `json:"new_machine_limit,omitempty"`
	AdditionalServices []string          `json:"additional_services,omitempty"`
	NewImageTags       map[string]string `json:"new_image_tags,omitempty"`
}

type UpgradeResponse struct {
	Success       bool           `json:"success"`
	OldTier       license.Tier   `json:"old_tier"`
	NewTier       license.Tier   `json:"new_tier"`
	CertificateID string         `json:"certificate_id"`
	Bundle        *bundle.Bundle `json:"bundle"`
}

// HealthResponse reports service liveness.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// ServiceInfo is served on the root path.
type ServiceInfo struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// CreateCustomerRequest onboards a license holder (admin).
type CreateCustomerRequest struct {
	CompanyName  string       `json:"company_name"`
	Tier         license.Tier `json:"tier"`
	MachineLimit int          `json:"machine_limit,omitempty"`
	ValidDays    int          `json:"valid_days,omitempty"`
	Services     []string     `json:"services,omitempty"`
}

// Customer is the admin view of a license holder.
type Customer struct {
	ID              string       `json:"id"`
	CompanyName     string       `json:"company_name"`
	ProductKey      string       `json:"product_key"`
	Tier            license.Tier `json:"tier"`
	MachineLimit    int          `json:"machine_limit"`
	ValidDays       int          `json:"valid_days"`
	AllowedServices []string     `json:"allowed_services,omitempty"`
	Revoked         bool         `json:"revoked"`
	CreatedAt       string       `json:"created_at"`
}

// Machine is the admin view of an activation.
type Machine struct {
	ID          string `json:"id"`
	CustomerID  string `json:"customer_id"`
	Fingerprint string `json:"fingerprint"`
	Hostname    string `json:"hostname,omitempty"`
	OSInfo      string `json:"os_info,omitempty"`
	AppVersion  string `json:"app_version,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	LastSeen    string `json:"last_seen"`
}

type CustomersResponse struct {
	Customers []Customer `json:"customers"`
}

type CustomerDetail struct {
	Customer Customer  `json:"customer"`
	Machines []Machine `json:"machines"`
}

// TierInfo mirrors one tier definition on the wire; -1 means unlimited.
type TierInfo struct {
	ID          license.Tier `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Limits      TierLimits   `json:"limits"`
	Services    []string     `json:"services"`
}

type TierLimits struct {
	MaxMachines         int `json:"max_machines"`
	ValidDays           int `json:"valid_days"`
	ConcurrentSessions  int `json:"concurrent_sessions"`
	APIRateLimitPerHour int `json:"api_rate_limit_per_hour"`
}

type TiersResponse struct {
	Tiers []TierInfo `json:"tiers"`
}

// RevokeResponse acknowledges a machine or customer revocation.
type RevokeResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Status  string `json:"status"`
}
