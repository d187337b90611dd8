package license

import "sort"

// Tier identifies a product tier.
type Tier string

const (
	TierTrial      Tier = "trial"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierCustom     Tier = "custom"
)

// Unlimited marks a quota with no cap.
const Unlimited = -1

// TierLimits defines the quotas a tier grants.
type TierLimits struct {
	MaxMachines         int // machines activatable per customer
	ValidDays           int // license window length in days
	ConcurrentSessions  int // -1 = unlimited
	APIRateLimitPerHour int // -1 = unlimited
}

// Definition describes one product tier: quotas plus the services it
// unlocks.
type Definition struct {
	ID          Tier
	Name        string
	Description string
	Limits      TierLimits
	Services    []string
}

// All available tiers. Custom starts from the basic quotas; the issuer
// overrides them per contract.
var (
	Trial = Definition{
		ID:          TierTrial,
		Name:        "Trial",
		Description: "Time-boxed evaluation on a single machine",
		Limits: TierLimits{
			MaxMachines:         1,
			ValidDays:           14,
			ConcurrentSessions:  1,
			APIRateLimitPerHour: 100,
		},
		Services: []string{"frontend"},
	}

	Basic = Definition{
		ID:          TierBasic,
		Name:        "Basic",
		Description: "For small teams running the core stack",
		Limits: TierLimits{
			MaxMachines:         3,
			ValidDays:           365,
			ConcurrentSessions:  5,
			APIRateLimitPerHour: 1000,
		},
		Services: []string{"frontend", "backend"},
	}

	Pro = Definition{
		ID:          TierPro,
		Name:        "Pro",
		Description: "For production workloads with analytics",
		Limits: TierLimits{
			MaxMachines:         10,
			ValidDays:           365,
			ConcurrentSessions:  20,
			APIRateLimitPerHour: 5000,
		},
		Services: []string{"frontend", "backend", "analytics"},
	}

	Enterprise = Definition{
		ID:          TierEnterprise,
		Name:        "Enterprise",
		Description: "For large fleets with monitoring and no caps",
		Limits: TierLimits{
			MaxMachines:         100,
			ValidDays:           365,
			ConcurrentSessions:  Unlimited,
			APIRateLimitPerHour: Unlimited,
		},
		Services: []string{"frontend", "backend", "analytics", "monitoring"},
	}

	Custom = Definition{
		ID:          TierCustom,
		Name:        "Custom",
		Description: "Contract-specific quotas negotiated per customer",
		Limits:      Basic.Limits,
		Services:    Basic.Services,
	}

	// AllTiers contains all available tiers.
	AllTiers = map[Tier]Definition{
		TierTrial:      Trial,
		TierBasic:      Basic,
		TierPro:        Pro,
		TierEnterprise: Enterprise,
		TierCustom:     Custom,
	}
)

// GetTier returns a tier definition by ID, or nil if not found.
func GetTier(id Tier) *Definition {
	def, ok := AllTiers[id]
	if !ok {
		return nil
	}
	return &def
}

// TierIDs returns the known tier identifiers in stable order.
func TierIDs() []Tier {
	ids := make([]Tier, 0, len(AllTiers))
	for id := range AllTiers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasService reports whether the tier unlocks the named service.
func (d *Definition) HasService(name string) bool {
	for _, s := range d.Services {
		if s == name {
			return true
		}
	}
	return false
}

// IsUnlimited checks if a quota is unlimited (-1).
func IsUnlimited(limit int) bool {
	return limit < 0
}

// Features returns the feature flag map frozen into certificates of this
// tier. Every known flag is present with an explicit boolean so agents
// never have to distinguish absent from false.
func (d *Definition) Features() map[string]bool {
	pro := d.ID == TierPro || d.ID == TierEnterprise
	return map[string]bool{
		"offline_mode":      true,
		"api_access":        d.ID != TierTrial,
		"multi_tenancy":     pro,
		"backup_restore":    pro,
		"audit_logging":     pro,
		"priority_support":  pro,
		"high_availability": d.ID == TierEnterprise,
	}
}

// ServiceDefinition pins the deployable artifact behind a licensed
// service name.
type ServiceDefinition struct {
	Image         string
	ContainerPort int
	HostPort      int
	Required      bool
	Permissions   []string
}

// ServiceCatalog maps service names to their container artifacts.
// Required services appear in every certificate's docker block regardless
// of tier; optional ones only when the tier grants them.
var ServiceCatalog = map[string]ServiceDefinition{
	"frontend": {
		Image:         "frontend-app",
		ContainerPort: 3000,
		HostPort:      3000,
		Required:      true,
		Permissions:   []string{"read", "view"},
	},
	"backend": {
		Image:         "backend-api",
		ContainerPort: 8000,
		HostPort:      8000,
		Required:      true,
		Permissions:   []string{"read", "write"},
	},
	"analytics": {
		Image:         "analytics-engine",
		ContainerPort: 8100,
		HostPort:      8100,
		Required:      false,
		Permissions:   []string{"read", "view", "export"},
	},
	"monitoring": {
		Image:         "monitoring-agent",
		ContainerPort: 9090,
		HostPort:      9090,
		Required:      false,
		Permissions:   []string{"read", "view", "alert"},
	},
}

// ServiceNames returns the catalog's service names in stable order.
func ServiceNames() []string {
	names := make([]string, 0, len(ServiceCatalog))
	for name := range ServiceCatalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
