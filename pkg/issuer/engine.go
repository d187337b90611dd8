// Package issuer implements the license authority: customer onboarding,
// machine activation against quota, certificate validation and heartbeat
// verdicts, in-place tier upgrades, and revocation. Business outcomes
// travel as license.Reason values; Go errors are reserved for
// infrastructure faults.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/archive"
	"github.com/wardenhq/warden/pkg/bundle"
	"github.com/wardenhq/warden/pkg/canonical"
	"github.com/wardenhq/warden/pkg/license"
	"github.com/wardenhq/warden/pkg/limiter"
	"github.com/wardenhq/warden/pkg/sealing"
	"github.com/wardenhq/warden/pkg/store"
)

// Sentinel errors the transport layer maps to status codes.
var (
	// ErrRateLimited means the license's hourly API budget is exhausted.
	ErrRateLimited = errors.New("issuer: hourly api budget exhausted")
	// ErrUnknownTier rejects requests naming a tier outside the catalog.
	ErrUnknownTier = errors.New("issuer: unknown tier")
	// ErrUnknownService rejects requests naming a service outside the catalog.
	ErrUnknownService = errors.New("issuer: unknown service")
)

// Options wires an Engine. Store, Signer, and Registry are required.
// A nil Archive disables certificate archiving; a nil Buckets disables the
// hourly API budget.
type Options struct {
	Store    store.Store
	Signer   *sealing.Signer
	Registry bundle.RegistryLogin
	Archive  archive.Archive
	Buckets  limiter.Store
	Logger   *slog.Logger
}

// Engine is the license authority core. It is safe for concurrent use; all
// quota-sensitive paths run inside a per-customer critical section.
type Engine struct {
	store    store.Store
	minter   *license.Minter
	signer   *sealing.Signer
	registry bundle.RegistryLogin
	archive  archive.Archive
	buckets  limiter.Store
	locks    keyedMutex
	logger   *slog.Logger

	now func() time.Time
}

// New builds an Engine from the given options.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    opts.Store,
		minter:   license.NewMinter(opts.Signer, opts.Registry.Registry, opts.Registry.Username),
		signer:   opts.Signer,
		registry: opts.Registry,
		archive:  opts.Archive,
		buckets:  opts.Buckets,
		logger:   logger,
		now:      time.Now,
	}
}

// PublicKeyPEM returns the authority's verification key.
func (e *Engine) PublicKeyPEM() ([]byte, error) {
	return e.signer.PublicKeyPEM() //nolint:wrapcheck // thin accessor
}

// CreateCustomerParams describes a new license holder. Zero quota, window,
// or services fall back to the tier defaults.
type CreateCustomerParams struct {
	CompanyName  string
	Tier         license.Tier
	MachineLimit int
	ValidDays    int
	Services     []string
}

// CreateCustomer registers a customer and issues its product key.
func (e *Engine) CreateCustomer(ctx context.Context, p CreateCustomerParams) (*store.Customer, error) {
	if p.CompanyName == "" {
		return nil, fmt.Errorf("issuer: company name is required")
	}
	def := license.GetTier(p.Tier)
	if def == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, p.Tier)
	}
	for _, svc := range p.Services {
		if _, ok := license.ServiceCatalog[svc]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownService, svc)
		}
	}

	c := &store.Customer{
		ID:              uuid.NewString(),
		CompanyName:     p.CompanyName,
		Tier:            p.Tier,
		MachineLimit:    p.MachineLimit,
		ValidDays:       p.ValidDays,
		AllowedServices: p.Services,
		CreatedAt:       e.now().UTC(),
	}
	if c.MachineLimit == 0 {
		c.MachineLimit = def.Limits.MaxMachines
	}
	if c.ValidDays == 0 {
		c.ValidDays = def.Limits.ValidDays
	}

	// Key collisions are one-in-an-alphabet^8 event; retry a few times
	// rather than failing the onboarding.
	for attempt := 0; attempt < 5; attempt++ {
		key, err := license.NewProductKey(p.CompanyName, e.now())
		if err != nil {
			return nil, fmt.Errorf("issuer: generate product key: %w", err)
		}
		c.ProductKey = key
		err = e.store.CreateCustomer(ctx, c)
		if err == nil {
			e.logger.Info("customer created",
				"customer_id", c.ID, "company", c.CompanyName, "tier", c.Tier)
			return c, nil
		}
		if !errors.Is(err, store.ErrDuplicateProductKey) {
			return nil, fmt.Errorf("issuer: create customer: %w", err)
		}
	}
	return nil, fmt.Errorf("issuer: could not allocate a unique product key")
}

// GetCustomer returns a customer and its machines.
func (e *Engine) GetCustomer(ctx context.Context, id string) (*store.Customer, []*store.Machine, error) {
	c, err := e.store.GetCustomer(ctx, id)
	if err != nil {
		return nil, nil, err //nolint:wrapcheck // sentinel passthrough
	}
	machines, err := e.store.ListMachines(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("issuer: list machines: %w", err)
	}
	return c, machines, nil
}

// ListCustomers returns all customers.
func (e *Engine) ListCustomers(ctx context.Context) ([]*store.Customer, error) {
	return e.store.ListCustomers(ctx) //nolint:wrapcheck // thin passthrough
}

// ActivateParams carries one activation request.
type ActivateParams struct {
	ProductKey  string
	Fingerprint string
	Hostname    string
	OSInfo      string
	AppVersion  string
	IP          string
}

// Activation is the outcome of an activation attempt. Bundle is non-nil
// exactly when Reason is ok.
type Activation struct {
	Reason           license.Reason
	AlreadyActivated bool
	CustomerName     string
	Tier             license.Tier
	ServicesEnabled  []string
	CertificateID    string
	MachineID        string
	CurrentMachines  int
	MaxMachines      int
	Bundle           *bundle.Bundle
}

// Activate binds a machine fingerprint to a product key and issues the
// activation bundle. Re-activating the same fingerprint under the same key
// returns the stored certificate without consuming a quota slot.
func (e *Engine) Activate(ctx context.Context, p ActivateParams) (*Activation, error) {
	if p.ProductKey == "" || p.Fingerprint == "" {
		return nil, fmt.Errorf("issuer: product key and fingerprint are required")
	}
	if !license.CheckProductKey(p.ProductKey) {
		// A malformed key cannot exist in the store, but the lookup is the
		// authority; the checksum failure is only worth a log line.
		e.logger.Warn("product key failed checksum", "key_prefix", keyPrefixForLog(p.ProductKey))
	}

	customer, err := e.store.GetCustomerByProductKey(ctx, p.ProductKey)
	if errors.Is(err, store.ErrCustomerNotFound) {
		return &Activation{Reason: license.ReasonProductKeyNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("issuer: look up product key: %w", err)
	}
	if customer.Revoked {
		return &Activation{Reason: license.ReasonCustomerRevoked, CustomerName: customer.CompanyName}, nil
	}

	unlock := e.locks.lock(customer.ID)
	defer unlock()

	existing, err := e.store.GetMachineByFingerprint(ctx, p.Fingerprint)
	switch {
	case err == nil:
		return e.reactivate(ctx, customer, existing)
	case errors.Is(err, store.ErrMachineNotFound):
		// fresh activation below
	default:
		return nil, fmt.Errorf("issuer: look up fingerprint: %w", err)
	}

	active, err := e.store.CountActiveMachines(ctx, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("issuer: count machines: %w", err)
	}
	if !license.IsUnlimited(customer.MachineLimit) && active >= customer.MachineLimit {
		e.logger.Warn("activation refused: machine limit",
			"customer_id", customer.ID, "active", active, "limit", customer.MachineLimit)
		return &Activation{
			Reason:          license.ReasonMachineLimitExceeded,
			CustomerName:    customer.CompanyName,
			CurrentMachines: active,
			MaxMachines:     customer.MachineLimit,
		}, nil
	}

	now := e.now().UTC()
	cert, err := e.minter.Mint(license.MintRequest{
		CustomerID:    customer.ID,
		CustomerName:  customer.CompanyName,
		ProductKey:    customer.ProductKey,
		Tier:          customer.Tier,
		Fingerprint:   p.Fingerprint,
		Hostname:      p.Hostname,
		MaxMachines:   customer.MachineLimit,
		MachineNumber: active + 1,
		ValidDays:     customer.ValidDays,
		Services:      customerServices(customer),
		Metadata: map[string]string{
			"os_info":              p.OSInfo,
			"app_version":          p.AppVersion,
			"activated_from_ip":    p.IP,
			"activation_timestamp": now.Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("issuer: mint certificate: %w", err)
	}

	raw, err := canonical.Marshal(cert)
	if err != nil {
		return nil, fmt.Errorf("issuer: canonicalize certificate: %w", err)
	}

	machine := &store.Machine{
		ID:          cert.Machine.MachineID,
		CustomerID:  customer.ID,
		Fingerprint: p.Fingerprint,
		Hostname:    p.Hostname,
		OSInfo:      p.OSInfo,
		AppVersion:  p.AppVersion,
		IPAddress:   p.IP,
		Certificate: string(raw),
		Status:      store.StatusActive,
		CreatedAt:   now,
		LastSeen:    now,
	}
	if err := e.store.CreateMachine(ctx, machine); err != nil {
		if errors.Is(err, store.ErrDuplicateFingerprint) {
			// Lost a race against another customer's activation of the same
			// fingerprint; resolve it the same way the lookup path would.
			if winner, lookupErr := e.store.GetMachineByFingerprint(ctx, p.Fingerprint); lookupErr == nil {
				return e.reactivate(ctx, customer, winner)
			}
		}
		return nil, fmt.Errorf("issuer: persist machine: %w", err)
	}

	e.archivePut(ctx, raw)

	b, err := e.assembleBundle(cert, raw)
	if err != nil {
		return nil, err
	}

	e.logger.Info("machine activated",
		"customer_id", customer.ID,
		"machine_id", cert.Machine.MachineID,
		"certificate_id", cert.CertificateID,
		"tier", customer.Tier,
		"machine_number", active+1)

	return &Activation{
		Reason:          license.ReasonOK,
		CustomerName:    customer.CompanyName,
		Tier:            customer.Tier,
		ServicesEnabled: license.GrantedServices(cert),
		CertificateID:   cert.CertificateID,
		MachineID:       cert.Machine.MachineID,
		CurrentMachines: active + 1,
		MaxMachines:     customer.MachineLimit,
		Bundle:          b,
	}, nil
}

// reactivate handles a fingerprint that is already bound: the same customer
// gets its stored certificate back, any other key is refused.
func (e *Engine) reactivate(ctx context.Context, customer *store.Customer, m *store.Machine) (*Activation, error) {
	if m.CustomerID != customer.ID {
		e.logger.Warn("activation refused: fingerprint bound to another key",
			"customer_id", customer.ID, "machine_id", m.ID)
		return &Activation{Reason: license.ReasonDifferentProductKey}, nil
	}

	cert, err := license.Parse([]byte(m.Certificate))
	if err != nil {
		return nil, fmt.Errorf("issuer: stored certificate for %s: %w", m.ID, err)
	}
	b, err := e.assembleBundle(cert, []byte(m.Certificate))
	if err != nil {
		return nil, err
	}
	if err := e.store.TouchMachine(ctx, m.ID, e.now().UTC()); err != nil {
		return nil, fmt.Errorf("issuer: touch machine: %w", err)
	}

	e.logger.Info("machine re-activated", "customer_id", customer.ID, "machine_id", m.ID)

	return &Activation{
		Reason:           license.ReasonOK,
		AlreadyActivated: true,
		CustomerName:     customer.CompanyName,
		Tier:             cert.Tier,
		ServicesEnabled:  license.GrantedServices(cert),
		CertificateID:    cert.CertificateID,
		MachineID:        m.ID,
		CurrentMachines:  cert.Limits.CurrentMachineNumber,
		MaxMachines:      cert.Limits.MaxMachines,
		Bundle:           b,
	}, nil
}

// ValidateParams carries one validation request. Service and DockerImage
// are optional narrowings.
type ValidateParams struct {
	Certificate []byte
	Fingerprint string
	Service     string
	DockerImage string
}

// Validation is a validation verdict. Valid is true for ok and
// grace_period only.
type Validation struct {
	Valid           bool
	Reason          license.Reason
	Tier            license.Tier
	ExpiresAt       string
	DaysLeft        int
	ServicesEnabled []string
}

func refuse(reason license.Reason) *Validation {
	return &Validation{Valid: false, Reason: reason}
}

// Validate checks a presented certificate against the supplied fingerprint,
// the machine registry, the validity window, and the optional service and
// image narrowings. All negatives are verdicts, not errors; ErrRateLimited
// is the exception, raised when the license is over its hourly API budget.
func (e *Engine) Validate(ctx context.Context, p ValidateParams) (*Validation, error) {
	if len(p.Certificate) == 0 {
		return refuse(license.ReasonNotActivated), nil
	}

	cert, err := license.Parse(p.Certificate)
	if err != nil {
		return refuse(license.ReasonCertificateCorrupt), nil
	}
	if err := license.CheckShape(p.Certificate); err != nil {
		e.logger.Debug("certificate failed shape check", "error", err)
		return refuse(license.ReasonCertificateCorrupt), nil
	}
	if cert.Machine.MachineID == "" {
		return refuse(license.ReasonMachineIDMissing), nil
	}
	if cert.Machine.MachineFingerprint == "" {
		return refuse(license.ReasonCertFingerprintMissing), nil
	}
	if cert.Machine.MachineFingerprint != p.Fingerprint {
		return refuse(license.ReasonFingerprintMismatch), nil
	}
	if reason, err := license.VerifyAuthenticity(e.signer.PublicKey(), p.Certificate); reason != license.ReasonOK {
		e.logger.Warn("certificate failed self-check",
			"certificate_id", cert.CertificateID, "reason", reason, "error", err)
		return refuse(reason), nil
	}

	machine, err := e.store.GetMachineByFingerprint(ctx, p.Fingerprint)
	if errors.Is(err, store.ErrMachineNotFound) {
		return refuse(license.ReasonNotActivated), nil
	}
	if err != nil {
		return nil, fmt.Errorf("issuer: look up machine: %w", err)
	}
	if machine.Status == store.StatusRevoked {
		return refuse(license.ReasonRevoked), nil
	}

	if err := e.spendBudget(ctx, machine, cert.Tier); err != nil {
		return nil, err
	}

	expiry, days := cert.ExpiryStatus(e.now().UTC())
	if expiry == license.ReasonExpired || expiry == license.ReasonNoExpiryDate {
		return &Validation{Reason: expiry, Tier: cert.Tier, ExpiresAt: cert.Validity.ValidUntil, DaysLeft: days}, nil
	}

	if p.Service != "" {
		svc, ok := cert.Docker.Services[p.Service]
		if !ok || !svc.Enabled {
			return refuse(license.ReasonServiceNotAllowed), nil
		}
	}
	if p.DockerImage != "" && !imageAllowed(cert, p.DockerImage) {
		return refuse(license.ReasonDockerImageNotAllowed), nil
	}

	if err := e.store.TouchMachine(ctx, machine.ID, e.now().UTC()); err != nil {
		return nil, fmt.Errorf("issuer: touch machine: %w", err)
	}

	return &Validation{
		Valid:           true,
		Reason:          expiry, // ok or grace_period
		Tier:            cert.Tier,
		ExpiresAt:       cert.Validity.ValidUntil,
		DaysLeft:        days,
		ServicesEnabled: license.GrantedServices(cert),
	}, nil
}

// imageAllowed reports whether image equals <image>:<tag> of an enabled
// docker service.
func imageAllowed(cert *license.Certificate, image string) bool {
	for _, svc := range cert.Docker.Services {
		if svc.Enabled && image == fmt.Sprintf("%s:%s", svc.Image, svc.Tag) {
			return true
		}
	}
	return false
}

// HeartbeatParams carries one heartbeat.
type HeartbeatParams struct {
	Fingerprint string
	ServiceName string
}

// HeartbeatResult is the heartbeat verdict.
type HeartbeatResult struct {
	Valid        bool
	Reason       license.Reason
	CustomerName string
	Tier         license.Tier
}

// Heartbeat is the lightweight liveness check agents send between full
// validations: one row read, the revocation gates, one touch.
func (e *Engine) Heartbeat(ctx context.Context, p HeartbeatParams) (*HeartbeatResult, error) {
	machine, err := e.store.GetMachineByFingerprint(ctx, p.Fingerprint)
	if errors.Is(err, store.ErrMachineNotFound) {
		return &HeartbeatResult{Reason: license.ReasonMachineNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("issuer: look up machine: %w", err)
	}
	if machine.Status != store.StatusActive {
		return &HeartbeatResult{Reason: license.ReasonMachineRevoked}, nil
	}

	customer, err := e.store.GetCustomer(ctx, machine.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("issuer: look up customer: %w", err)
	}
	if customer.Revoked {
		return &HeartbeatResult{Reason: license.ReasonCustomerRevoked}, nil
	}

	if err := e.spendBudget(ctx, machine, customer.Tier); err != nil {
		return nil, err
	}

	if err := e.store.TouchMachine(ctx, machine.ID, e.now().UTC()); err != nil {
		return nil, fmt.Errorf("issuer: touch machine: %w", err)
	}

	return &HeartbeatResult{
		Valid:        true,
		Reason:       license.ReasonOK,
		CustomerName: customer.CompanyName,
		Tier:         customer.Tier,
	}, nil
}

// UpgradeParams is an additive change to an existing license. Zero-valued
// fields keep the current certificate's values.
type UpgradeParams struct {
	Fingerprint        string
	NewTier            license.Tier
	AdditionalDays     int
	NewMachineLimit    int
	AdditionalServices []string
	NewImageTags       map[string]string
}

// UpgradeResult reports an upgrade. Bundle is non-nil exactly when Reason
// is ok.
type UpgradeResult struct {
	Reason        license.Reason
	OldTier       license.Tier
	NewTier       license.Tier
	CertificateID string
	Bundle        *bundle.Bundle
}

// Upgrade re-mints a machine's certificate with merged entitlements: the
// service set only grows, added days extend the previous valid_until rather
// than restarting from now, and the upgrade chain records the ancestry.
func (e *Engine) Upgrade(ctx context.Context, p UpgradeParams) (*UpgradeResult, error) {
	machine, err := e.store.GetMachineByFingerprint(ctx, p.Fingerprint)
	if errors.Is(err, store.ErrMachineNotFound) {
		return &UpgradeResult{Reason: license.ReasonMachineNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("issuer: look up machine: %w", err)
	}

	unlock := e.locks.lock(machine.CustomerID)
	defer unlock()

	// Re-read inside the critical section so concurrent upgrades chain
	// instead of clobbering each other.
	machine, err = e.store.GetMachine(ctx, machine.ID)
	if err != nil {
		return nil, fmt.Errorf("issuer: reload machine: %w", err)
	}
	old, err := license.Parse([]byte(machine.Certificate))
	if err != nil {
		return nil, fmt.Errorf("issuer: stored certificate for %s: %w", machine.ID, err)
	}

	newTier := p.NewTier
	if newTier == "" {
		newTier = old.Tier
	}
	if license.GetTier(newTier) == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, newTier)
	}

	services := license.GrantedServices(old)
	for _, svc := range p.AdditionalServices {
		if _, ok := license.ServiceCatalog[svc]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownService, svc)
		}
		if !containsString(services, svc) {
			services = append(services, svc)
		}
	}

	var validUntil time.Time
	if until, err := old.Validity.ValidUntilTime(); err == nil {
		validUntil = until.AddDate(0, 0, p.AdditionalDays)
	}

	maxMachines := old.Limits.MaxMachines
	if p.NewMachineLimit != 0 {
		maxMachines = p.NewMachineLimit
	}

	cert, err := e.minter.Mint(license.MintRequest{
		CustomerID:          old.Customer.CustomerID,
		CustomerName:        old.Customer.CustomerName,
		ProductKey:          old.Customer.ProductKey,
		Tier:                newTier,
		Fingerprint:         machine.Fingerprint,
		Hostname:            machine.Hostname,
		MachineID:           machine.ID,
		MaxMachines:         maxMachines,
		MachineNumber:       old.Limits.CurrentMachineNumber,
		ValidUntil:          validUntil,
		Services:            services,
		ImageTags:           carriedImageTags(old, p.NewImageTags),
		ParentCertificateID: old.CertificateID,
		UpgradeCount:        old.UpgradeChain.UpgradeCount + 1,
		Metadata: map[string]string{
			"upgrade_from_tier": string(old.Tier),
			"upgraded_at":       e.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("issuer: mint upgraded certificate: %w", err)
	}

	raw, err := canonical.Marshal(cert)
	if err != nil {
		return nil, fmt.Errorf("issuer: canonicalize certificate: %w", err)
	}
	if err := e.store.UpdateMachineCertificate(ctx, machine.ID, string(raw)); err != nil {
		return nil, fmt.Errorf("issuer: replace certificate: %w", err)
	}

	e.archivePut(ctx, raw)

	b, err := e.assembleBundle(cert, raw)
	if err != nil {
		return nil, err
	}

	e.logger.Info("machine upgraded",
		"machine_id", machine.ID,
		"certificate_id", cert.CertificateID,
		"parent_certificate_id", old.CertificateID,
		"old_tier", old.Tier,
		"new_tier", newTier)

	return &UpgradeResult{
		Reason:        license.ReasonOK,
		OldTier:       old.Tier,
		NewTier:       newTier,
		CertificateID: cert.CertificateID,
		Bundle:        b,
	}, nil
}

// carriedImageTags keeps explicit tag pins from the old certificate (tags
// that differ from the old tier's default channel) and applies the
// requested overrides on top. Default-channel tags are dropped so they
// re-resolve against the new tier.
func carriedImageTags(old *license.Certificate, overrides map[string]string) map[string]string {
	tags := make(map[string]string)
	for name, svc := range old.Docker.Services {
		if svc.Tag != "" && svc.Tag != string(old.Tier) {
			tags[name] = svc.Tag
		}
	}
	for name, tag := range overrides {
		tags[name] = tag
	}
	return tags
}

// RevokeMachine permanently disables one machine's license.
func (e *Engine) RevokeMachine(ctx context.Context, machineID string) error {
	if err := e.store.SetMachineStatus(ctx, machineID, store.StatusRevoked); err != nil {
		return err //nolint:wrapcheck // sentinel passthrough
	}
	e.logger.Info("machine revoked", "machine_id", machineID)
	return nil
}

// RevokeCustomer permanently disables a customer: activations are refused
// and every machine's next heartbeat comes back customer_revoked.
func (e *Engine) RevokeCustomer(ctx context.Context, customerID string) error {
	if err := e.store.RevokeCustomer(ctx, customerID); err != nil {
		return err //nolint:wrapcheck // sentinel passthrough
	}
	e.logger.Info("customer revoked", "customer_id", customerID)
	return nil
}

// ComposeForMachine regenerates the compose file for an activated machine.
func (e *Engine) ComposeForMachine(ctx context.Context, fp string) (string, error) {
	machine, err := e.store.GetMachineByFingerprint(ctx, fp)
	if err != nil {
		return "", err //nolint:wrapcheck // sentinel passthrough
	}
	cert, err := license.Parse([]byte(machine.Certificate))
	if err != nil {
		return "", fmt.Errorf("issuer: stored certificate for %s: %w", machine.ID, err)
	}
	return Compose(cert)
}

// assembleBundle builds the activation payload around a certificate's
// canonical bytes.
func (e *Engine) assembleBundle(cert *license.Certificate, raw []byte) (*bundle.Bundle, error) {
	compose, err := Compose(cert)
	if err != nil {
		return nil, err
	}
	creds, err := bundle.SealCredentials(cert.Machine.MachineFingerprint, e.registry)
	if err != nil {
		return nil, fmt.Errorf("issuer: seal registry credentials: %w", err)
	}
	pubPEM, err := e.signer.PublicKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("issuer: encode public key: %w", err)
	}
	return &bundle.Bundle{
		Certificate:       raw,
		DockerCredentials: creds,
		ComposeFile:       compose,
		PublicKey:         string(pubPEM),
	}, nil
}

// archivePut records a certificate in the audit archive. The database row
// is the primary record, so archive faults are logged, not fatal.
func (e *Engine) archivePut(ctx context.Context, raw []byte) {
	if e.archive == nil {
		return
	}
	key, err := e.archive.Put(ctx, raw)
	if err != nil {
		e.logger.Error("certificate archive write failed", "error", err)
		return
	}
	e.logger.Debug("certificate archived", "key", key)
}

// spendBudget charges one call against the license's hourly API budget.
func (e *Engine) spendBudget(ctx context.Context, m *store.Machine, fallback license.Tier) error {
	if e.buckets == nil {
		return nil
	}
	ok, err := limiter.Check(ctx, e.buckets, m.Fingerprint, e.budgetPolicy(m, fallback))
	if err != nil {
		return fmt.Errorf("issuer: rate limiter: %w", err)
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}

// budgetPolicy resolves the hourly allowance from the stored certificate's
// frozen limits, falling back to the tier table.
func (e *Engine) budgetPolicy(m *store.Machine, fallback license.Tier) limiter.Policy {
	if cert, err := license.Parse([]byte(m.Certificate)); err == nil && cert.Limits.APIRateLimitPerHour != 0 {
		return limiter.Policy{PerHour: cert.Limits.APIRateLimitPerHour}
	}
	if def := license.GetTier(fallback); def != nil {
		return limiter.Policy{PerHour: def.Limits.APIRateLimitPerHour}
	}
	return limiter.Policy{PerHour: license.Unlimited}
}

// customerServices returns the customer's contractual service override, or
// nil to use the tier defaults.
func customerServices(c *store.Customer) []string {
	if len(c.AllowedServices) == 0 {
		return nil
	}
	return c.AllowedServices
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// keyPrefixForLog returns the first key segment so logs never carry a full
// product key.
func keyPrefixForLog(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '-' {
			return key[:i]
		}
	}
	if len(key) > 4 {
		return key[:4]
	}
	return key
}
