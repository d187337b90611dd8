// Package store persists customers and machine activations for the license
// authority. Two backends exist: SQLite (modernc.org/sqlite, the default for
// single-node deployments) and PostgreSQL (lib/pq). Both keep the full
// signed certificate JSON on the machine row; the certificate blob, not the
// row, is the source of truth for validity windows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wardenhq/warden/pkg/license"
)

// Machine lifecycle states. Revocation is sticky: a revoked machine never
// returns to active.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
	StatusExpired = "expired"
)

// Sentinel errors the issuer maps to wire reasons. Infrastructure faults
// are returned as-is.
var (
	ErrCustomerNotFound     = errors.New("store: customer not found")
	ErrMachineNotFound      = errors.New("store: machine not found")
	ErrDuplicateProductKey  = errors.New("store: product key already in use")
	ErrDuplicateFingerprint = errors.New("store: fingerprint already bound")
)

// Customer is one license holder. AllowedServices overrides the tier's
// service list when non-empty (custom contracts).
type Customer struct {
	ID              string
	CompanyName     string
	ProductKey      string
	Tier            license.Tier
	MachineLimit    int
	ValidDays       int
	AllowedServices []string
	Revoked         bool
	CreatedAt       time.Time
}

// Machine is one activated installation. Certificate holds the full signed
// JSON document exactly as issued.
type Machine struct {
	ID          string
	CustomerID  string
	Fingerprint string
	Hostname    string
	OSInfo      string
	AppVersion  string
	IPAddress   string
	Certificate string
	Status      string
	CreatedAt   time.Time
	LastSeen    time.Time
}

// Store is the persistence contract the issuer engine runs against.
type Store interface {
	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	GetCustomerByProductKey(ctx context.Context, productKey string) (*Customer, error)
	ListCustomers(ctx context.Context) ([]*Customer, error)
	RevokeCustomer(ctx context.Context, id string) error

	CreateMachine(ctx context.Context, m *Machine) error
	GetMachine(ctx context.Context, id string) (*Machine, error)
	GetMachineByFingerprint(ctx context.Context, fingerprint string) (*Machine, error)
	ListMachines(ctx context.Context, customerID string) ([]*Machine, error)
	ListMachinesByStatus(ctx context.Context, status string) ([]*Machine, error)
	CountActiveMachines(ctx context.Context, customerID string) (int, error)
	TouchMachine(ctx context.Context, id string, seen time.Time) error
	UpdateMachineCertificate(ctx context.Context, id string, certificate string) error
	SetMachineStatus(ctx context.Context, id string, status string) error

	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the configured backend and runs its migration.
// driver is "sqlite" or "postgres"; dsn is a file path (SQLite) or
// connection string (PostgreSQL).
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "":
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		return NewSQLiteStore(db)
	case "postgres":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		s := NewPostgresStore(db)
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("store: init postgres schema: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}
