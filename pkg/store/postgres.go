package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/wardenhq/warden/pkg/license"
)

// PostgresStore persists the authority's state in PostgreSQL. Certificates
// and service lists are stored as JSONB so deployments can inspect them
// with SQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS customers (
	id TEXT PRIMARY KEY,
	company_name TEXT NOT NULL,
	product_key TEXT UNIQUE NOT NULL,
	tier TEXT NOT NULL DEFAULT 'basic',
	machine_limit INT NOT NULL DEFAULT 3,
	valid_days INT NOT NULL DEFAULT 365,
	allowed_services JSONB,
	revoked BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS machines (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL REFERENCES customers(id),
	fingerprint TEXT UNIQUE NOT NULL,
	hostname TEXT,
	os_info TEXT,
	app_version TEXT,
	ip_address TEXT,
	certificate JSONB,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMP NOT NULL,
	last_seen TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_machines_customer ON machines(customer_id);
`

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgSchema)
	return err
}

func (s *PostgresStore) CreateCustomer(ctx context.Context, c *Customer) error {
	query := `
		INSERT INTO customers (id, company_name, product_key, tier, machine_limit, valid_days, allowed_services, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	servicesJSON, _ := json.Marshal(c.AllowedServices)
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.CompanyName, c.ProductKey, string(c.Tier), c.MachineLimit, c.ValidDays,
		servicesJSON, c.Revoked, c.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateProductKey
		}
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`
	return scanPGCustomer(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) GetCustomerByProductKey(ctx context.Context, productKey string) (*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE product_key = $1`
	return scanPGCustomer(s.db.QueryRowContext(ctx, query, productKey))
}

func (s *PostgresStore) ListCustomers(ctx context.Context) ([]*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var customers []*Customer
	for rows.Next() {
		c, err := scanPGCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (s *PostgresStore) RevokeCustomer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE customers SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke customer: %w", err)
	}
	return requireRowFound(res, ErrCustomerNotFound)
}

func (s *PostgresStore) CreateMachine(ctx context.Context, m *Machine) error {
	query := `
		INSERT INTO machines (id, customer_id, fingerprint, hostname, os_info, app_version, ip_address, certificate, status, created_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.CustomerID, m.Fingerprint, m.Hostname, m.OSInfo, m.AppVersion, m.IPAddress,
		m.Certificate, m.Status, m.CreatedAt.UTC(), m.LastSeen.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateFingerprint
		}
		return fmt.Errorf("insert machine: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMachine(ctx context.Context, id string) (*Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE id = $1`
	return scanPGMachine(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) GetMachineByFingerprint(ctx context.Context, fingerprint string) (*Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE fingerprint = $1`
	return scanPGMachine(s.db.QueryRowContext(ctx, query, fingerprint))
}

func (s *PostgresStore) ListMachines(ctx context.Context, customerID string) ([]*Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE customer_id = $1 ORDER BY created_at DESC`
	return s.queryMachines(ctx, query, customerID)
}

func (s *PostgresStore) ListMachinesByStatus(ctx context.Context, status string) ([]*Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE status = $1 ORDER BY created_at DESC`
	return s.queryMachines(ctx, query, status)
}

func (s *PostgresStore) queryMachines(ctx context.Context, query string, arg any) ([]*Machine, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var machines []*Machine
	for rows.Next() {
		m, err := scanPGMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (s *PostgresStore) CountActiveMachines(ctx context.Context, customerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM machines WHERE customer_id = $1 AND status = $2`,
		customerID, StatusActive,
	).Scan(&n)
	return n, err
}

func (s *PostgresStore) TouchMachine(ctx context.Context, id string, seen time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET last_seen = $1 WHERE id = $2`, seen.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touch machine: %w", err)
	}
	return requireRowFound(res, ErrMachineNotFound)
}

func (s *PostgresStore) UpdateMachineCertificate(ctx context.Context, id string, certificate string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET certificate = $1 WHERE id = $2`, certificate, id,
	)
	if err != nil {
		return fmt.Errorf("update certificate: %w", err)
	}
	return requireRowFound(res, ErrMachineNotFound)
}

func (s *PostgresStore) SetMachineStatus(ctx context.Context, id string, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET status = $1 WHERE id = $2`, status, id,
	)
	if err != nil {
		return fmt.Errorf("set machine status: %w", err)
	}
	return requireRowFound(res, ErrMachineNotFound)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanPGCustomer(row scanner) (*Customer, error) {
	var (
		c            Customer
		tier         string
		servicesJSON []byte
		createdAt    time.Time
	)
	err := row.Scan(&c.ID, &c.CompanyName, &c.ProductKey, &tier, &c.MachineLimit,
		&c.ValidDays, &servicesJSON, &c.Revoked, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	c.Tier = license.Tier(tier)
	c.CreatedAt = createdAt
	if len(servicesJSON) > 0 {
		_ = json.Unmarshal(servicesJSON, &c.AllowedServices)
	}
	return &c, nil
}

func scanPGMachine(row scanner) (*Machine, error) {
	var (
		m           Machine
		hostname    sql.NullString
		osInfo      sql.NullString
		appVersion  sql.NullString
		ipAddress   sql.NullString
		certificate []byte
		createdAt   time.Time
		lastSeen    time.Time
	)
	err := row.Scan(&m.ID, &m.CustomerID, &m.Fingerprint, &hostname, &osInfo,
		&appVersion, &ipAddress, &certificate, &m.Status, &createdAt, &lastSeen)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrMachineNotFound
		}
		return nil, err
	}
	m.Hostname = hostname.String
	m.OSInfo = osInfo.String
	m.AppVersion = appVersion.String
	m.IPAddress = ipAddress.String
	m.Certificate = string(certificate)
	m.CreatedAt = createdAt
	m.LastSeen = lastSeen
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key value")
}
