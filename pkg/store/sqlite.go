package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wardenhq/warden/pkg/license"
)

// SQLiteStore persists the authority's state in a single SQLite file.
// Timestamps are stored as RFC 3339 strings.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS customers (
        id TEXT PRIMARY KEY,
        company_name TEXT NOT NULL,
        product_key TEXT UNIQUE NOT NULL,
        tier TEXT NOT NULL DEFAULT 'basic',
        machine_limit INTEGER NOT NULL DEFAULT 3,
        valid_days INTEGER NOT NULL DEFAULT 365,
        allowed_services TEXT,
        revoked INTEGER NOT NULL DEFAULT 0,
        created_at DATETIME
    );

    CREATE TABLE IF NOT EXISTS machines (
        id TEXT PRIMARY KEY,
        customer_id TEXT NOT NULL,
        fingerprint TEXT UNIQUE NOT NULL,
        hostname TEXT,
        os_info TEXT,
        app_version TEXT,
        ip_address TEXT,
        certificate TEXT,
        status TEXT NOT NULL DEFAULT 'active',
        created_at DATETIME,
        last_seen DATETIME,
        FOREIGN KEY (customer_id) REFERENCES customers(id)
    );

    CREATE INDEX IF NOT EXISTS idx_machines_customer ON machines(customer_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) CreateCustomer(ctx context.Context, c *Customer) error {
	query := `INSERT INTO customers (
		id, company_name, product_key, tier, machine_limit, valid_days, allowed_services, revoked, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	servicesJSON, _ := json.Marshal(c.AllowedServices)
	createdAt := c.CreatedAt.UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.CompanyName, c.ProductKey, string(c.Tier), c.MachineLimit, c.ValidDays,
		string(servicesJSON), boolToInt(c.Revoked), createdAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateProductKey
		}
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

const customerColumns = `id, company_name, product_key, tier, machine_limit, valid_days, allowed_services, revoked, created_at`

func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = ?`
	return scanCustomer(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) GetCustomerByProductKey(ctx context.Context, productKey string) (*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE product_key = ?`
	return scanCustomer(s.db.QueryRowContext(ctx, query, productKey))
}

func (s *SQLiteStore) ListCustomers(ctx context.Context) ([]*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var customers []*Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (s *SQLiteStore) RevokeCustomer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE customers SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke customer: %w", err)
	}
	return requireRowFound(res, ErrCustomerNotFound)
}

func (s *SQLiteStore) CreateMachine(ctx context.Context, m *Machine) error {
	query := `INSERT INTO machines (
		id, customer_id, fingerprint, hostname, os_info, app_version, ip_address, certificate, status, created_at, last_seen
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.CustomerID, m.Fingerprint, m.Hostname, m.OSInfo, m.AppVersion, m.IPAddress,
		m.Certificate, m.Status,
		m.CreatedAt.UTC().Format(time.RFC3339Nano), m.LastSeen.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateFingerprint
		}
		return fmt.Errorf("insert machine: %w", err)
	}
	return nil
}

const machineColumns = `id, customer_id, fingerprint, hostname, os_info, app_version, ip_address, certificate, status, created_at, last_seen`

func (s *SQLiteStore) GetMachine(ctx context.Context, id string) (*Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE id = ?`
	return scanMachine(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) GetMachineByFingerprint(ctx context.Context, fingerprint string) (*Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE fingerprint = ?`
	return scanMachine(s.db.QueryRowContext(ctx, query, fingerprint))
}

func (s *SQLiteStore) ListMachines(ctx context.Context, customerID string) ([]*Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE customer_id = ? ORDER BY created_at DESC`
	return s.queryMachines(ctx, query, customerID)
}

func (s *SQLiteStore) ListMachinesByStatus(ctx context.Context, status string) ([]*Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE status = ? ORDER BY created_at DESC`
	return s.queryMachines(ctx, query, status)
}

func (s *SQLiteStore) queryMachines(ctx context.Context, query string, arg any) ([]*Machine, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var machines []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (s *SQLiteStore) CountActiveMachines(ctx context.Context, customerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM machines WHERE customer_id = ? AND status = ?`,
		customerID, StatusActive,
	).Scan(&n)
	return n, err
}

func (s *SQLiteStore) TouchMachine(ctx context.Context, id string, seen time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET last_seen = ? WHERE id = ?`,
		seen.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("touch machine: %w", err)
	}
	return requireRowFound(res, ErrMachineNotFound)
}

func (s *SQLiteStore) UpdateMachineCertificate(ctx context.Context, id string, certificate string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET certificate = ? WHERE id = ?`, certificate, id,
	)
	if err != nil {
		return fmt.Errorf("update certificate: %w", err)
	}
	return requireRowFound(res, ErrMachineNotFound)
}

func (s *SQLiteStore) SetMachineStatus(ctx context.Context, id string, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET status = ? WHERE id = ?`, status, id,
	)
	if err != nil {
		return fmt.Errorf("set machine status: %w", err)
	}
	return requireRowFound(res, ErrMachineNotFound)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row scanner) (*Customer, error) {
	var (
		c            Customer
		tier         string
		servicesJSON sql.NullString
		revoked      int
		createdAt    sql.NullString
	)
	err := row.Scan(&c.ID, &c.CompanyName, &c.ProductKey, &tier, &c.MachineLimit,
		&c.ValidDays, &servicesJSON, &revoked, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	c.Tier = license.Tier(tier)
	c.Revoked = revoked != 0
	c.CreatedAt = parseTime(createdAt.String)
	if servicesJSON.Valid && servicesJSON.String != "" {
		_ = json.Unmarshal([]byte(servicesJSON.String), &c.AllowedServices)
	}
	return &c, nil
}

func scanMachine(row scanner) (*Machine, error) {
	var (
		m           Machine
		hostname    sql.NullString
		osInfo      sql.NullString
		appVersion  sql.NullString
		ipAddress   sql.NullString
		certificate sql.NullString
		createdAt   sql.NullString
		lastSeen    sql.NullString
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
	m.Certificate = certificate.String
	m.CreatedAt = parseTime(createdAt.String)
	m.LastSeen = parseTime(lastSeen.String)
	return &m, nil
}

func requireRowFound(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
