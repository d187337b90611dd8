package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/api/wire"
	"github.com/wardenhq/warden/pkg/issuer"
	"github.com/wardenhq/warden/pkg/license"
	"github.com/wardenhq/warden/pkg/store"
)

func customerToWire(c *store.Customer) wire.Customer {
	return wire.Customer{
		ID:              c.ID,
		CompanyName:     c.CompanyName,
		ProductKey:      c.ProductKey,
		Tier:            c.Tier,
		MachineLimit:    c.MachineLimit,
		ValidDays:       c.ValidDays,
		AllowedServices: c.AllowedServices,
		Revoked:         c.Revoked,
		CreatedAt:       c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func machineToWire(m *store.Machine) wire.Machine {
	return wire.Machine{
		ID:          m.ID,
		CustomerID:  m.CustomerID,
		Fingerprint: m.Fingerprint,
		Hostname:    m.Hostname,
		OSInfo:      m.OSInfo,
		AppVersion:  m.AppVersion,
		IPAddress:   m.IPAddress,
		Status:      m.Status,
		CreatedAt:   m.CreatedAt.UTC().Format(time.RFC3339),
		LastSeen:    m.LastSeen.UTC().Format(time.RFC3339),
	}
}

// handleAdminCustomers serves POST (create) and GET (list) on the customers
// collection.
func (s *Server) handleAdminCustomers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createCustomer(w, r)
	case http.MethodGet:
		s.listCustomers(w, r)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) createCustomer(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateCustomerRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if req.CompanyName == "" || req.Tier == "" {
		WriteBadRequest(w, "Missing required fields: company_name, tier")
		return
	}

	customer, err := s.engine.CreateCustomer(r.Context(), issuer.CreateCustomerParams{
		CompanyName:  req.CompanyName,
		Tier:         req.Tier,
		MachineLimit: req.MachineLimit,
		ValidDays:    req.ValidDays,
		Services:     req.Services,
	})
	if errors.Is(err, issuer.ErrUnknownTier) || errors.Is(err, issuer.ErrUnknownService) {
		WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, customerToWire(customer))
}

func (s *Server) listCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := s.engine.ListCustomers(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}

	resp := wire.CustomersResponse{Customers: make([]wire.Customer, 0, len(customers))}
	for _, c := range customers {
		resp.Customers = append(resp.Customers, customerToWire(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAdminCustomer serves GET /api/v1/admin/customers/{id}.
func (s *Server) handleAdminCustomer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/admin/customers/")
	if id == "" || strings.Contains(id, "/") {
		WriteNotFound(w, "Expected /api/v1/admin/customers/{id}")
		return
	}

	customer, machines, err := s.engine.GetCustomer(r.Context(), id)
	if errors.Is(err, store.ErrCustomerNotFound) {
		WriteNotFound(w, "No customer with that id")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	detail := wire.CustomerDetail{
		Customer: customerToWire(customer),
		Machines: make([]wire.Machine, 0, len(machines)),
	}
	for _, m := range machines {
		detail.Machines = append(detail.Machines, machineToWire(m))
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleAdminTiers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	ids := license.TierIDs()
	resp := wire.TiersResponse{Tiers: make([]wire.TierInfo, 0, len(ids))}
	for _, id := range ids {
		def := license.GetTier(id)
		resp.Tiers = append(resp.Tiers, wire.TierInfo{
			ID:          def.ID,
			Name:        def.Name,
			Description: def.Description,
			Limits: wire.TierLimits{
				MaxMachines:         def.Limits.MaxMachines,
				ValidDays:           def.Limits.ValidDays,
				ConcurrentSessions:  def.Limits.ConcurrentSessions,
				APIRateLimitPerHour: def.Limits.APIRateLimitPerHour,
			},
			Services: def.Services,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRevokeMachine serves POST /api/v1/admin/revoke/machine/{id}.
func (s *Server) handleRevokeMachine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/admin/revoke/machine/")
	if id == "" || strings.Contains(id, "/") {
		WriteNotFound(w, "Expected /api/v1/admin/revoke/machine/{id}")
		return
	}

	err := s.engine.RevokeMachine(r.Context(), id)
	if errors.Is(err, store.ErrMachineNotFound) {
		WriteNotFound(w, "No machine with that id")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.RevokeResponse{Success: true, ID: id, Status: store.StatusRevoked})
}

// handleRevokeCustomer serves POST /api/v1/admin/revoke/customer/{id}.
func (s *Server) handleRevokeCustomer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/admin/revoke/customer/")
	if id == "" || strings.Contains(id, "/") {
		WriteNotFound(w, "Expected /api/v1/admin/revoke/customer/{id}")
		return
	}

	err := s.engine.RevokeCustomer(r.Context(), id)
	if errors.Is(err, store.ErrCustomerNotFound) {
		WriteNotFound(w, "No customer with that id")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.RevokeResponse{Success: true, ID: id, Status: store.StatusRevoked})
}
