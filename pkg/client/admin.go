package client

import (
	"context"
	"net/http"

	"github.com/wardenhq/warden/pkg/api/wire"
)

// Admin talks to the authority's admin endpoints. It carries a bearer token
// minted from the shared admin secret; the token's lifetime bounds the
// session, so mint a fresh Admin per invocation rather than holding one.
type Admin struct {
	c     *Client
	token string
}

// NewAdmin wraps a Client with an admin bearer token.
func NewAdmin(c *Client, token string) *Admin {
	return &Admin{c: c, token: token}
}

// CreateCustomer calls POST /api/v1/admin/customers.
func (a *Admin) CreateCustomer(ctx context.Context, req wire.CreateCustomerRequest) (*wire.Customer, error) {
	var out wire.Customer
	if err := a.c.send(ctx, http.MethodPost, "/api/v1/admin/customers", a.token, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCustomers calls GET /api/v1/admin/customers.
func (a *Admin) ListCustomers(ctx context.Context) ([]wire.Customer, error) {
	var out wire.CustomersResponse
	if err := a.c.send(ctx, http.MethodGet, "/api/v1/admin/customers", a.token, nil, &out); err != nil {
		return nil, err
	}
	return out.Customers, nil
}

// GetCustomer calls GET /api/v1/admin/customers/{id}.
func (a *Admin) GetCustomer(ctx context.Context, id string) (*wire.CustomerDetail, error) {
	var out wire.CustomerDetail
	if err := a.c.send(ctx, http.MethodGet, "/api/v1/admin/customers/"+id, a.token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tiers calls GET /api/v1/admin/tiers.
func (a *Admin) Tiers(ctx context.Context) ([]wire.TierInfo, error) {
	var out wire.TiersResponse
	if err := a.c.send(ctx, http.MethodGet, "/api/v1/admin/tiers", a.token, nil, &out); err != nil {
		return nil, err
	}
	return out.Tiers, nil
}

// RevokeMachine calls POST /api/v1/admin/revoke/machine/{id}.
func (a *Admin) RevokeMachine(ctx context.Context, id string) (*wire.RevokeResponse, error) {
	var out wire.RevokeResponse
	if err := a.c.send(ctx, http.MethodPost, "/api/v1/admin/revoke/machine/"+id, a.token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeCustomer calls POST /api/v1/admin/revoke/customer/{id}. Revocation
// cascades to every machine the customer has activated.
func (a *Admin) RevokeCustomer(ctx context.Context, id string) (*wire.RevokeResponse, error) {
	var out wire.RevokeResponse
	if err := a.c.send(ctx, http.MethodPost, "/api/v1/admin/revoke/customer/"+id, a.token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
