// Package client is the typed Go client for the licensing API. The agent
// and the CLI both go through it; nothing here depends on server internals.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wardenhq/warden/pkg/api/wire"
	"github.com/wardenhq/warden/pkg/license"
)

// APIError is returned when the authority responds with a problem detail.
type APIError struct {
	Status int
	Title  string
	Detail string
	Reason license.Reason
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("warden api %d: %s (%s)", e.Status, e.Detail, e.Reason)
	}
	return fmt.Sprintf("warden api %d: %s", e.Status, e.Detail)
}

// problem mirrors the server's RFC 7807 body.
type problem struct {
	Title  string         `json:"title"`
	Status int            `json:"status"`
	Detail string         `json:"detail"`
	Reason license.Reason `json:"reason"`
}

// Client talks to one license authority.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTPClient = h }
}

// New creates a client for the authority at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.send(ctx, method, path, "", body, out)
}

// send is the request core shared by the public and admin surfaces. bearer,
// when non-empty, is sent as an Authorization header.
func (c *Client) send(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("client: decode response: %w", err)
		}
	}
	return nil
}

// raw issues a GET and returns the body bytes for non-JSON payloads.
func (c *Client) raw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, apiError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("client: read response: %w", err)
	}
	return data, nil
}

func apiError(resp *http.Response) error {
	var p problem
	if err := json.NewDecoder(resp.Body).Decode(&p); err == nil && p.Status != 0 {
		return &APIError{Status: resp.StatusCode, Title: p.Title, Detail: p.Detail, Reason: p.Reason}
	}
	return &APIError{Status: resp.StatusCode, Detail: "unknown error"}
}

// Activate calls POST /api/v1/activate.
func (c *Client) Activate(ctx context.Context, req wire.ActivateRequest) (*wire.ActivateResponse, error) {
	var out wire.ActivateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/activate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate calls POST /api/v1/validate. Negative verdicts are a nil error
// with Valid=false; only transport and HTTP-level failures error.
func (c *Client) Validate(ctx context.Context, req wire.ValidateRequest) (*wire.ValidateResponse, error) {
	var out wire.ValidateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/validate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat calls POST /api/v1/heartbeat.
func (c *Client) Heartbeat(ctx context.Context, req wire.HeartbeatRequest) (*wire.HeartbeatResponse, error) {
	var out wire.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/heartbeat", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upgrade calls POST /api/v1/upgrade.
func (c *Client) Upgrade(ctx context.Context, req wire.UpgradeRequest) (*wire.UpgradeResponse, error) {
	var out wire.UpgradeResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/upgrade", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PublicKey calls GET /api/v1/public-key and returns the PEM bytes.
func (c *Client) PublicKey(ctx context.Context) ([]byte, error) {
	return c.raw(ctx, "/api/v1/public-key")
}

// Compose calls GET /api/v1/compose/{fingerprint} and returns the YAML.
func (c *Client) Compose(ctx context.Context, fingerprint string) ([]byte, error) {
	return c.raw(ctx, "/api/v1/compose/"+fingerprint)
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*wire.HealthResponse, error) {
	var out wire.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
