package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/wardenhq/warden/pkg/issuer"
	"github.com/wardenhq/warden/pkg/observability"
)

// ServiceVersion is reported by /health and the root endpoint.
const ServiceVersion = "3.0.0"

// Options configures the API server.
type Options struct {
	Engine *issuer.Engine

	// AdminSecret signs and verifies admin bearer tokens. Empty keeps the
	// admin surface locked.
	AdminSecret string

	// MinAppVersion, when set, is the lowest client app_version accepted
	// on activation. Must parse as semver.
	MinAppVersion string

	// RateLimitPerSecond and RateLimitBurst shape the per-IP limiter.
	// Zero values fall back to 10 rps / burst 20.
	RateLimitPerSecond float64
	RateLimitBurst     int

	// Telemetry, when set, traces every request and feeds the RED
	// instruments.
	Telemetry *observability.Provider

	Logger *slog.Logger
}

// Server exposes the license authority over HTTP.
type Server struct {
	engine        *issuer.Engine
	adminSecret   string
	minAppVersion *semver.Version
	limiter       *GlobalRateLimiter
	telemetry     *observability.Provider
	logger        *slog.Logger

	httpServer *http.Server
}

// NewServer wires the engine into the HTTP surface.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("api: engine is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var floor *semver.Version
	if opts.MinAppVersion != "" {
		v, err := semver.NewVersion(opts.MinAppVersion)
		if err != nil {
			return nil, fmt.Errorf("api: min app version %q: %w", opts.MinAppVersion, err)
		}
		floor = v
	}

	rps := opts.RateLimitPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := opts.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}

	return &Server{
		engine:        opts.Engine,
		adminSecret:   opts.AdminSecret,
		minAppVersion: floor,
		limiter:       NewGlobalRateLimiter(rps, burst),
		telemetry:     opts.Telemetry,
		logger:        logger,
	}, nil
}

// Handler builds the full middleware and routing chain. Exposed separately
// from ListenAndServe so tests can drive it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/activate", s.handleActivate)
	mux.HandleFunc("/api/v1/validate", s.handleValidate)
	mux.HandleFunc("/api/v1/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/api/v1/upgrade", s.handleUpgrade)
	mux.HandleFunc("/api/v1/public-key", s.handlePublicKey)
	mux.HandleFunc("/api/v1/compose/", s.handleCompose)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	admin := AdminAuth(s.adminSecret)
	mux.Handle("/api/v1/admin/customers", admin(http.HandlerFunc(s.handleAdminCustomers)))
	mux.Handle("/api/v1/admin/customers/", admin(http.HandlerFunc(s.handleAdminCustomer)))
	mux.Handle("/api/v1/admin/tiers", admin(http.HandlerFunc(s.handleAdminTiers)))
	mux.Handle("/api/v1/admin/revoke/machine/", admin(http.HandlerFunc(s.handleRevokeMachine)))
	mux.Handle("/api/v1/admin/revoke/customer/", admin(http.HandlerFunc(s.handleRevokeCustomer)))

	var handler http.Handler = mux
	handler = s.limiter.Middleware(handler)
	if s.telemetry != nil {
		handler = Telemetry(s.telemetry)(handler)
	}
	handler = RequestLogger(s.logger)(handler)
	return RequestIDMiddleware(handler)
}

// ListenAndServe starts the HTTP server with production timeouts and blocks
// until it stops.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("license authority listening", "addr", addr, "version", ServiceVersion)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
