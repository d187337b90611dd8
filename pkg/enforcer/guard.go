package enforcer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/api/wire"
	"github.com/wardenhq/warden/pkg/client"
	"github.com/wardenhq/warden/pkg/license"
)

// State is where the guard currently sits in its lifecycle.
type State string

const (
	StateUnactivated State = "UNACTIVATED"
	StateValidating  State = "VALIDATING"
	StateRunning     State = "RUNNING"
	StateGrace       State = "GRACE"
	StateInvalid     State = "INVALID"
	StateTerminated  State = "TERMINATED"
)

// ErrNotActivated is returned by Run when no bundle is installed. Nothing
// was started, so nothing is torn down.
var ErrNotActivated = errors.New("enforcer: machine is not activated")

// ServiceController starts and stops the deployment the license protects.
type ServiceController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NopController manages nothing. Useful when the deployment lifecycle is
// owned elsewhere and the guard only watches the license.
type NopController struct{}

func (NopController) Start(context.Context) error { return nil }
func (NopController) Stop(context.Context) error  { return nil }

// Checker produces a local verification report. *Verifier is the real
// implementation.
type Checker interface {
	Check(ctx context.Context, service string) *Report
}

// AuthorityProbe asks the license authority whether a machine is still in
// good standing.
type AuthorityProbe interface {
	Heartbeat(ctx context.Context, fingerprint, service string) (license.Reason, error)
}

// RemoteProbe is the AuthorityProbe backed by the HTTP client.
type RemoteProbe struct {
	Client *client.Client
}

func (p RemoteProbe) Heartbeat(ctx context.Context, fingerprint, service string) (license.Reason, error) {
	resp, err := p.Client.Heartbeat(ctx, wire.HeartbeatRequest{
		MachineFingerprint: fingerprint,
		ServiceName:        service,
	})
	if err != nil {
		return "", err
	}
	return resp.Reason, nil
}

// GuardOptions configures a Guard. Checker is required; everything else
// has a usable default.
type GuardOptions struct {
	Checker    Checker
	Controller ServiceController
	// Probe is optional. Without one the guard runs fully offline.
	Probe AuthorityProbe
	// Service narrows verification to one granted service.
	Service string
	// Interval between revalidations. Defaults to one hour.
	Interval time.Duration
	// HeartbeatTimeout bounds each authority call. Defaults to three
	// seconds so a dead authority never stalls the loop.
	HeartbeatTimeout time.Duration
	// Page, when set, is served on the protected port after termination.
	Page   *ErrorPage
	Logger *slog.Logger
}

// Status is a point-in-time snapshot of the guard.
type Status struct {
	State State
	// Reason is the governing verdict: the local one while healthy, the
	// fatal one once terminated.
	Reason license.Reason
	// Heartbeat is the authority's last answer, or server_check_skipped
	// when it could not be reached.
	Heartbeat license.Reason
	DaysLeft  int
	CheckedAt time.Time
}

// Guard keeps a deployment alive exactly as long as its license holds.
// It verifies locally, heartbeats the authority on a best-effort basis,
// and tears the deployment down once when the license affirmatively
// fails. An unreachable authority alone never terminates anything.
type Guard struct {
	checker    Checker
	controller ServiceController
	probe      AuthorityProbe
	service    string
	interval   time.Duration
	hbTimeout  time.Duration
	page       *ErrorPage
	logger     *slog.Logger

	mu     sync.Mutex
	status Status

	stopOnce sync.Once
}

// NewGuard validates the options and builds a Guard.
func NewGuard(opts GuardOptions) (*Guard, error) {
	if opts.Checker == nil {
		return nil, errors.New("enforcer: checker is required")
	}
	if opts.Controller == nil {
		opts.Controller = NopController{}
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Guard{
		checker:    opts.Checker,
		controller: opts.Controller,
		probe:      opts.Probe,
		service:    opts.Service,
		interval:   opts.Interval,
		hbTimeout:  opts.HeartbeatTimeout,
		page:       opts.Page,
		logger:     opts.Logger,
		status:     Status{State: StateUnactivated},
	}, nil
}

// Status returns the latest snapshot. Safe to call from any goroutine.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Run verifies the license, starts the deployment, and revalidates on the
// configured interval until the context is cancelled or the license fails.
//
// Cancelling the context stops the guard and leaves the deployment
// running; it returns nil. A license failure stops the deployment exactly
// once, serves the error page if one is configured, and returns an error
// naming the reason. ErrNotActivated reports a machine with no bundle.
func (g *Guard) Run(ctx context.Context) error {
	g.setState(StateValidating)

	rep, fatal := g.verdict(ctx)
	if rep.Reason == license.ReasonNotActivated {
		g.setState(StateUnactivated)
		return ErrNotActivated
	}
	if fatal != "" {
		return g.terminate(ctx, fatal)
	}

	if err := g.controller.Start(ctx); err != nil {
		return fmt.Errorf("enforcer: start services: %w", err)
	}
	g.enterRunState(rep)
	g.logger.Info("license verified, services up",
		"reason", string(rep.Reason),
		"days_left", rep.DaysLeft,
		"next_check_in", g.interval.String(),
	)

	timer := time.NewTimer(g.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("guard stopping, services left running")
			return nil
		case <-timer.C:
		}

		rep, fatal = g.verdict(ctx)
		if ctx.Err() != nil {
			// A check aborted by shutdown is not a verdict.
			return nil
		}
		if fatal != "" {
			return g.terminate(ctx, fatal)
		}
		g.enterRunState(rep)
		timer.Reset(g.interval)
	}
}

// verdict runs one local check plus the best-effort heartbeat and records
// the result. The returned fatal reason is empty while the license holds;
// only a failed local check or an affirmative revocation from the
// authority populates it.
func (g *Guard) verdict(ctx context.Context) (*Report, license.Reason) {
	rep := g.checker.Check(ctx, g.service)

	hb := license.ReasonServerCheckSkipped
	if g.probe != nil && rep.Reason.Valid() {
		hctx, cancel := context.WithTimeout(ctx, g.hbTimeout)
		reason, err := g.probe.Heartbeat(hctx, rep.Fingerprint, g.service)
		cancel()
		switch {
		case err != nil:
			g.logger.Warn("license authority unreachable, continuing on local verdict", "error", err)
		case reason == license.ReasonMachineRevoked || reason == license.ReasonCustomerRevoked:
			hb = reason
		default:
			hb = reason
			if !reason.Valid() {
				g.logger.Warn("authority verdict is not an affirmative revocation, ignoring",
					"reason", string(reason))
			}
		}
	}
	g.record(rep, hb)

	if !rep.Reason.Valid() {
		return rep, rep.Reason
	}
	if hb == license.ReasonMachineRevoked || hb == license.ReasonCustomerRevoked {
		return rep, hb
	}
	return rep, ""
}

// terminate moves to INVALID, stops the deployment exactly once, raises
// the error page, and lands in TERMINATED.
func (g *Guard) terminate(ctx context.Context, reason license.Reason) error {
	g.mu.Lock()
	g.status.State = StateInvalid
	g.status.Reason = reason
	g.mu.Unlock()
	g.logger.Error("license invalid, stopping services", "reason", string(reason))

	var stopErr error
	g.stopOnce.Do(func() {
		stopErr = g.controller.Stop(ctx)
		if g.page != nil {
			if err := g.page.Serve(reason); err != nil {
				g.logger.Warn("error page unavailable", "error", err)
			}
		}
	})
	if stopErr != nil {
		g.logger.Error("service stop failed", "error", stopErr)
	}
	g.setState(StateTerminated)
	return fmt.Errorf("enforcer: license invalid: %s", reason)
}

func (g *Guard) enterRunState(rep *Report) {
	st := StateRunning
	if rep.Reason == license.ReasonGracePeriod {
		st = StateGrace
		g.logger.Warn("license expired, running on grace period", "days_left", rep.DaysLeft)
	}
	g.setState(st)
}

func (g *Guard) setState(st State) {
	g.mu.Lock()
	g.status.State = st
	g.mu.Unlock()
}

func (g *Guard) record(rep *Report, hb license.Reason) {
	g.mu.Lock()
	g.status.Reason = rep.Reason
	g.status.Heartbeat = hb
	g.status.DaysLeft = rep.DaysLeft
	g.status.CheckedAt = time.Now()
	g.mu.Unlock()
}
