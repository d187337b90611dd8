package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/wardenhq/warden/pkg/bundle"
	"github.com/wardenhq/warden/pkg/client"
	"github.com/wardenhq/warden/pkg/enforcer"
)

// runGuard starts the stack under enforcement and blocks. On SIGINT/SIGTERM
// the guard exits and leaves services running; on a license failure it
// stops them, binds the violation page, and parks until the operator
// intervenes so the page stays reachable.
func runGuard(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", defaultConfigPath, "agent configuration file")
	service := fs.String("service", "", "narrow enforcement to one granted service")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadAgentConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "warden-agent: %v\n", err)
		return 1
	}

	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	dir := bundle.Dir{Root: cfg.InstallDir}

	var probe enforcer.AuthorityProbe
	if cfg.ServerURL != "" {
		probe = enforcer.RemoteProbe{Client: client.New(cfg.ServerURL)}
	} else {
		logger.Info("no authority configured, running fully offline")
	}

	guard, err := enforcer.NewGuard(enforcer.GuardOptions{
		Checker:          enforcer.NewVerifier(dir, systemProber),
		Controller:       newComposeController(cfg, logger),
		Probe:            probe,
		Service:          *service,
		Interval:         time.Duration(cfg.CheckInterval),
		HeartbeatTimeout: time.Duration(cfg.HeartbeatTimeout),
		Page:             enforcer.NewErrorPage(fmt.Sprintf(":%d", cfg.ErrorPagePort), logger.With("component", "errorpage")),
		Logger:           logger.With("component", "guard"),
	})
	if err != nil {
		fmt.Fprintf(stderr, "warden-agent: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = guard.Run(ctx)
	switch {
	case err == nil:
		fmt.Fprintln(stdout, "Guard stopped; services left running.")
		return 0
	case errors.Is(err, enforcer.ErrNotActivated):
		fmt.Fprintln(stderr, "warden-agent: machine is not activated; run: warden-agent activate -key <product-key>")
		return 1
	default:
		// Services are down and the violation page is up. Exiting now
		// would take the page with us, so hold until a signal arrives.
		logger.Error("enforcement stopped the stack", "error", err)
		<-ctx.Done()
		return 1
	}
}
