package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/wardenhq/warden/pkg/api/wire"
	"github.com/wardenhq/warden/pkg/bundle"
	"github.com/wardenhq/warden/pkg/client"
	"github.com/wardenhq/warden/pkg/fingerprint"
)

// runActivate binds this machine to a product key: derive the fingerprint,
// request a certificate bundle, install it, and pin the identity.
func runActivate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("activate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", defaultConfigPath, "agent configuration file")
	key := fs.String("key", "", "product key (required)")
	server := fs.String("server", "", "authority base URL (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *key == "" {
		fmt.Fprintln(stderr, "warden-agent: -key is required")
		fs.Usage()
		return 2
	}

	cfg, err := loadAgentConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "warden-agent: %v\n", err)
		return 1
	}
	if *server != "" {
		cfg.ServerURL = *server
	}
	if cfg.ServerURL == "" {
		fmt.Fprintln(stderr, "warden-agent: no authority URL; set server_url in the config or pass -server")
		return 2
	}

	ctx := context.Background()
	dir := bundle.Dir{Root: cfg.InstallDir}

	fp, ok := deriveForActivation(ctx, dir, stderr)
	if !ok {
		return 1
	}

	hostname, _ := os.Hostname()
	resp, err := client.New(cfg.ServerURL).Activate(ctx, wire.ActivateRequest{
		ProductKey:         *key,
		MachineFingerprint: fp,
		Hostname:           hostname,
		OSInfo:             probeOSInfo(ctx),
		AppVersion:         agentVersion,
	})
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			fmt.Fprintf(stderr, "warden-agent: activation refused: %s\n", apiErr.Detail)
			if apiErr.Reason != "" {
				fmt.Fprintf(stderr, "warden-agent: reason: %s\n", apiErr.Reason)
			}
		} else {
			fmt.Fprintf(stderr, "warden-agent: %v\n", err)
		}
		return 1
	}
	if resp.Bundle == nil {
		fmt.Fprintln(stderr, "warden-agent: authority accepted the activation but sent no bundle")
		return 1
	}

	if err := dir.Write(resp.Bundle, fp); err != nil {
		fmt.Fprintf(stderr, "warden-agent: install bundle: %v\n", err)
		return 1
	}
	if _, err := dir.EnsurePin(fp, hostname); err != nil {
		fmt.Fprintf(stderr, "warden-agent: pin machine identity: %v\n", err)
		return 1
	}

	if resp.AlreadyActivated {
		fmt.Fprintln(stdout, "Machine was already activated; bundle refreshed.")
	}
	fmt.Fprintf(stdout, "Activated for %s (%s tier).\n", resp.CustomerName, resp.Tier)
	fmt.Fprintf(stdout, "  Certificate: %s\n", resp.CertificateID)
	fmt.Fprintf(stdout, "  Services:    %s\n", strings.Join(resp.ServicesEnabled, ", "))
	fmt.Fprintf(stdout, "  Install dir: %s\n", cfg.InstallDir)
	fmt.Fprintln(stdout, "Start enforcement with: warden-agent run")
	return 0
}

// deriveForActivation computes the fingerprint to activate under. A pinned
// machine must re-derive its pinned identity exactly; a fresh machine
// derives unpinned so low-entropy hardware can still activate.
func deriveForActivation(ctx context.Context, dir bundle.Dir, stderr io.Writer) (string, bool) {
	deriver := fingerprint.NewDeriver(systemProber)

	pin, err := dir.LoadPin()
	switch {
	case err == nil:
		fp, _, deriveErr := deriver.Derive(ctx, true)
		if deriveErr != nil {
			fmt.Fprintf(stderr, "warden-agent: %v\n", deriveErr)
			return "", false
		}
		if fp != pin.Fingerprint {
			fmt.Fprintln(stderr, "warden-agent: derived fingerprint does not match the pinned identity; this install directory was activated on different hardware")
			return "", false
		}
		return fp, true
	case os.IsNotExist(err):
		fp, _, deriveErr := deriver.Derive(ctx, false)
		if deriveErr != nil {
			fmt.Fprintf(stderr, "warden-agent: %v\n", deriveErr)
			return "", false
		}
		return fp, true
	default:
		fmt.Fprintf(stderr, "warden-agent: read pin: %v\n", err)
		return "", false
	}
}

// probeOSInfo describes the host for the activation record. Failures fall
// back to the bare GOOS; the field is informational.
func probeOSInfo(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return runtime.GOOS
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s %s", info.Platform, info.PlatformVersion, info.KernelArch))
}
