package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/bundle"
	"github.com/wardenhq/warden/pkg/enforcer"
	"github.com/wardenhq/warden/pkg/fingerprint"
	"github.com/wardenhq/warden/pkg/license"
)

// runValidate performs one full offline check, exactly what the guard does
// before starting services, and reports the verdict.
func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", defaultConfigPath, "agent configuration file")
	service := fs.String("service", "", "also require this service to be granted")
	asJSON := fs.Bool("json", false, "print the verdict as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadAgentConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "warden-agent: %v\n", err)
		return 1
	}

	verifier := enforcer.NewVerifier(bundle.Dir{Root: cfg.InstallDir}, systemProber)
	rep := verifier.Check(context.Background(), *service)

	if *asJSON {
		verdict := struct {
			Valid    bool           `json:"valid"`
			Reason   license.Reason `json:"reason"`
			Tier     license.Tier   `json:"tier,omitempty"`
			DaysLeft int            `json:"days_left,omitempty"`
		}{Valid: rep.Reason.Valid(), Reason: rep.Reason, DaysLeft: rep.DaysLeft}
		if rep.Cert != nil {
			verdict.Tier = rep.Cert.Tier
		}
		printJSON(stdout, verdict)
	} else if rep.Reason.Valid() {
		fmt.Fprintf(stdout, "VALID (%s)\n", rep.Reason)
		if rep.Cert != nil {
			fmt.Fprintf(stdout, "  Tier:    %s\n", rep.Cert.Tier)
			fmt.Fprintf(stdout, "  Expires: %s (%d days left)\n", rep.Cert.Validity.ValidUntil, rep.DaysLeft)
		}
	} else {
		fmt.Fprintf(stdout, "INVALID: %s\n", rep.Reason)
		fmt.Fprintf(stdout, "  %s\n", rep.Reason.Message())
	}

	if !rep.Reason.Valid() {
		return 1
	}
	return 0
}

// runStatus reports the installed bundle as-is. It never derives hardware,
// so it also works on a bundle copied off its machine; use validate for the
// real verdict.
func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", defaultConfigPath, "agent configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadAgentConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "warden-agent: %v\n", err)
		return 1
	}

	dir := bundle.Dir{Root: cfg.InstallDir}
	if !dir.Activated() {
		fmt.Fprintf(stdout, "Not activated (install dir: %s).\n", cfg.InstallDir)
		return 0
	}

	pin, err := dir.LoadPin()
	if err != nil {
		fmt.Fprintf(stderr, "warden-agent: read pin: %v\n", err)
		return 1
	}

	raw, err := dir.ReadCertificate(pin.Fingerprint)
	if err != nil {
		fmt.Fprintf(stderr, "warden-agent: %v\n", err)
		return 1
	}
	cert, err := license.Parse(raw)
	if err != nil {
		fmt.Fprintf(stderr, "warden-agent: installed certificate is unreadable: %v\n", err)
		return 1
	}

	expiry, daysLeft := cert.ExpiryStatus(time.Now())

	fmt.Fprintf(stdout, "Install dir:  %s\n", cfg.InstallDir)
	fmt.Fprintf(stdout, "Pinned:       %s on %s\n", pin.GeneratedAt, pin.Hostname)
	fmt.Fprintf(stdout, "Certificate:  %s\n", cert.CertificateID)
	fmt.Fprintf(stdout, "Customer:     %s\n", cert.Customer.CustomerName)
	fmt.Fprintf(stdout, "Tier:         %s\n", cert.Tier)
	fmt.Fprintf(stdout, "Valid until:  %s (%d days left, state: %s)\n", cert.Validity.ValidUntil, daysLeft, expiry)
	fmt.Fprintf(stdout, "Services:     %s\n", joinEnabledServices(cert))
	if cert.UpgradeChain.IsUpgrade {
		fmt.Fprintf(stdout, "Upgraded:     %d time(s), from %s\n", cert.UpgradeChain.UpgradeCount, cert.Metadata["upgrade_from_tier"])
	}
	return 0
}

// runFingerprint derives and prints the machine fingerprint. With a pin on
// disk the derivation is strict; without one, low-entropy hardware gets a
// random token, so the printed value may differ from a later activation.
func runFingerprint(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fingerprint", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", defaultConfigPath, "agent configuration file")
	showTokens := fs.Bool("tokens", false, "also print the identity tokens")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadAgentConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "warden-agent: %v\n", err)
		return 1
	}

	dir := bundle.Dir{Root: cfg.InstallDir}
	_, pinErr := dir.LoadPin()
	pinned := pinErr == nil

	fp, tokens, err := fingerprint.NewDeriver(systemProber).Derive(context.Background(), pinned)
	if err != nil {
		fmt.Fprintf(stderr, "warden-agent: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, fp)
	if *showTokens {
		for _, tok := range tokens {
			fmt.Fprintf(stdout, "  %s\n", tok)
		}
	}
	return 0
}

// runDeactivate removes the local bundle. The machine slot stays consumed
// on the authority until an administrator revokes it there.
func runDeactivate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("deactivate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", defaultConfigPath, "agent configuration file")
	yes := fs.Bool("yes", false, "confirm removal")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadAgentConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "warden-agent: %v\n", err)
		return 1
	}

	if !*yes {
		fmt.Fprintln(stderr, "warden-agent: deactivation removes the local bundle and compose file; pass -yes to confirm")
		fmt.Fprintln(stderr, "warden-agent: the machine slot stays consumed on the authority until an administrator revokes it")
		return 2
	}

	dir := bundle.Dir{Root: cfg.InstallDir}
	if _, err := os.Stat(dir.LicenseDir()); os.IsNotExist(err) {
		fmt.Fprintln(stdout, "Nothing to remove.")
		return 0
	}

	if err := dir.Remove(); err != nil {
		fmt.Fprintf(stderr, "warden-agent: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "Activation bundle removed.")
	return 0
}

func joinEnabledServices(cert *license.Certificate) string {
	names := make([]string, 0, len(cert.Services))
	for name, grant := range cert.Services {
		if grant.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}
