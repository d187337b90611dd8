// Command warden-agent runs on licensed machines. It activates the machine
// against the license authority, then guards the deployed stack: services
// start only under a valid certificate, are revalidated on an interval, and
// are stopped (with a violation page on the protected port) when the
// license fails.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/fingerprint"
)

// agentVersion is sent as app_version on activation; the authority may
// enforce a floor on it.
const agentVersion = "3.0.0"

const defaultConfigPath = "/etc/warden/agent.yaml"

// systemProber is a variable so tests can substitute deterministic hardware.
var systemProber fingerprint.Prober = fingerprint.SystemProber{}

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the CLI and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "activate":
		return runActivate(args[2:], stdout, stderr)
	case "run":
		return runGuard(args[2:], stdout, stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "fingerprint":
		return runFingerprint(args[2:], stdout, stderr)
	case "deactivate":
		return runDeactivate(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "warden-agent: unknown command %q\n\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "warden-agent %s\n", agentVersion)
	fmt.Fprintln(w, "License enforcement agent.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  warden-agent <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintf(w, "  %-12s %s\n", "activate", "Bind this machine to a product key")
	fmt.Fprintf(w, "  %-12s %s\n", "run", "Start the stack under license enforcement")
	fmt.Fprintf(w, "  %-12s %s\n", "validate", "Check the installed license once and exit")
	fmt.Fprintf(w, "  %-12s %s\n", "status", "Show the installed bundle without checking hardware")
	fmt.Fprintf(w, "  %-12s %s\n", "fingerprint", "Print this machine's derived fingerprint")
	fmt.Fprintf(w, "  %-12s %s\n", "deactivate", "Remove the local activation bundle")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Configuration is read from %s (override with -config).\n", defaultConfigPath)
}

// loadAgentConfig reads the agent configuration. A missing file at the
// default path falls back to built-in defaults; an explicitly given path
// must exist.
func loadAgentConfig(path string) (*config.Agent, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.DefaultAgent(), nil
		}
	}
	return config.LoadAgent(path)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
