// Command warden is the license authority: the issuing server plus the
// operations an administrator runs around it (key generation, customer
// onboarding, revocation). Admin subcommands talk to a running server over
// its admin API; only the server itself touches the database.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/wardenhq/warden/pkg/api"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub out the long-running path.
var startServer = runServer

// Run dispatches the CLI and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "customer":
		return runCustomerCmd(args[2:], stdout, stderr)
	case "revoke":
		return runRevokeCmd(args[2:], stdout, stderr)
	case "tiers":
		return runTiersCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "warden: unknown command %q\n\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
)

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "%swarden %s%s\n", colorBold, api.ServiceVersion, colorReset)
	fmt.Fprintln(w, "Node-locked license authority.")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  warden <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "server", "Run the license authority (default)")
	printCommand(w, "keygen", "Generate the RSA-4096 signing pair")
	printCommand(w, "health", "Check a running server over HTTP")

	printSection(w, "ADMINISTRATION")
	printCommand(w, "customer", "Manage license holders (create/list/show)")
	printCommand(w, "revoke", "Revoke a machine or a whole customer")
	printCommand(w, "tiers", "Show the license tier catalog")

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Admin subcommands need WARDEN_ADMIN_SECRET and a reachable server")
	fmt.Fprintln(w, "(WARDEN_SERVER_URL or -server, default http://localhost:8080).")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", colorGreen, name, colorReset, desc)
}
