package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/api"
	"github.com/wardenhq/warden/pkg/api/wire"
	"github.com/wardenhq/warden/pkg/client"
	"github.com/wardenhq/warden/pkg/license"
)

// adminTokenTTL bounds one CLI invocation. Long enough for a slow network,
// short enough that a leaked token is near-worthless.
const adminTokenTTL = 10 * time.Minute

func defaultServerURL() string {
	if v := os.Getenv("WARDEN_SERVER_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// adminDial mints a bearer token from WARDEN_ADMIN_SECRET and returns an
// admin client for the given server.
func adminDial(server string, stderr io.Writer) (*client.Admin, bool) {
	secret := os.Getenv("WARDEN_ADMIN_SECRET")
	if secret == "" {
		fmt.Fprintln(stderr, "warden: WARDEN_ADMIN_SECRET is not set")
		return nil, false
	}
	token, err := api.SignAdminToken(secret, "warden-cli", adminTokenTTL)
	if err != nil {
		fmt.Fprintf(stderr, "warden: sign admin token: %v\n", err)
		return nil, false
	}
	return client.NewAdmin(client.New(server), token), true
}

func runCustomerCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: warden customer <create|list|show> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runCustomerCreate(args[1:], stdout, stderr)
	case "list":
		return runCustomerList(args[1:], stdout, stderr)
	case "show":
		return runCustomerShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "warden: unknown customer subcommand %q\n", args[0])
		return 2
	}
}

func runCustomerCreate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("customer create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		server   = fs.String("server", defaultServerURL(), "authority base URL")
		name     = fs.String("name", "", "company name (required)")
		tier     = fs.String("tier", string(license.TierBasic), "license tier")
		machines = fs.Int("machines", 0, "machine limit override (0 = tier default)")
		days     = fs.Int("days", 0, "validity days override (0 = tier default)")
		services = fs.String("services", "", "comma-separated service override")
		asJSON   = fs.Bool("json", false, "print the created customer as JSON")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *name == "" {
		fmt.Fprintln(stderr, "warden: -name is required")
		fs.Usage()
		return 2
	}

	admin, ok := adminDial(*server, stderr)
	if !ok {
		return 1
	}

	customer, err := admin.CreateCustomer(context.Background(), wire.CreateCustomerRequest{
		CompanyName:  *name,
		Tier:         license.Tier(*tier),
		MachineLimit: *machines,
		ValidDays:    *days,
		Services:     splitList(*services),
	})
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return 1
	}

	if *asJSON {
		printJSON(stdout, customer)
		return 0
	}
	fmt.Fprintf(stdout, "Customer created:\n")
	fmt.Fprintf(stdout, "  ID:          %s\n", customer.ID)
	fmt.Fprintf(stdout, "  Company:     %s\n", customer.CompanyName)
	fmt.Fprintf(stdout, "  Tier:        %s\n", customer.Tier)
	fmt.Fprintf(stdout, "  Product key: %s\n", customer.ProductKey)
	fmt.Fprintf(stdout, "  Machines:    %d\n", customer.MachineLimit)
	fmt.Fprintf(stdout, "  Valid days:  %d\n", customer.ValidDays)
	return 0
}

func runCustomerList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("customer list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", defaultServerURL(), "authority base URL")
	asJSON := fs.Bool("json", false, "print customers as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	admin, ok := adminDial(*server, stderr)
	if !ok {
		return 1
	}

	customers, err := admin.ListCustomers(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return 1
	}

	if *asJSON {
		printJSON(stdout, customers)
		return 0
	}
	fmt.Fprintf(stdout, "%-36s  %-24s  %-10s  %-8s  %s\n", "ID", "COMPANY", "TIER", "REVOKED", "PRODUCT KEY")
	for _, c := range customers {
		fmt.Fprintf(stdout, "%-36s  %-24s  %-10s  %-8t  %s\n", c.ID, c.CompanyName, c.Tier, c.Revoked, c.ProductKey)
	}
	return 0
}

func runCustomerShow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("customer show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", defaultServerURL(), "authority base URL")
	asJSON := fs.Bool("json", false, "print the customer detail as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	id := fs.Arg(0)
	if id == "" {
		fmt.Fprintln(stderr, "Usage: warden customer show [flags] <customer-id>")
		return 2
	}

	admin, ok := adminDial(*server, stderr)
	if !ok {
		return 1
	}

	detail, err := admin.GetCustomer(context.Background(), id)
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return 1
	}

	if *asJSON {
		printJSON(stdout, detail)
		return 0
	}
	c := detail.Customer
	fmt.Fprintf(stdout, "Company:       %s\n", c.CompanyName)
	fmt.Fprintf(stdout, "ID:            %s\n", c.ID)
	fmt.Fprintf(stdout, "Product key:   %s\n", c.ProductKey)
	fmt.Fprintf(stdout, "Tier:          %s\n", c.Tier)
	fmt.Fprintf(stdout, "Machine limit: %d\n", c.MachineLimit)
	fmt.Fprintf(stdout, "Valid days:    %d\n", c.ValidDays)
	fmt.Fprintf(stdout, "Revoked:       %t\n", c.Revoked)
	fmt.Fprintf(stdout, "Created:       %s\n", c.CreatedAt)
	fmt.Fprintf(stdout, "\nMachines (%d):\n", len(detail.Machines))
	for _, m := range detail.Machines {
		fmt.Fprintf(stdout, "  %s  %-16s  %-8s  last seen %s\n", m.ID, m.Hostname, m.Status, m.LastSeen)
	}
	return 0
}

func runRevokeCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || (args[0] != "machine" && args[0] != "customer") {
		fmt.Fprintln(stderr, "Usage: warden revoke <machine|customer> [flags] <id>")
		return 2
	}
	kind := args[0]

	fs := flag.NewFlagSet("revoke "+kind, flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", defaultServerURL(), "authority base URL")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	id := fs.Arg(0)
	if id == "" {
		fmt.Fprintf(stderr, "Usage: warden revoke %s [flags] <id>\n", kind)
		return 2
	}

	admin, ok := adminDial(*server, stderr)
	if !ok {
		return 1
	}

	var (
		resp *wire.RevokeResponse
		err  error
	)
	if kind == "machine" {
		resp, err = admin.RevokeMachine(context.Background(), id)
	} else {
		resp, err = admin.RevokeCustomer(context.Background(), id)
	}
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Revoked %s %s (status: %s)\n", kind, resp.ID, resp.Status)
	if kind == "customer" {
		fmt.Fprintln(stdout, "All of the customer's machines are revoked with it.")
	}
	return 0
}

func runTiersCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tiers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", defaultServerURL(), "authority base URL")
	asJSON := fs.Bool("json", false, "print tiers as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	admin, ok := adminDial(*server, stderr)
	if !ok {
		return 1
	}

	tiers, err := admin.Tiers(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return 1
	}

	if *asJSON {
		printJSON(stdout, tiers)
		return 0
	}
	fmt.Fprintf(stdout, "%-12s  %-16s  %-9s  %-6s  %-9s  %s\n", "ID", "NAME", "MACHINES", "DAYS", "SESSIONS", "SERVICES")
	for _, t := range tiers {
		fmt.Fprintf(stdout, "%-12s  %-16s  %-9s  %-6s  %-9s  %s\n",
			t.ID, t.Name, limitString(t.Limits.MaxMachines), limitString(t.Limits.ValidDays),
			limitString(t.Limits.ConcurrentSessions), strings.Join(t.Services, ","))
	}
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", defaultServerURL(), "authority base URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	health, err := client.New(*server, client.WithTimeout(5*time.Second)).Health(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "warden: health check failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s (version %s)\n", health.Status, health.Version)
	return 0
}

// limitString renders -1, the unlimited sentinel, as "unlim".
func limitString(n int) string {
	if license.IsUnlimited(n) {
		return "unlim"
	}
	return fmt.Sprintf("%d", n)
}

func splitList(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}
