package fingerprint

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// SystemProber reads identity tokens from the running machine: hostname
// and kernel identity everywhere, plus OS-specific sources contributed by
// the per-platform files in this package.
type SystemProber struct{}

// Probe returns the tokens this machine exposes. Sources that cannot be
// read are skipped; Probe errors only when even the basic host lookup
// fails.
func (SystemProber) Probe(ctx context.Context) ([]string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}

	var tokens []string
	if info.Hostname != "" {
		tokens = append(tokens, "hostname:"+info.Hostname)
	}
	if info.OS != "" {
		tokens = append(tokens, fmt.Sprintf("system:%s-%s", info.OS, info.KernelArch))
	}
	tokens = append(tokens, osTokens(ctx, info)...)
	return tokens, nil
}

// fileToken reads a single-line identifier file and returns it as a
// prefixed token, or "" when the file is absent or empty.
func fileToken(prefix, path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return ""
	}
	return prefix + ":" + value
}
