//go:build windows

package fingerprint

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
)

// osTokens contributes the Windows machine identity: the registry
// MachineGuid (surfaced by gopsutil as the host id) and the first CPU's
// identifier.
func osTokens(ctx context.Context, info *host.InfoStat) []string {
	var tokens []string
	if info.HostID != "" {
		tokens = append(tokens, "machine_guid:"+info.HostID)
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		id := cpus[0].PhysicalID
		if id == "" {
			id = cpus[0].ModelName
		}
		if id != "" {
			tokens = append(tokens, "cpu:"+id)
		}
	}
	return tokens
}
