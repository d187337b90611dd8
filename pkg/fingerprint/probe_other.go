//go:build !linux && !windows

package fingerprint

import (
	"context"

	"github.com/shirou/gopsutil/v3/host"
)

// osTokens contributes the platform host id (the hardware UUID on macOS
// and the BSDs).
func osTokens(_ context.Context, info *host.InfoStat) []string {
	if info.HostID == "" {
		return nil
	}
	return []string{"machine:" + info.HostID}
}
