//go:build linux

package fingerprint

import (
	"context"

	"github.com/shirou/gopsutil/v3/host"
)

// osTokens contributes the Linux machine identity: the systemd machine id
// (stable across reboots, regenerated on clone) and the DMI product UUID
// (survives OS reinstalls on the same board). Either may be unreadable in
// containers or unprivileged environments.
func osTokens(_ context.Context, _ *host.InfoStat) []string {
	var tokens []string
	if tok := fileToken("machine_id", "/etc/machine-id"); tok != "" {
		tokens = append(tokens, tok)
	} else if tok := fileToken("machine_id", "/var/lib/dbus/machine-id"); tok != "" {
		tokens = append(tokens, tok)
	}
	if tok := fileToken("product_uuid", "/sys/class/dmi/id/product_uuid"); tok != "" {
		tokens = append(tokens, tok)
	}
	return tokens
}
