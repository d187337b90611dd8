package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/wardenhq/warden/pkg/bundle"
	"github.com/wardenhq/warden/pkg/config"
)

// ComposeController starts and stops the licensed stack through the
// container CLI. The compose file is the one the authority generated at
// activation, which only contains services the license grants, so no
// further narrowing happens here.
type ComposeController struct {
	bin    string
	file   string
	logger *slog.Logger
}

func newComposeController(cfg *config.Agent, logger *slog.Logger) *ComposeController {
	return &ComposeController{
		bin:    cfg.DockerBin,
		file:   bundle.Dir{Root: cfg.InstallDir}.ComposePath(),
		logger: logger.With("component", "compose"),
	}
}

// Start brings the stack up detached.
func (c *ComposeController) Start(ctx context.Context) error {
	return c.run(ctx, "up", "-d", "--remove-orphans")
}

// Stop tears the stack down.
func (c *ComposeController) Stop(ctx context.Context) error {
	return c.run(ctx, "down")
}

func (c *ComposeController) run(ctx context.Context, args ...string) error {
	full := c.composeArgs(args...)
	cmd := exec.CommandContext(ctx, c.bin, full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		c.logger.Error("compose command failed",
			"cmd", c.bin+" "+strings.Join(full, " "), "output", strings.TrimSpace(string(out)), "error", err)
		return fmt.Errorf("%s %s: %w", c.bin, args[0], err)
	}
	c.logger.Info("compose command finished", "args", strings.Join(args, " "))
	return nil
}

// composeArgs adapts to the configured binary: the modern CLI takes a
// "compose" subcommand, a standalone docker-compose does not.
func (c *ComposeController) composeArgs(args ...string) []string {
	if strings.Contains(filepath.Base(c.bin), "compose") {
		return append([]string{"-f", c.file}, args...)
	}
	return append([]string{"compose", "-f", c.file}, args...)
}
