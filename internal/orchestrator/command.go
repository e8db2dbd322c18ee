package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// runCommand runs a lifecycle shell command. Its output goes to the
// orchestrator's output writer.
func (o *Orchestrator) runCommand(ctx context.Context, stage, command string) error {
	if strings.TrimSpace(command) == "" {
		return nil
	}
	o.logger.Info("Running command", slog.String("stage", stage), slog.String("command", command))

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = o.cfg.Out
	cmd.Stderr = o.cfg.Out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s command %q: %w", stage, command, err)
	}
	return nil
}
