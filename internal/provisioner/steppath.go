package provisioner

import (
	"context"
	"fmt"
	"strings"

	"github.com/manchtools/step-provision/internal/executor"
)

// StepPath asks step for its configuration directory (`step path`). It runs
// as runAs when set, since the answer depends on the account's HOME.
func StepPath(ctx context.Context, runner executor.Runner, binary, runAs string) (string, error) {
	if binary == "" {
		binary = DefaultStepBinary
	}
	res, err := runner.Execute(ctx, executor.CommandSpec{
		Args:          []string{binary, "path"},
		RunAs:         runAs,
		CheckExitCode: true,
		DecodeText:    true,
		StripTerminal: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to execute 'step path': %w", err)
	}
	path := firstLine(res.StdoutText())
	if path == "" {
		return "", fmt.Errorf("'step path' printed nothing")
	}
	return path, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimLeft(s, "\r\n"), "\n")
	return strings.TrimSpace(line)
}
