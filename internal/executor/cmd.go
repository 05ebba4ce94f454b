package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Runner is the part of Executor that callers depend on, so tests can
// substitute a scripted fake.
type Runner interface {
	Execute(ctx context.Context, spec CommandSpec) (*Result, error)
}

var _ Runner = (*Executor)(nil)

// FormatError formats a command error with the most useful output for a
// human reader: stderr for failed commands, partial output for timeouts.
func FormatError(err error) string {
	var nonZero *NonZeroExitError
	if errors.As(err, &nonZero) {
		if stderr := strings.TrimSpace(nonZero.Result.StderrText()); stderr != "" {
			return fmt.Sprintf("exit code %d: %s", nonZero.Result.ExitCode, stderr)
		}
		if stdout := strings.TrimSpace(nonZero.Result.StdoutText()); stdout != "" {
			return fmt.Sprintf("exit code %d: %s", nonZero.Result.ExitCode, stdout)
		}
		return fmt.Sprintf("exit code %d", nonZero.Result.ExitCode)
	}

	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		partial := strings.TrimSpace(string(timeout.Stderr))
		if partial == "" {
			partial = strings.TrimSpace(string(timeout.Stdout))
		}
		if partial != "" {
			return fmt.Sprintf("%v: %s", err, partial)
		}
	}
	return err.Error()
}

// commandLine renders argv for logs, quoting arguments that would otherwise
// be ambiguous.
func commandLine(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\n\"'\\$`") {
			parts[i] = fmt.Sprintf("%q", a)
			continue
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}
