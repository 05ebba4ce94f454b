package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FailureKind identifies which execution failure occurred.
type FailureKind int

const (
	KindUnknown FailureKind = iota
	KindUserSwitchDenied
	KindUserNotFound
	KindCommandNotFound
	KindOS
	KindNonZeroExit
	KindTimeout
)

func (k FailureKind) String() string {
	switch k {
	case KindUserSwitchDenied:
		return "user_switch_denied"
	case KindUserNotFound:
		return "user_not_found"
	case KindCommandNotFound:
		return "command_not_found"
	case KindOS:
		return "os_failure"
	case KindNonZeroExit:
		return "nonzero_exit"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Failure is implemented by every error Execute returns.
type Failure interface {
	error
	Kind() FailureKind
}

// ErrEmptyCommand is wrapped in an OSError when a CommandSpec has nothing to run.
var ErrEmptyCommand = errors.New("empty command")

// UserSwitchDeniedError means RunAs was requested by a process that cannot
// change its identity. No process was spawned.
type UserSwitchDeniedError struct {
	Account string
}

func (e *UserSwitchDeniedError) Error() string {
	return fmt.Sprintf("unable to switch to user %q: this operation requires root privileges", e.Account)
}

func (e *UserSwitchDeniedError) Kind() FailureKind { return KindUserSwitchDenied }

// UserNotFoundError means the RunAs account does not exist.
type UserNotFoundError struct {
	Account string
}

func (e *UserNotFoundError) Error() string {
	return fmt.Sprintf("user %q not found on the system", e.Account)
}

func (e *UserNotFoundError) Kind() FailureKind { return KindUserNotFound }

// CommandNotFoundError means the program could not be located or does not exist.
type CommandNotFoundError struct {
	Name string
	Err  error
}

func (e *CommandNotFoundError) Error() string {
	return fmt.Sprintf("command not found: %s", e.Name)
}

func (e *CommandNotFoundError) Unwrap() error { return e.Err }

func (e *CommandNotFoundError) Kind() FailureKind { return KindCommandNotFound }

// OSError wraps a spawn, pipe or wait failure reported by the operating system.
type OSError struct {
	Op  string
	Err error
}

func (e *OSError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OSError) Unwrap() error { return e.Err }

func (e *OSError) Kind() FailureKind { return KindOS }

// NonZeroExitError is returned when CheckExitCode is set and the command
// exited with a non-zero status. Result holds the sanitized output.
type NonZeroExitError struct {
	Result *Result
}

func (e *NonZeroExitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command failed with return code %d", e.Result.ExitCode)
	if out := strings.TrimSpace(string(e.Result.Stdout)); out != "" {
		fmt.Fprintf(&b, "\nSTDOUT: %s", out)
	}
	if errOut := strings.TrimSpace(string(e.Result.Stderr)); errOut != "" {
		fmt.Fprintf(&b, "\nSTDERR: %s", errOut)
	}
	return b.String()
}

func (e *NonZeroExitError) Kind() FailureKind { return KindNonZeroExit }

// TimeoutError is returned when the deadline elapsed before the command
// exited. The child has been killed and reaped; Stdout and Stderr hold the
// sanitized output it produced before that.
type TimeoutError struct {
	Args    []string
	Stdout  []byte
	Stderr  []byte
	Elapsed time.Duration
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.Timeout)
}

func (e *TimeoutError) Kind() FailureKind { return KindTimeout }

// KindOf returns the FailureKind carried by err, or KindUnknown.
func KindOf(err error) FailureKind {
	var f Failure
	if errors.As(err, &f) {
		return f.Kind()
	}
	return KindUnknown
}

// Retryable reports whether a failed execution may succeed if tried again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout:
		return true
	case KindOS:
		return !errors.Is(err, ErrEmptyCommand) && !errors.Is(err, context.Canceled)
	default:
		return false
	}
}
