// Package executor runs external commands, optionally as another OS user,
// and returns sanitized, structured results.
package executor

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/manchtools/step-provision/internal/sanitize"
)

// maxOutputBytes is the maximum number of bytes captured per command output stream.
const maxOutputBytes = 1 << 20 // 1 MiB

// pipeDrainDelay bounds how long output is still read after the child has
// exited, in case a grandchild holds the pipes open.
const pipeDrainDelay = 2 * time.Second

const shellPath = "/bin/sh"

// CommandSpec describes a single command invocation. It is passed by value
// and never modified by the executor.
type CommandSpec struct {
	// Args is the argument vector. With UseShell and an empty Shell, the
	// arguments are joined with spaces into the shell command line.
	Args []string
	// Shell is the command line run by /bin/sh -c when UseShell is set.
	Shell string
	// Env is merged over the inherited (or demoted) environment.
	Env map[string]string
	// RunAs names the account the child runs as. Requires root.
	RunAs string
	// Timeout is the wall-clock deadline. Zero waits indefinitely.
	Timeout time.Duration
	// Dir is the working directory of the child.
	Dir string

	UseShell      bool
	CheckExitCode bool
	DecodeText    bool
	StripTerminal bool

	// Debug logs the assembled command line at info level before spawning.
	Debug bool
}

func (s CommandSpec) argv() []string {
	if s.UseShell {
		line := s.Shell
		if line == "" {
			line = strings.Join(s.Args, " ")
		}
		if strings.TrimSpace(line) == "" {
			return nil
		}
		return []string{shellPath, "-c", line}
	}
	if len(s.Args) == 0 || s.Args[0] == "" {
		return nil
	}
	return append([]string(nil), s.Args...)
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	Args     []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// StdoutText returns stdout as a string.
func (r *Result) StdoutText() string { return string(r.Stdout) }

// StderrText returns stderr as a string.
func (r *Result) StderrText() string { return string(r.Stderr) }

// Observer receives one call per Execute with the outcome label
// ("success" or a FailureKind string) and the elapsed time.
type Observer interface {
	ObserveCommand(outcome string, elapsed time.Duration)
}

// Executor spawns commands described by CommandSpec.
type Executor struct {
	logger   *slog.Logger
	observer Observer
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used for command lines and cleanup warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// New creates an executor.
func New(opts ...Option) *Executor {
	e := &Executor{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs spec and returns its result. Every error is a Failure. On
// NonZeroExitError and TimeoutError the (partial) result is returned as well.
func (e *Executor) Execute(ctx context.Context, spec CommandSpec) (*Result, error) {
	start := time.Now()
	res, err := e.execute(ctx, spec)
	if e.observer != nil {
		outcome := "success"
		if err != nil {
			outcome = KindOf(err).String()
		}
		e.observer.ObserveCommand(outcome, time.Since(start))
	}
	return res, err
}

func (e *Executor) execute(ctx context.Context, spec CommandSpec) (*Result, error) {
	argv := spec.argv()
	if len(argv) == 0 {
		return nil, &OSError{Op: "build command", Err: ErrEmptyCommand}
	}

	// Checked before anything is spawned.
	if spec.RunAs != "" && geteuidFunc() != 0 {
		return nil, &UserSwitchDeniedError{Account: spec.RunAs}
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, &CommandNotFoundError{Name: argv[0], Err: err}
		}
		return nil, &OSError{Op: "resolve " + argv[0], Err: err}
	}

	var acct *Account
	if spec.RunAs != "" {
		acct, err = lookupUserFunc(spec.RunAs)
		if err != nil {
			if errors.Is(err, ErrUnknownAccount) {
				return nil, &UserNotFoundError{Account: spec.RunAs}
			}
			return nil, &OSError{Op: "lookup user " + spec.RunAs, Err: err}
		}
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnvironment(os.Environ(), acct, spec.Env)
	// Own process group so a timeout kill reaches grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if acct != nil {
		demote(cmd.SysProcAttr, acct)
	}

	e.logCommand(ctx, spec, argv)

	return e.supervise(ctx, cmd, spec, argv)
}

func (e *Executor) logCommand(ctx context.Context, spec CommandSpec, argv []string) {
	level := slog.LevelDebug
	if spec.Debug {
		level = slog.LevelInfo
	}
	envKeys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		envKeys = append(envKeys, k)
	}
	e.logger.Log(ctx, level, "executing command",
		"command", commandLine(argv),
		"run_as", spec.RunAs,
		"env", envKeys,
		"timeout", spec.Timeout,
	)
}

// startError classifies a failure from exec.Cmd.Start.
func startError(spec CommandSpec, name string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &CommandNotFoundError{Name: name, Err: err}
	case spec.RunAs != "" && errors.Is(err, syscall.EPERM):
		return &UserSwitchDeniedError{Account: spec.RunAs}
	default:
		return &OSError{Op: "start " + name, Err: err}
	}
}

// finish applies the spec's output policy to captured bytes.
func finish(raw []byte, spec CommandSpec) []byte {
	if spec.DecodeText || spec.StripTerminal {
		return sanitize.Bytes(raw, spec.StripTerminal)
	}
	return raw
}

// limitWriter buffers up to limit bytes and silently discards the rest so a
// chatty child never fails on a write.
type limitWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	remaining := lw.limit - lw.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			lw.truncated = true
		}
		return len(p), nil
	}
	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
		lw.truncated = true
	}
	lw.buf.Write(toWrite)
	return len(p), nil // report full write to avoid cmd failure
}

// Bytes returns a copy of the captured output, marked when truncated.
func (lw *limitWriter) Bytes() []byte {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	out := bytes.Clone(lw.buf.Bytes())
	if lw.truncated {
		out = append(out, "\n[output truncated]"...)
	}
	return out
}
