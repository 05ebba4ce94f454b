package initca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/manchtools/step-provision/internal/executor"
	"github.com/manchtools/step-provision/internal/secretfile"
)

// ErrPromptDetected is returned when `step ca init` timed out while
// waiting for input it was never going to get.
var ErrPromptDetected = errors.New("detected user input prompt")

var promptPattern = regexp.MustCompile(`(Please enter|Would you like to|\[y/n\])`)

// SecretFiles materializes a password as a private file for one call.
type SecretFiles interface {
	With(ctx context.Context, secret *secretfile.Secret, owner string, fn func(context.Context, *secretfile.File) error) error
}

// Outcome reports what Run did.
type Outcome struct {
	Path          string   `json:"path" yaml:"path"`
	Changed       bool     `json:"changed" yaml:"changed"`
	CheckOnly     bool     `json:"check_only,omitempty" yaml:"check_only,omitempty"`
	Removed       []string `json:"removed,omitempty" yaml:"removed,omitempty"`
	SecretWarning string   `json:"secret_warning,omitempty" yaml:"secret_warning,omitempty"`
}

// Initializer runs `step ca init`.
type Initializer struct {
	runner  executor.Runner
	secrets SecretFiles
	logger  *slog.Logger
}

// Option configures an Initializer.
type Option func(*Initializer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Initializer) { i.logger = logger }
}

// WithSecretFiles replaces the default secret file manager.
func WithSecretFiles(s SecretFiles) Option {
	return func(i *Initializer) { i.secrets = s }
}

// New creates an Initializer.
func New(runner executor.Runner, opts ...Option) *Initializer {
	i := &Initializer{runner: runner, logger: slog.Default()}
	for _, opt := range opts {
		opt(i)
	}
	if i.secrets == nil {
		i.secrets = secretfile.NewManager(secretfile.WithLogger(i.logger))
	}
	return i
}

// Run initializes a CA at p.Path. Existing CA files stop it unless
// p.Force is set, in which case they are deleted first. In check mode
// nothing is deleted or executed and the outcome reports a change.
func (i *Initializer) Run(ctx context.Context, p Params) (*Outcome, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	out := &Outcome{Path: p.Path, CheckOnly: p.CheckOnly}

	if !p.Force {
		if err := CheckExisting(p.Path); err != nil {
			return nil, err
		}
	}
	if p.CheckOnly {
		out.Changed = true
		return out, nil
	}
	if p.Force {
		removed, err := RemoveExisting(p.Path)
		out.Removed = removed
		if err != nil {
			return out, err
		}
		if len(removed) > 0 {
			i.logger.Warn("removed existing CA files", "path", p.Path, "count", len(removed))
		}
	}

	err := i.withPasswordFile(ctx, p.Password, p.RunAs, out, func(ctx context.Context, path string) error {
		if path != "" {
			p.PasswordFile = path
		}
		return i.withPasswordFile(ctx, p.ProvisionerPassword, p.RunAs, out, func(ctx context.Context, path string) error {
			if path != "" {
				p.ProvisionerPasswordFile = path
			}
			return i.execute(ctx, p)
		})
	})
	if err != nil {
		return out, err
	}
	out.Changed = true
	i.logger.Info("certificate authority initialized", "path", p.Path, "name", p.Name)
	return out, nil
}

// withPasswordFile calls fn with the path of a private file holding
// literal, or with "" when literal is empty.
func (i *Initializer) withPasswordFile(ctx context.Context, literal, owner string, out *Outcome, fn func(context.Context, string) error) error {
	if literal == "" {
		return fn(ctx, "")
	}
	secret, err := secretfile.SecretFromString(literal)
	if err != nil {
		return err
	}
	return i.secrets.With(ctx, secret, owner, func(ctx context.Context, f *secretfile.File) error {
		if f.Degraded {
			out.SecretWarning = f.Warning
		}
		return fn(ctx, f.Path)
	})
}

func (i *Initializer) execute(ctx context.Context, p Params) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	_, err := i.runner.Execute(ctx, executor.CommandSpec{
		Args:          BuildCommand(p),
		Env:           map[string]string{"STEPPATH": p.Path},
		RunAs:         p.RunAs,
		Timeout:       timeout,
		CheckExitCode: true,
		DecodeText:    true,
		StripTerminal: true,
		Debug:         p.Debug,
	})
	if err == nil {
		return nil
	}

	var te *executor.TimeoutError
	if errors.As(err, &te) && (promptPattern.Match(te.Stdout) || promptPattern.Match(te.Stderr)) {
		return fmt.Errorf("%w: %w", ErrPromptDetected, err)
	}
	return fmt.Errorf("step CA initialization failed: %w", err)
}
