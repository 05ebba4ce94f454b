package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/manchtools/step-provision/internal/executor"
	"github.com/manchtools/step-provision/internal/secretfile"
	"github.com/manchtools/step-provision/internal/validate"
)

// Request is the desired state of one provisioner.
type Request struct {
	Name  string `json:"name" validate:"required,provname"`
	Type  string `json:"type,omitempty" validate:"omitempty,alphanum,max=16"`
	State State  `json:"state" validate:"required,oneof=present absent"`

	// Password protects a new JWK provisioner. Generated when empty.
	Password string `json:"-"`

	X509MinDur     string `json:"x509_min_dur,omitempty" validate:"omitempty,stepduration"`
	X509MaxDur     string `json:"x509_max_dur,omitempty" validate:"omitempty,stepduration"`
	X509DefaultDur string `json:"x509_default_dur,omitempty" validate:"omitempty,stepduration"`

	// CheckOnly computes the outcome without adding or removing anything.
	CheckOnly bool `json:"check_only,omitempty"`
}

// Action is what a reconciliation did (or would do in check mode).
type Action string

const (
	ActionNone   Action = "unchanged"
	ActionAdd    Action = "added"
	ActionRemove Action = "removed"
)

// Outcome reports a reconciliation. Provisioners is the matching record set
// after the change; after an add it holds a placeholder, after a remove it
// is empty, because step only lists the change once the CA restarts.
type Outcome struct {
	RunID  string `json:"run_id"`
	Name   string `json:"name"`
	Type   string `json:"type,omitempty"`
	State  State  `json:"state"`
	Action Action `json:"action"`

	Changed         bool `json:"changed"`
	RestartRequired bool `json:"restart_required"`
	CheckOnly       bool `json:"check_only,omitempty"`

	Provisioners []Provisioner `json:"provisioners"`
	Before       []Provisioner `json:"provisioners_before"`

	// GeneratedPassword is set only when a password was generated for a
	// new JWK provisioner.
	GeneratedPassword string `json:"generated_password,omitempty"`
	// SecretWarning is set when the password file could not be given to
	// the run-as account and was made world-readable instead.
	SecretWarning string `json:"secret_warning,omitempty"`
}

// SecretFiles provisions the password file for add commands.
type SecretFiles interface {
	With(ctx context.Context, secret *secretfile.Secret, owner string, fn func(context.Context, *secretfile.File) error) error
}

// Observer is notified of each reconciliation's action, or "failed".
type Observer interface {
	ObserveReconcile(action string)
}

// Reconciler converges provisioners of one CA to a desired state.
type Reconciler struct {
	ca       CAContext
	runner   executor.Runner
	secrets  SecretFiles
	observer Observer
	logger   *slog.Logger

	lockTimeout time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithSecretFiles replaces the default secretfile.Manager.
func WithSecretFiles(s SecretFiles) Option {
	return func(r *Reconciler) { r.secrets = s }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(r *Reconciler) { r.observer = o }
}

// WithLockTimeout bounds the wait for the CA lock. Zero waits as long as
// the context allows.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.lockTimeout = d }
}

// New creates a reconciler for ca that runs step through runner.
func New(ca CAContext, runner executor.Runner, opts ...Option) (*Reconciler, error) {
	if err := ca.Validate(); err != nil {
		return nil, err
	}
	r := &Reconciler{
		ca:     ca,
		runner: runner,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.secrets == nil {
		r.secrets = secretfile.NewManager(secretfile.WithLogger(r.logger))
	}
	return r, nil
}

func (r *Reconciler) commandSpec(args []string) executor.CommandSpec {
	return executor.CommandSpec{
		Args:          args,
		Env:           r.ca.env(),
		RunAs:         r.ca.RunAs,
		Timeout:       r.ca.Timeout,
		CheckExitCode: true,
		DecodeText:    true,
		StripTerminal: true,
		Debug:         r.ca.Debug,
	}
}

// Load lists all provisioners currently known to the CA.
func (r *Reconciler) Load(ctx context.Context) ([]Provisioner, error) {
	res, err := r.runner.Execute(ctx, r.commandSpec(listCommand(r.ca)))
	if err != nil {
		return nil, fmt.Errorf("list provisioners: %w", err)
	}
	return parseList(res.Stdout)
}

// Reconcile converges the provisioner named in req to req.State. Load
// always happens before the decision, and the add or remove completes
// before Reconcile returns. With a CA path set, the sequence runs under an
// exclusive lock shared with other step-provision processes.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (*Outcome, error) {
	out, err := r.reconcile(ctx, req)
	if r.observer != nil {
		action := "failed"
		if err == nil {
			action = string(out.Action)
		}
		r.observer.ObserveReconcile(action)
	}
	return out, err
}

func (r *Reconciler) reconcile(ctx context.Context, req Request) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	if req.Type != "" && !slices.Contains(KnownTypes, req.Type) {
		return nil, fmt.Errorf("%w: type must be one of: %s", validate.ErrInvalid, strings.Join(KnownTypes, ", "))
	}

	runID := ulid.Make().String()
	logger := r.logger.With("run_id", runID, "provisioner", req.Name)

	if r.ca.CAPath != "" && !req.CheckOnly {
		lockCtx := ctx
		if r.lockTimeout > 0 {
			var cancel context.CancelFunc
			lockCtx, cancel = context.WithTimeout(ctx, r.lockTimeout)
			defer cancel()
		}
		lock, err := acquireLock(lockCtx, r.ca.CAPath)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.release(); err != nil {
				logger.Warn("failed to release CA lock", "error", err)
			}
		}()
	}

	before, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		RunID:        runID,
		Name:         req.Name,
		Type:         req.Type,
		State:        req.State,
		Action:       ActionNone,
		CheckOnly:    req.CheckOnly,
		Provisioners: matching(before, req.Name, req.Type),
		Before:       before,
	}

	switch {
	case req.State == StateAbsent && len(out.Provisioners) > 0:
		if !req.CheckOnly {
			if _, err := r.runner.Execute(ctx, r.commandSpec(removeCommand(r.ca, req.Name))); err != nil {
				return nil, fmt.Errorf("remove provisioner %s: %w", req.Name, err)
			}
		}
		out.Action = ActionRemove
		out.Changed = true
		out.RestartRequired = true
		out.Provisioners = []Provisioner{}
		logger.Info("provisioner removed", "check_only", req.CheckOnly, "restart_required", true)

	case req.State == StatePresent && len(out.Provisioners) == 0:
		if req.Type == "" {
			return nil, ErrTypeRequired
		}
		plan, err := buildAdd(r.ca, req)
		if err != nil {
			return nil, err
		}
		if !req.CheckOnly {
			if err := r.add(ctx, plan, req, out); err != nil {
				return nil, fmt.Errorf("add provisioner %s: %w", req.Name, err)
			}
		}
		out.Action = ActionAdd
		out.Changed = true
		out.RestartRequired = true
		out.Provisioners = []Provisioner{placeholder(req.Name, req.Type)}
		logger.Info("provisioner added",
			"type", req.Type,
			"check_only", req.CheckOnly,
			"restart_required", true,
			"secret_degraded", out.SecretWarning != "",
		)

	default:
		logger.Debug("provisioner already in desired state", "state", req.State)
	}

	if out.Provisioners == nil {
		out.Provisioners = []Provisioner{}
	}
	return out, nil
}

// add runs the add command, handing a password file to step for types
// that need one.
func (r *Reconciler) add(ctx context.Context, plan addPlan, req Request, out *Outcome) error {
	if !plan.needsSecret {
		_, err := r.runner.Execute(ctx, r.commandSpec(plan.args))
		return err
	}

	secret, generated, err := passwordFor(req)
	if err != nil {
		return err
	}
	err = r.secrets.With(ctx, secret, r.ca.RunAs, func(ctx context.Context, f *secretfile.File) error {
		if f.Degraded {
			out.SecretWarning = f.Warning
		}
		_, err := r.runner.Execute(ctx, r.commandSpec(plan.withPasswordFile(f.Path)))
		return err
	})
	if err != nil {
		return err
	}

	if generated {
		pw, err := secret.Reveal()
		if err != nil {
			return err
		}
		out.GeneratedPassword = pw
	}
	return nil
}

func passwordFor(req Request) (*secretfile.Secret, bool, error) {
	if req.Password != "" {
		secret, err := secretfile.SecretFromString(req.Password)
		return secret, false, err
	}
	secret, err := secretfile.GeneratePassword()
	return secret, true, err
}
