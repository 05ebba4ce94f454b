package provisioner

import (
	"slices"
	"time"

	"github.com/manchtools/step-provision/internal/validate"
)

// DefaultStepBinary is the step executable looked up on PATH.
const DefaultStepBinary = "step"

// CAContext groups the connection parameters for one CA instance. It is
// built once per run and never modified.
type CAContext struct {
	// CAPath is exported to step as STEPPATH.
	CAPath      string `json:"ca_path"`
	CARoot      string `json:"ca_root"`
	CAURL       string `json:"ca_url" validate:"omitempty,url"`
	Fingerprint string `json:"fingerprint" validate:"omitempty,hexadecimal,len=64"`
	RunAs       string `json:"run_as"`

	X509MinDur     string `json:"x509_min_dur" validate:"omitempty,stepduration"`
	X509MaxDur     string `json:"x509_max_dur" validate:"omitempty,stepduration"`
	X509DefaultDur string `json:"x509_default_dur" validate:"omitempty,stepduration"`

	Debug   bool          `json:"debug"`
	Timeout time.Duration `json:"timeout" validate:"gte=0"`

	StepBinary string `json:"step_binary"`
}

// Validate checks the context's fields.
func (c CAContext) Validate() error {
	return validate.Struct(c)
}

func (c CAContext) binary() string {
	if c.StepBinary != "" {
		return c.StepBinary
	}
	return DefaultStepBinary
}

// env is the per-invocation environment handed to step.
func (c CAContext) env() map[string]string {
	if c.CAPath == "" {
		return nil
	}
	return map[string]string{"STEPPATH": c.CAPath}
}

// connectionFlags are the flags every provisioner subcommand accepts.
func (c CAContext) connectionFlags() []string {
	var flags []string
	if c.CARoot != "" {
		flags = append(flags, "--ca-root", c.CARoot)
	}
	if c.CAURL != "" {
		flags = append(flags, "--ca-url", c.CAURL)
	}
	if c.Fingerprint != "" {
		flags = append(flags, "--fingerprint", c.Fingerprint)
	}
	return flags
}

// provisionerCommand returns `step ca provisioner <args...>` followed by the
// connection flags.
func (c CAContext) provisionerCommand(args ...string) []string {
	cmd := []string{c.binary(), "ca", "provisioner"}
	cmd = append(cmd, args...)
	return append(cmd, c.connectionFlags()...)
}

// durations holds the X.509 lifetime bounds for a new provisioner.
type durations struct {
	min, max, def string
}

// effectiveDurations overlays the request's bounds on the context's.
func (c CAContext) effectiveDurations(req Request) durations {
	d := durations{min: c.X509MinDur, max: c.X509MaxDur, def: c.X509DefaultDur}
	if req.X509MinDur != "" {
		d.min = req.X509MinDur
	}
	if req.X509MaxDur != "" {
		d.max = req.X509MaxDur
	}
	if req.X509DefaultDur != "" {
		d.def = req.X509DefaultDur
	}
	return d
}

func (d durations) flags() []string {
	var flags []string
	if d.min != "" {
		flags = append(flags, "--x509-min-dur", d.min)
	}
	if d.max != "" {
		flags = append(flags, "--x509-max-dur", d.max)
	}
	if d.def != "" {
		flags = append(flags, "--x509-default-dur", d.def)
	}
	return flags
}

func (d durations) ordered() error {
	// step rejects default outside [min, max]; catch it before calling out.
	parsed := make([]time.Duration, 0, 3)
	for _, s := range []string{d.min, d.def, d.max} {
		if s == "" {
			continue
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		parsed = append(parsed, v)
	}
	if !slices.IsSorted(parsed) {
		return errDurationOrder
	}
	return nil
}
