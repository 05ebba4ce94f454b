// Package initca bootstraps a new certificate authority with `step ca init`.
package initca

import (
	"strings"
	"time"

	"github.com/manchtools/step-provision/internal/validate"
)

// DefaultTimeout bounds `step ca init`. It never needs more than a few
// seconds unless it is waiting on a prompt.
const DefaultTimeout = 15 * time.Second

// Params describe the CA to create. String fields map one-to-one onto
// `step ca init` flags of the same name with dashes.
type Params struct {
	Name           string   `json:"name" yaml:"name" validate:"required"`
	Path           string   `json:"path" yaml:"path" validate:"required"`
	DeploymentType string   `json:"deployment_type,omitempty" yaml:"deployment_type,omitempty" validate:"omitempty,oneof=standalone linked hosted"`
	DNS            []string `json:"dns,omitempty" yaml:"dns,omitempty" validate:"dive,required"`
	Address        string   `json:"address,omitempty" yaml:"address,omitempty"`
	Provisioner    string   `json:"provisioner,omitempty" yaml:"provisioner,omitempty" validate:"omitempty,provname"`

	Authority         string `json:"authority,omitempty" yaml:"authority,omitempty"`
	Context           string `json:"context,omitempty" yaml:"context,omitempty"`
	CredentialsFile   string `json:"credentials_file,omitempty" yaml:"credentials_file,omitempty"`
	Issuer            string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	IssuerFingerprint string `json:"issuer_fingerprint,omitempty" yaml:"issuer_fingerprint,omitempty"`
	IssuerProvisioner string `json:"issuer_provisioner,omitempty" yaml:"issuer_provisioner,omitempty"`
	Key               string `json:"key,omitempty" yaml:"key,omitempty"`
	KeyPasswordFile   string `json:"key_password_file,omitempty" yaml:"key_password_file,omitempty"`
	KMS               string `json:"kms,omitempty" yaml:"kms,omitempty" validate:"omitempty,oneof=azurekms"`
	KMSIntermediate   string `json:"kms_intermediate,omitempty" yaml:"kms_intermediate,omitempty"`
	KMSRoot           string `json:"kms_root,omitempty" yaml:"kms_root,omitempty"`
	KMSSSHHost        string `json:"kms_ssh_host,omitempty" yaml:"kms_ssh_host,omitempty"`
	KMSSSHUser        string `json:"kms_ssh_user,omitempty" yaml:"kms_ssh_user,omitempty"`
	Profile           string `json:"profile,omitempty" yaml:"profile,omitempty"`
	RA                string `json:"ra,omitempty" yaml:"ra,omitempty" validate:"omitempty,oneof=StepCAS CloudCAS"`
	Root              string `json:"root,omitempty" yaml:"root,omitempty"`
	WithCAURL         string `json:"with_ca_url,omitempty" yaml:"with_ca_url,omitempty"`
	AdminSubject      string `json:"admin_subject,omitempty" yaml:"admin_subject,omitempty"`

	ACME             bool `json:"acme,omitempty" yaml:"acme,omitempty"`
	NoDB             bool `json:"no_db,omitempty" yaml:"no_db,omitempty"`
	PKI              bool `json:"pki,omitempty" yaml:"pki,omitempty"`
	RemoteManagement bool `json:"remote_management,omitempty" yaml:"remote_management,omitempty"`
	SSH              bool `json:"ssh,omitempty" yaml:"ssh,omitempty"`

	// Either the file or the literal must be given for each password. A
	// literal is written to a private temporary file for the run.
	PasswordFile            string `json:"password_file,omitempty" yaml:"password_file,omitempty" validate:"required_without=Password"`
	Password                string `json:"-" yaml:"-"`
	ProvisionerPasswordFile string `json:"provisioner_password_file,omitempty" yaml:"provisioner_password_file,omitempty" validate:"required_without=ProvisionerPassword"`
	ProvisionerPassword     string `json:"-" yaml:"-"`

	Force      bool          `json:"force,omitempty" yaml:"force,omitempty"`
	CheckOnly  bool          `json:"check_only,omitempty" yaml:"check_only,omitempty"`
	RunAs      string        `json:"run_as,omitempty" yaml:"run_as,omitempty"`
	StepBinary string        `json:"step_binary,omitempty" yaml:"step_binary,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	Debug      bool          `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// Validate checks p.
func (p Params) Validate() error {
	return validate.Struct(p)
}

type valueFlag struct {
	flag  string
	value string
}

func (p Params) valueFlags() []valueFlag {
	return []valueFlag{
		{"--address", p.Address},
		{"--authority", p.Authority},
		{"--context", p.Context},
		{"--credentials-file", p.CredentialsFile},
		{"--deployment-type", p.DeploymentType},
		{"--issuer", p.Issuer},
		{"--issuer-fingerprint", p.IssuerFingerprint},
		{"--issuer-provisioner", p.IssuerProvisioner},
		{"--key", p.Key},
		{"--key-password-file", p.KeyPasswordFile},
		{"--kms", p.KMS},
		{"--kms-intermediate", p.KMSIntermediate},
		{"--kms-root", p.KMSRoot},
		{"--kms-ssh-host", p.KMSSSHHost},
		{"--kms-ssh-user", p.KMSSSHUser},
		{"--name", p.Name},
		{"--password-file", p.PasswordFile},
		{"--profile", p.Profile},
		{"--provisioner", p.Provisioner},
		{"--provisioner-password-file", p.ProvisionerPasswordFile},
		{"--ra", p.RA},
		{"--root", p.Root},
		{"--with-ca-url", p.WithCAURL},
	}
}

// BuildCommand returns the `step ca init` argv for p. Blank values are
// skipped. The admin subject is only passed with remote management.
func BuildCommand(p Params) []string {
	binary := p.StepBinary
	if binary == "" {
		binary = "step"
	}
	args := []string{binary, "ca", "init"}

	for _, f := range p.valueFlags() {
		if v := strings.TrimSpace(f.value); v != "" {
			args = append(args, f.flag, v)
		}
	}
	if p.RemoteManagement {
		if v := strings.TrimSpace(p.AdminSubject); v != "" {
			args = append(args, "--admin-subject", v)
		}
	}

	for _, b := range []struct {
		set  bool
		flag string
	}{
		{p.ACME, "--acme"},
		{p.NoDB, "--no-db"},
		{p.PKI, "--pki"},
		{p.RemoteManagement, "--remote-management"},
		{p.SSH, "--ssh"},
	} {
		if b.set {
			args = append(args, b.flag)
		}
	}

	for _, name := range p.DNS {
		args = append(args, "--dns", name)
	}
	return args
}
