package main

import (
	"github.com/spf13/cobra"

	"github.com/manchtools/step-provision/internal/initca"
	"github.com/manchtools/step-provision/internal/provisioner"
)

func newInitCommand(a *app) *cobra.Command {
	var (
		p              initca.Params
		passwordPrompt bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new certificate authority",
		Long: `Run 'step ca init' non-interactively in the CA path. Existing CA
files stop the run unless --force is given, which deletes them first.`,
		Example: `  step-provision init --ca-path /etc/step-ca --name "Example CA" \
    --dns ca.internal --address :9000 \
    --password-file /run/secrets/ca --provisioner-password-file /run/secrets/admin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.writeMetrics()

			p.Path = a.cfg.CAPath
			if p.Path == "" {
				path, err := provisioner.StepPath(cmd.Context(), a.executor(), a.cfg.StepBinary, a.cfg.RunAs)
				if err != nil {
					return err
				}
				p.Path = path
			}
			p.RunAs = a.cfg.RunAs
			p.StepBinary = a.cfg.StepBinary
			p.Debug = a.cfg.Debug
			if a.cfg.Timeout > 0 {
				p.Timeout = a.cfg.Timeout
			}

			if passwordPrompt {
				pw, err := a.readPassword("CA key password: ", true)
				if err != nil {
					return err
				}
				p.Password, p.PasswordFile = pw, ""
				pw, err = a.readPassword("Provisioner password: ", true)
				if err != nil {
					return err
				}
				p.ProvisionerPassword, p.ProvisionerPasswordFile = pw, ""
			}

			out, err := initca.New(a.executor(), initca.WithLogger(a.logger)).Run(cmd.Context(), p)
			if err != nil {
				return err
			}
			if out.SecretWarning != "" {
				a.logger.Warn(out.SecretWarning, "path", out.Path)
			}
			return a.print(out, nil)
		},
	}

	f := cmd.Flags()
	f.StringVar(&p.Name, "name", "", "Name of the new PKI")
	f.StringSliceVar(&p.DNS, "dns", nil, "DNS name or IP address of the CA (repeatable)")
	f.StringVar(&p.Address, "address", "", "Address the CA listens on, e.g. :443")
	f.StringVar(&p.Provisioner, "provisioner", "admin", "Name of the first provisioner")
	f.StringVar(&p.DeploymentType, "deployment-type", "standalone", "Deployment type (standalone, linked, hosted)")
	f.StringVar(&p.PasswordFile, "password-file", "", "File with the password that encrypts the CA keys")
	f.StringVar(&p.ProvisionerPasswordFile, "provisioner-password-file", "", "File with the password that encrypts the provisioner key")
	f.BoolVar(&passwordPrompt, "password-prompt", false, "Prompt for both passwords instead of reading files")
	f.BoolVar(&p.Force, "force", false, "Delete existing CA certificates, keys and configuration first")
	f.BoolVar(&p.CheckOnly, "check", false, "Report whether the CA would be initialized without doing it")

	f.BoolVar(&p.ACME, "acme", false, "Create an ACME provisioner")
	f.BoolVar(&p.SSH, "ssh", false, "Create keys to sign SSH certificates")
	f.BoolVar(&p.NoDB, "no-db", false, "Run the CA without a database")
	f.BoolVar(&p.PKI, "pki", false, "Generate only the PKI without the CA configuration")
	f.BoolVar(&p.RemoteManagement, "remote-management", false, "Enable remote provisioner management")
	f.StringVar(&p.AdminSubject, "admin-subject", "", "Admin subject, with --remote-management")

	f.StringVar(&p.Root, "root", "", "Existing root certificate (PEM) to use")
	f.StringVar(&p.Key, "key", "", "Key of the existing root certificate")
	f.StringVar(&p.KeyPasswordFile, "key-password-file", "", "File with the password of the existing root key")
	f.StringVar(&p.Context, "context", "", "step context name")
	f.StringVar(&p.Profile, "profile", "", "step profile name")
	f.StringVar(&p.Authority, "authority", "", "step authority name")
	f.StringVar(&p.WithCAURL, "with-ca-url", "", "CA URL written to defaults.json")
	f.StringVar(&p.CredentialsFile, "credentials-file", "", "Cloud credentials file for a registration authority")
	f.StringVar(&p.RA, "ra", "", "Registration authority (StepCAS, CloudCAS)")
	f.StringVar(&p.Issuer, "issuer", "", "Issuer URL of the registration authority")
	f.StringVar(&p.IssuerFingerprint, "issuer-fingerprint", "", "Root fingerprint of the issuing CA")
	f.StringVar(&p.IssuerProvisioner, "issuer-provisioner", "", "Provisioner of the issuing CA")
	f.StringVar(&p.KMS, "kms", "", "Key management service (azurekms)")
	f.StringVar(&p.KMSRoot, "kms-root", "", "KMS URI of the root key")
	f.StringVar(&p.KMSIntermediate, "kms-intermediate", "", "KMS URI of the intermediate key")
	f.StringVar(&p.KMSSSHHost, "kms-ssh-host", "", "KMS URI of the SSH host signing key")
	f.StringVar(&p.KMSSSHUser, "kms-ssh-user", "", "KMS URI of the SSH user signing key")

	_ = cmd.MarkFlagRequired("name")
	return cmd
}
