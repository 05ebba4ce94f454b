package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/manchtools/step-provision/internal/journal"
	"github.com/manchtools/step-provision/internal/provisioner"
)

func newProvisionerCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "provisioner",
		Aliases: []string{"provisioners"},
		Short:   "List and reconcile CA provisioners",
	}
	cmd.AddCommand(newProvisionerListCommand(a), newProvisionerReconcileCommand(a))
	return cmd
}

func (a *app) reconciler(ctx context.Context) (*provisioner.Reconciler, error) {
	ca, err := a.caContext(ctx)
	if err != nil {
		return nil, err
	}
	return provisioner.New(ca, a.executor(),
		provisioner.WithLogger(a.logger),
		provisioner.WithObserver(a.metrics),
		provisioner.WithLockTimeout(a.cfg.LockTimeout),
	)
}

func newProvisionerListCommand(a *app) *cobra.Command {
	var name, typ string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the provisioners of the CA",
		Example: `  step-provision provisioner list --ca-url https://ca.internal:9000
  step-provision provisioner list --type JWK -o table`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.writeMetrics()

			r, err := a.reconciler(cmd.Context())
			if err != nil {
				return err
			}
			all, err := r.Load(cmd.Context())
			if err != nil {
				return err
			}

			list := make([]provisioner.Provisioner, 0, len(all))
			for _, p := range all {
				if (name == "" || p.Name == name) && (typ == "" || p.Type == typ) {
					list = append(list, p)
				}
			}
			return a.print(list, func(w io.Writer) error {
				fmt.Fprintln(w, "NAME\tTYPE")
				for _, p := range list {
					fmt.Fprintf(w, "%s\t%s\n", p.Name, p.Type)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Only show the provisioner with this name")
	cmd.Flags().StringVar(&typ, "type", "", "Only show provisioners of this type")
	return cmd
}

func newProvisionerReconcileCommand(a *app) *cobra.Command {
	var (
		req            provisioner.Request
		state          string
		passwordFile   string
		passwordPrompt bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Add or remove a provisioner so it matches the desired state",
		Long: `Bring one provisioner to the desired state. A missing JWK provisioner
is created with the given password or, without one, a generated password
that is printed once in the result. The CA must be restarted for changes
to take effect.`,
		Example: `  step-provision provisioner reconcile --name acme --type ACME
  step-provision provisioner reconcile --name deploy --type JWK --password-file /run/secrets/deploy
  step-provision provisioner reconcile --name old --state absent --check`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.writeMetrics()

			req.State = provisioner.State(state)
			if passwordFile != "" && passwordPrompt {
				return errors.New("--password-file and --password-prompt are mutually exclusive")
			}
			switch {
			case passwordFile != "":
				pw, err := readPasswordFile(passwordFile)
				if err != nil {
					return err
				}
				req.Password = pw
			case passwordPrompt:
				pw, err := a.readPassword("Provisioner password: ", true)
				if err != nil {
					return err
				}
				req.Password = pw
			}

			r, err := a.reconciler(cmd.Context())
			if err != nil {
				return err
			}

			start := time.Now()
			out, err := r.Reconcile(cmd.Context(), req)
			a.journal(req, out, err, time.Since(start))
			if err != nil {
				return err
			}
			if out.SecretWarning != "" {
				a.logger.Warn(out.SecretWarning, "provisioner", out.Name)
			}
			return a.print(out, nil)
		},
	}

	cmd.Flags().StringVar(&req.Name, "name", "", "Provisioner name")
	cmd.Flags().StringVar(&req.Type, "type", "", "Provisioner type, required when it has to be created (JWK, ACME, ...)")
	cmd.Flags().StringVar(&state, "state", string(provisioner.StatePresent), "Desired state (present, absent)")
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "File holding the password of a new JWK provisioner")
	cmd.Flags().BoolVar(&passwordPrompt, "password-prompt", false, "Prompt for the password of a new JWK provisioner")
	cmd.Flags().BoolVar(&req.CheckOnly, "check", false, "Report what would change without changing anything")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// readPasswordFile returns the first line of path without its line ending.
func readPasswordFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read password file: %w", err)
	}
	pw, _, _ := strings.Cut(string(data), "\n")
	pw = strings.TrimSuffix(pw, "\r")
	if pw == "" {
		return "", fmt.Errorf("password file %s is empty", path)
	}
	return pw, nil
}

// journal records a reconciliation. Journal problems are logged and never
// fail the run.
func (a *app) journal(req provisioner.Request, out *provisioner.Outcome, runErr error, elapsed time.Duration) {
	if a.cfg.NoJournal {
		return
	}
	j, err := journal.Open(a.cfg.JournalDir)
	if err != nil {
		a.logger.Warn("failed to open journal", "dir", a.cfg.JournalDir, "error", err)
		return
	}
	defer j.Close()

	e := journal.Entry{
		Name:       req.Name,
		Type:       req.Type,
		State:      string(req.State),
		CheckOnly:  req.CheckOnly,
		DurationMs: elapsed.Milliseconds(),
		Action:     "failed",
	}
	if runErr != nil {
		e.Error = provisioner.Describe(runErr)
	}
	if out != nil {
		e.ID = out.RunID
		e.Action = string(out.Action)
		e.Changed = out.Changed
		e.RestartRequired = out.RestartRequired
		if out.GeneratedPassword != "" {
			fp, err := journal.Fingerprint(out.GeneratedPassword)
			if err != nil {
				a.logger.Warn("failed to fingerprint generated password", "error", err)
			} else {
				e.PasswordFingerprint = fp
			}
		}
	}

	if _, err := j.Record(e); err != nil {
		a.logger.Warn("failed to record run", "error", err)
	}
}
