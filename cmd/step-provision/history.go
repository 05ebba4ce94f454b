package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/manchtools/step-provision/internal/journal"
	"github.com/manchtools/step-provision/internal/validate"
)

func newHistoryCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [provisioner]",
		Short: "Show recorded runs, newest first",
		Example: `  step-provision history
  step-provision history deploy --limit 5 -o table`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) > 0 {
				name = args[0]
			}

			j, err := journal.Open(a.cfg.JournalDir)
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.Recent(name, limit)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			if entries == nil {
				entries = []journal.Entry{}
			}
			return a.print(entries, func(w io.Writer) error {
				fmt.Fprintln(w, "RECORDED\tNAME\tTYPE\tSTATE\tACTION\tCHANGED\tERROR")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
						e.RecordedAt.Local().Format(time.DateTime), e.Name, e.Type, e.State, e.Action, e.Changed, e.Error)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries to show")
	cmd.AddCommand(newHistoryShowCommand(a), newHistoryPruneCommand(a), newHistoryVerifyCommand(a))
	return cmd
}

func newHistoryShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validate.Var("run_id", args[0], "required,ulid"); err != nil {
				return err
			}
			j, err := journal.Open(a.cfg.JournalDir)
			if err != nil {
				return err
			}
			defer j.Close()

			e, err := j.Get(args[0])
			if err != nil {
				return err
			}
			return a.print(e, nil)
		},
	}
}

func newHistoryPruneCommand(a *app) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete journal entries older than a retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			j, err := journal.Open(a.cfg.JournalDir)
			if err != nil {
				return err
			}
			defer j.Close()

			n, err := j.Cleanup(olderThan)
			if err != nil {
				return fmt.Errorf("prune journal: %w", err)
			}
			a.logger.Info("journal pruned", "removed", n, "older_than", olderThan)
			return a.print(map[string]int64{"removed": n}, nil)
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "Retention period")
	return cmd
}

type verifyResult struct {
	Name    string   `json:"name"`
	Matched bool     `json:"matched"`
	RunIDs  []string `json:"run_ids"`
}

// newHistoryVerifyCommand checks a password against the fingerprints of
// generated passwords recorded for a provisioner.
func newHistoryVerifyCommand(a *app) *cobra.Command {
	var (
		passwordFile string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "verify-password PROVISIONER",
		Short: "Check whether a password is one generated by a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				pw  string
				err error
			)
			if passwordFile != "" {
				pw, err = readPasswordFile(passwordFile)
			} else {
				pw, err = a.readPassword("Password: ", false)
			}
			if err != nil {
				return err
			}

			j, err := journal.Open(a.cfg.JournalDir)
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.Recent(args[0], limit)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}

			res := verifyResult{Name: args[0], RunIDs: []string{}}
			for _, e := range entries {
				if e.PasswordFingerprint == "" {
					continue
				}
				ok, err := journal.MatchFingerprint(e.PasswordFingerprint, pw)
				if err != nil {
					a.logger.Warn("skipping unreadable fingerprint", "run_id", e.ID, "error", err)
					continue
				}
				if ok {
					res.RunIDs = append(res.RunIDs, e.ID)
				}
			}
			res.Matched = len(res.RunIDs) > 0
			return a.print(res, nil)
		},
	}

	cmd.Flags().StringVar(&passwordFile, "password-file", "", "File holding the password to check")
	cmd.Flags().IntVar(&limit, "limit", 100, "Number of recent runs to search")
	return cmd
}
