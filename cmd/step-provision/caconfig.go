package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manchtools/step-provision/internal/caconfig"
)

type patchResult struct {
	Path        string            `json:"path"`
	Changed     bool              `json:"changed"`
	ChangedKeys []string          `json:"changed_keys"`
	CheckOnly   bool              `json:"check_only,omitempty"`
	Config      caconfig.Document `json:"config"`
}

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or patch CA configuration files",
	}
	cmd.AddCommand(newConfigShowCommand(a), newConfigPatchCommand(a))
	return cmd
}

func newConfigShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show FILE",
		Short: "Print a JSON configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := caconfig.Load(args[0])
			if err != nil {
				return err
			}
			return a.print(doc, nil)
		},
	}
}

func newConfigPatchCommand(a *app) *cobra.Command {
	var (
		assignments []string
		check       bool
	)

	cmd := &cobra.Command{
		Use:   "patch FILE",
		Short: "Set top-level keys of a JSON configuration file",
		Long: fmt.Sprintf(`Set top-level keys of a JSON configuration file, creating it when
missing. The file is only rewritten when a value changes.

Known keys: %s`, strings.Join(caconfig.Keys, ", ")),
		Example: `  step-provision config patch /etc/step-ca/config/ca.json \
    --set root=/etc/step-ca/certs/root_ca.crt --set db_datasource=/var/lib/step-ca/db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			var updates caconfig.Updates
			for _, kv := range assignments {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("--set %q: expected KEY=VALUE", kv)
				}
				if err := updates.Set(strings.TrimSpace(key), value); err != nil {
					return err
				}
			}

			doc, err := caconfig.Load(path)
			if err != nil {
				return err
			}
			changed := caconfig.Patch(doc, updates.Map())

			res := patchResult{
				Path:        path,
				Changed:     len(changed) > 0,
				ChangedKeys: changed,
				CheckOnly:   check,
				Config:      doc,
			}
			if res.ChangedKeys == nil {
				res.ChangedKeys = []string{}
			}
			if res.Changed && !check {
				if err := caconfig.Save(path, doc); err != nil {
					return err
				}
				a.logger.Info("configuration updated", "path", path, "keys", changed)
			}
			return a.print(res, nil)
		},
	}

	cmd.Flags().StringArrayVar(&assignments, "set", nil, "KEY=VALUE to set (repeatable)")
	cmd.Flags().BoolVar(&check, "check", false, "Report changes without writing the file")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}
