package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"telemetry-alert/internal/config"
	"telemetry-alert/internal/rule"
)

func newRulesCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate or import YAML rule files",
	}

	var dir string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check every rule file in the rules directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			d := pick(dir, cfg.Rules.Directory)
			if d == "" {
				return fmt.Errorf("no rules directory configured")
			}
			rules, err := rule.LoadDir(d, cfg.Rules.GetDefaultCooldown())
			if err != nil {
				return err
			}
			for _, r := range rules {
				fmt.Fprintf(cmd.OutOrStdout(), "ok  %-32s %-9s %-8s enabled=%v\n", r.Name, r.Type, r.Severity, r.Enabled)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rules valid\n", len(rules))
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert the rule files into the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Database.Driver == "memory" {
				return fmt.Errorf("rules import needs a persistent database (database.driver is memory)")
			}
			rc := cfg.Rules
			rc.Directory = pick(dir, rc.Directory)
			if rc.Directory == "" {
				return fmt.Errorf("no rules directory configured")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, _, closeStores, err := openStores(ctx, cfg.Database)
			defer closeStores()
			if err != nil {
				return err
			}
			return syncRules(ctx, rc, store)
		},
	}

	for _, c := range []*cobra.Command{validate, importCmd} {
		c.Flags().StringVar(&dir, "dir", "", "rules directory (defaults to rules.directory)")
		cmd.AddCommand(c)
	}
	return cmd
}

func pick(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
