package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"telemetry-alert/internal/config"
	"telemetry-alert/internal/history"
	"telemetry-alert/internal/logging"
	"telemetry-alert/internal/rule"
	"telemetry-alert/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "telemetry-alert",
		Short:         "Rule-based alerting and realtime monitoring for IoT telemetry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./configs/config.yaml", "path to config.yaml")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config error: %w", err)
		}
		logging.Init(cfg.Logging.Level, cfg.Logging.Format)
		return cfg, nil
	}

	root.AddCommand(newServeCmd(load), newRulesCmd(load))
	return root
}

// openStores 按 database.driver 选择内存或 SQL 存储，返回的 close 总是可调用
func openStores(ctx context.Context, cfg config.DatabaseConfig) (rule.Store, history.Store, func(), error) {
	if cfg.Driver == "memory" {
		logging.Infof("using in-memory rule and history stores")
		return rule.NewMemoryStore(), history.NewMemoryStore(), func() {}, nil
	}
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, nil, func() {}, err
	}
	if cfg.Migrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, func() {}, fmt.Errorf("migrate: %w", err)
		}
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			logging.Warnf("close database: %v", err)
		}
	}
	return storage.NewRuleStore(db), storage.NewHistoryStore(db), closeDB, nil
}

// syncRules loads the rules directory into the store. A bad file aborts the
// whole load so a half-edited directory never partially applies.
func syncRules(ctx context.Context, cfg config.RulesConfig, store rule.Store) error {
	rules, err := rule.LoadDir(cfg.Directory, cfg.GetDefaultCooldown())
	if err != nil {
		return err
	}
	n, err := rule.Sync(ctx, store, rules)
	logging.Infof("rules synced from %s: %d/%d", cfg.Directory, n, len(rules))
	return err
}
