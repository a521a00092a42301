package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"telemetry-alert/internal/alert"
	"telemetry-alert/internal/config"
	"telemetry-alert/internal/cooldown"
	"telemetry-alert/internal/elasticsearch"
	"telemetry-alert/internal/eventbus"
	"telemetry-alert/internal/history"
	"telemetry-alert/internal/logging"
	"telemetry-alert/internal/metrics"
	"telemetry-alert/internal/notification"
	"telemetry-alert/internal/realtime"
	"telemetry-alert/internal/rule"
	"telemetry-alert/internal/telemetry"
	"telemetry-alert/internal/web"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the evaluator, notification dispatch, realtime hub and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Set environment variable for skipping Elasticsearch product check
	if cfg.Elasticsearch.SkipProductCheck {
		if err := os.Setenv("ELASTIC_CLIENT_SKIP_PRODUCT_CHECK", "true"); err != nil {
			logging.Warnf("failed to set ELASTIC_CLIENT_SKIP_PRODUCT_CHECK: %v", err)
		}
	}

	esClient, err := elasticsearch.NewClient(cfg.Elasticsearch)
	if err != nil {
		return fmt.Errorf("init elasticsearch client error: %w", err)
	}
	pingCtx, cancelPing := context.WithTimeout(ctx, 10*time.Second)
	if err := esClient.Ping(pingCtx); err != nil {
		// 启动时允许后端暂不可用，评估周期会继续重试
		logging.Warnf("search backend not reachable yet: %v", err)
	}
	cancelPing()

	m := metrics.New()
	svc := telemetry.NewService(esClient, telemetry.Options{
		Indices:        cfg.Elasticsearch.Indices,
		TimestampField: cfg.Elasticsearch.TimestampField,
		Location:       cfg.Scheduler.Location(),
		MaxPoints:      cfg.Rules.MaxPoints,
	})
	var source telemetry.Source = svc
	if cfg.Redis.Addr != "" {
		cache, err := telemetry.NewRedisCache(ctx, cfg.Redis)
		if err != nil {
			logging.Warnf("stats cache disabled: %v", err)
		} else {
			defer cache.Close()
			source = telemetry.NewCachedStats(svc, cache, cfg.Redis.GetStatsTTL(cfg.Scheduler.GetStatsInterval()))
		}
	}

	rules, events, closeStores, err := openStores(ctx, cfg.Database)
	defer closeStores()
	if err != nil {
		return err
	}
	if cfg.Rules.Directory != "" {
		if err := syncRules(ctx, cfg.Rules, rules); err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
	}

	bus, err := eventbus.New(cfg.Bus)
	if err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}
	notifiers, err := notification.BuildNotifiers(ctx, cfg.Notifications)
	if err != nil {
		return fmt.Errorf("init notifiers: %w", err)
	}
	dispatcher := notification.NewDispatcher(notifiers, notification.Options{
		Timeout: cfg.Notifications.GetTimeout(),
		Retry: notification.RetryPolicy{
			MaxRetries:     cfg.Notifications.Retry.GetMaxRetries(),
			InitialBackoff: cfg.Notifications.Retry.GetInitialBackoff(),
			MaxBackoff:     cfg.Notifications.Retry.GetMaxBackoff(),
		},
		Metrics: m,
	})

	tracker := cooldown.NewTracker()
	recorder := history.NewRecorder(events, 0)
	hub := realtime.NewHub(source, realtime.Options{
		SendBuffer:   cfg.Realtime.SendBuffer,
		WriteTimeout: cfg.Realtime.GetWriteTimeout(),
		RecentLimit:  cfg.Realtime.RecentLimit,
		MaxRecent:    cfg.Realtime.MaxRecent,
		Metrics:      m,
	})

	evaluator, err := alert.NewEvaluator(alert.Deps{
		Rules:       rules,
		Telemetry:   svc,
		Cooldowns:   tracker,
		Dispatcher:  dispatcher,
		History:     recorder,
		Broadcaster: hub,
		Publisher:   bus,
		Metrics:     m,
	}, alert.Options{
		Workers:    cfg.Scheduler.Workers,
		MaxPoints:  cfg.Rules.MaxPoints,
		SampleSize: cfg.Rules.SampleSize,
	})
	if err != nil {
		return fmt.Errorf("init alert evaluator error: %w", err)
	}
	if cfg.Rules.SeedCooldowns {
		if err := evaluator.SeedCooldowns(ctx); err != nil {
			logging.Warnf("seed cooldowns: %v", err)
		}
	}

	sched := alert.NewScheduler(cfg.Scheduler.Location(), cfg.Scheduler.GetTickTimeout())
	if err := sched.Every("evaluate-rules", cfg.Scheduler.GetEvaluationInterval(), func(ctx context.Context) {
		evaluator.EvaluateAll(ctx)
	}); err != nil {
		return err
	}
	if err := sched.Every("broadcast-stats", cfg.Scheduler.GetStatsInterval(), hub.BroadcastStats); err != nil {
		return err
	}

	srv := web.NewServer(cfg.Web, web.Deps{
		Rules:     rules,
		Evaluator: evaluator,
		History:   recorder,
		Telemetry: source,
		Cooldowns: tracker,
		Publisher: bus,
		Hub:       hub,
		Metrics:   m,
	})

	// recorder 与 hub 在有序关闭阶段才停止
	bg, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { recorder.Run(bg); return nil })
	g.Go(func() error { hub.Run(bg); return nil })
	g.Go(srv.Start)
	if cfg.Rules.Directory != "" && cfg.Rules.Watch {
		g.Go(func() error {
			return rule.Watch(gctx, cfg.Rules.Directory, func() {
				if err := syncRules(gctx, cfg.Rules, rules); err != nil {
					logging.Errorf("reload rules: %v", err)
				}
			})
		})
	}

	sched.Start()
	logging.Infof("telemetry-alert is running, timezone=%s", cfg.Scheduler.Timezone)

	g.Go(func() error {
		<-gctx.Done()
		logging.Infof("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := sched.Stop(sctx); err != nil {
			logging.Warnf("scheduler stop: %v", err)
		}
		if err := srv.Shutdown(sctx); err != nil {
			logging.Warnf("web shutdown: %v", err)
		}
		if err := recorder.Close(sctx); err != nil {
			logging.Warnf("history flush: %v", err)
		}
		cancelBg()
		if err := bus.Close(); err != nil {
			logging.Warnf("event bus close: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logging.Infof("telemetry-alert stopped")
	return nil
}
