package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront-escrow/internal/cache"
	"storefront-escrow/internal/config"
	"storefront-escrow/internal/httpserver"
	"storefront-escrow/internal/logging"
	"storefront-escrow/internal/metrics"
	"storefront-escrow/internal/notify"
	"storefront-escrow/internal/payout"
	"storefront-escrow/internal/processor"
	"storefront-escrow/internal/repo"
	"storefront-escrow/internal/scheduler"
	"storefront-escrow/internal/transfer"
	"storefront-escrow/internal/webhook"
	"storefront-escrow/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting storefront-escrow", "env", cfg.AppEnv, "driver", cfg.DatabaseDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	killSwitch := payout.KillSwitch{Default: cfg.AutoPayoutsDisabled, Logger: logger}
	var dedup webhook.Dedup = repository
	var overrides httpserver.KillSwitchStore
	if cfg.RedisEnabled() {
		redisClient := cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
			DedupTTL: cfg.DedupTTL,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		dedup = redisClient
		killSwitch.Override = redisClient
		overrides = redisClient
	} else {
		logger.Info("redis not configured, webhook dedup uses the database")
	}

	stripeClient := processor.New(processor.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		BackendURL:    cfg.StripeAPIBase,
	}, logger, metricRegistry)

	var notifier notify.Notifier = notify.NewLog(logger, metricRegistry)
	if cfg.SMTPEnabled() {
		notifier = notify.NewSMTP(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		}, logger, metricRegistry)
	}

	executor := transfer.NewExecutor(stripeClient, repository, logger, metricRegistry)
	orchestrator := payout.New(payout.Config{
		DefaultLimit: cfg.PayoutLimit,
		Overfetch:    cfg.PayoutOverfetch,
	}, repository, executor, killSwitch, notifier, logger, metricRegistry)
	reaper := payout.NewReaper(repository, cfg.StaleLockAfter, logger, metricRegistry)
	refunds := payout.NewRefunds(repository, stripeClient, logger, metricRegistry)

	webhookProcessor := webhook.NewProcessor(webhook.Config{
		DefaultSiteKey:     cfg.DefaultSiteKey,
		HoldPeriod:         cfg.HoldPeriod,
		PlatformFeePercent: cfg.PlatformFeePercent,
	}, repository, dedup, stripeClient, notifier, logger, metricRegistry)
	webhookHandler := webhook.NewHandler(logger, metricRegistry, stripeClient, webhookProcessor)

	jobs, err := scheduler.New(scheduler.Config{
		SweepInterval:  cfg.SweepInterval,
		SweepLimit:     cfg.PayoutLimit,
		ReaperInterval: cfg.ReaperInterval,
	}, orchestrator, reaper, logger, metricRegistry)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	jobs.Start(ctx)
	defer func() {
		if err := jobs.Shutdown(); err != nil {
			logger.Error("scheduler shutdown error", "error", err)
		}
	}()

	httpSrv := httpserver.New(httpserver.Config{
		Addr:       cfg.HTTPListenAddr,
		BasePath:   cfg.PublicBasePath,
		CronSecret: cfg.CronSecret,
		AdminToken: cfg.AdminToken,
	}, logger, metricRegistry, httpserver.Handlers{
		StripeWebhook: webhookHandler,
	})
	httpSrv.SetDependencies(httpserver.Dependencies{
		Store:      repository,
		Releaser:   orchestrator,
		Refunds:    refunds,
		Reaper:     reaper,
		KillSwitch: overrides,
		Flags:      killSwitch,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (repo.Repository, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		r, err := repo.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("init sqlite repository: %w", err)
		}
		return r, nil
	default:
		r, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
		if err != nil {
			return nil, fmt.Errorf("init repository: %w", err)
		}
		return r, nil
	}
}
