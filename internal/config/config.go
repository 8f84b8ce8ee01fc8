// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	maxPayoutLimit = 200
)

// Config holds every runtime setting.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string

	DatabaseDriver string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool
	DedupTTL      time.Duration

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIBase       string

	DefaultSiteKey      string
	PayoutLimit         int
	PayoutOverfetch     int
	HoldPeriod          time.Duration
	PlatformFeePercent  int64
	AutoPayoutsDisabled bool

	CronSecret string
	AdminToken string

	SweepInterval  time.Duration
	StaleLockAfter time.Duration
	ReaperInterval time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string
}

// RedisEnabled reports whether a Redis address is configured.
func (c Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// SMTPEnabled reports whether outbound mail is configured.
func (c Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

// Load reads the environment, applies defaults and validates the result.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		AppEnv:           envString("APP_ENV", "development"),
		LogLevel:         envString("LOG_LEVEL", "info"),
		LogFormat:        envString("LOG_FORMAT", "text"),
		HTTPListenAddr:   envString("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   envString("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: envString("METRICS_NAMESPACE", "storefront"),

		DatabaseDriver: strings.ToLower(envString("DATABASE_DRIVER", DriverPostgres)),
		DatabaseURL:    envString("DATABASE_URL", ""),
		DatabaseSchema: envString("DATABASE_SCHEMA", ""),
		SQLitePath:     envString("SQLITE_PATH", ""),

		RedisAddr:     envString("REDIS_ADDR", ""),
		RedisPassword: envString("REDIS_PASSWORD", ""),

		StripeSecretKey:     envString("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: envString("STRIPE_WEBHOOK_SECRET", ""),
		StripeAPIBase:       envString("STRIPE_API_BASE", ""),

		DefaultSiteKey: envString("DEFAULT_SITE_KEY", ""),
		CronSecret:     envString("CRON_SECRET", ""),
		AdminToken:     envString("ADMIN_TOKEN", ""),

		SMTPHost:     envString("SMTP_HOST", ""),
		SMTPUsername: envString("SMTP_USERNAME", ""),
		SMTPPassword: envString("SMTP_PASSWORD", ""),
		MailFrom:     envString("MAIL_FROM", ""),
	}

	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	cfg.RedisDB, err = envInt("REDIS_DB", 0)
	collect(err)
	cfg.RedisTLS, err = envBool("REDIS_TLS", false)
	collect(err)
	cfg.DedupTTL, err = envDuration("WEBHOOK_DEDUP_TTL", 720*time.Hour)
	collect(err)
	cfg.PayoutLimit, err = envInt("PAYOUT_LIMIT", 50)
	collect(err)
	cfg.PayoutOverfetch, err = envInt("PAYOUT_OVERFETCH", 3)
	collect(err)
	cfg.HoldPeriod, err = envDuration("PAYOUT_HOLD_PERIOD", 168*time.Hour)
	collect(err)
	fee, err := envInt("PLATFORM_FEE_PERCENT", 10)
	collect(err)
	cfg.PlatformFeePercent = int64(fee)
	cfg.AutoPayoutsDisabled, err = envBool("AUTO_PAYOUTS_DISABLED", false)
	collect(err)
	cfg.SweepInterval, err = envDuration("PAYOUT_SWEEP_INTERVAL", 0)
	collect(err)
	cfg.StaleLockAfter, err = envDuration("STALE_LOCK_AFTER", 30*time.Minute)
	collect(err)
	cfg.ReaperInterval, err = envDuration("REAPER_INTERVAL", 0)
	collect(err)
	cfg.SMTPPort, err = envInt("SMTP_PORT", 587)
	collect(err)

	collect(cfg.validate())
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q is not supported", c.DatabaseDriver))
	}
	if c.StripeSecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}
	if c.PlatformFeePercent < 0 || c.PlatformFeePercent > 100 {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_PERCENT must be between 0 and 100, got %d", c.PlatformFeePercent))
	}
	if c.PayoutLimit <= 0 {
		errs = append(errs, fmt.Errorf("PAYOUT_LIMIT must be positive, got %d", c.PayoutLimit))
	}
	if c.PayoutLimit > maxPayoutLimit {
		c.PayoutLimit = maxPayoutLimit
	}
	if c.PayoutOverfetch < 1 {
		errs = append(errs, fmt.Errorf("PAYOUT_OVERFETCH must be at least 1, got %d", c.PayoutOverfetch))
	}
	if c.HoldPeriod < 0 || c.SweepInterval < 0 || c.ReaperInterval < 0 || c.StaleLockAfter < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.SMTPEnabled() && c.MailFrom == "" {
		errs = append(errs, errors.New("MAIL_FROM is required when SMTP_HOST is set"))
	}
	return errors.Join(errs...)
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := envString(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func envBool(key string, def bool) (bool, error) {
	raw := envString(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := envString(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}
