package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventKeyPrefix         = "webhook:event:"
	autoPayoutsDisabledKey = "payouts:auto_disabled"
	defaultDedupTTL        = 30 * 24 * time.Hour
)

// Redis wraps a go-redis client with logging helpers.
type Redis struct {
	client   *redis.Client
	logger   *slog.Logger
	dedupTTL time.Duration
}

// Config defines connection parameters for Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
	DedupTTL time.Duration
}

// New returns a Redis client based on provided configuration.
func New(cfg Config, logger *slog.Logger) *Redis {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return NewFromClient(redis.NewClient(opts), cfg.DedupTTL, logger)
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, dedupTTL time.Duration, logger *slog.Logger) *Redis {
	if dedupTTL <= 0 {
		dedupTTL = defaultDedupTTL
	}
	return &Redis{
		client:   client,
		logger:   logger.With("component", "redis"),
		dedupTTL: dedupTTL,
	}
}

// Client exposes the underlying go-redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// SetJSON caches a value as JSON with the provided TTL.
func (r *Redis) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := jsonMarshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

// GetJSON retrieves JSON value and unmarshals into dest.
func (r *Redis) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	res, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := jsonUnmarshal([]byte(res), dest); err != nil {
		return false, err
	}
	return true, nil
}

type eventMarker struct {
	Type        string `json:"type"`
	ProcessedAt int64  `json:"processed_at"`
}

// HasProcessedEvent reports whether a dedup marker exists for the webhook event.
func (r *Redis) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, eventKeyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", eventID, err)
	}
	return n > 0, nil
}

// MarkEventProcessed writes the dedup marker for the webhook event.
func (r *Redis) MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error {
	marker := eventMarker{Type: eventType, ProcessedAt: at.UnixMilli()}
	if err := r.SetJSON(ctx, eventKeyPrefix+eventID, marker, r.dedupTTL); err != nil {
		return fmt.Errorf("redis mark event %s: %w", eventID, err)
	}
	return nil
}

// AutoPayoutsOverride returns the operator override of the global kill switch.
// set is false when no override is stored.
func (r *Redis) AutoPayoutsOverride(ctx context.Context) (disabled, set bool, err error) {
	val, err := r.client.Get(ctx, autoPayoutsDisabledKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("redis get %s: %w", autoPayoutsDisabledKey, err)
	}
	disabled, err = strconv.ParseBool(val)
	if err != nil {
		r.logger.Warn("ignoring unparsable kill switch override", "value", val)
		return false, false, nil
	}
	return disabled, true, nil
}

// SetAutoPayoutsDisabled stores the kill switch override.
func (r *Redis) SetAutoPayoutsDisabled(ctx context.Context, disabled bool) error {
	if err := r.client.Set(ctx, autoPayoutsDisabledKey, strconv.FormatBool(disabled), 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", autoPayoutsDisabledKey, err)
	}
	r.logger.Info("global auto payouts override stored", "disabled", disabled)
	return nil
}

// ClearAutoPayoutsOverride removes the override so the configured default applies.
func (r *Redis) ClearAutoPayoutsOverride(ctx context.Context) error {
	if err := r.client.Del(ctx, autoPayoutsDisabledKey).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", autoPayoutsDisabledKey, err)
	}
	return nil
}

// Close releases Redis resources.
func (r *Redis) Close() error {
	return r.client.Close()
}

func jsonMarshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

func jsonUnmarshal(data []byte, dest any) error {
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("json unmarshal: %w", err)
	}
	return nil
}
