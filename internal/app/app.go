// Package app builds the shared service components from configuration.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/dunamismax/sharpscale/internal/codec"
	"github.com/dunamismax/sharpscale/internal/config"
	"github.com/dunamismax/sharpscale/internal/enhance"
	"github.com/dunamismax/sharpscale/internal/ratelimit"
	"github.com/dunamismax/sharpscale/internal/resample"
	"github.com/dunamismax/sharpscale/internal/storage"
	"github.com/dunamismax/sharpscale/internal/store"
	"github.com/dunamismax/sharpscale/internal/telemetry"
	"github.com/dunamismax/sharpscale/internal/webhook"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewEnhancer builds the enhance pipeline described by cfg on top of the
// build's codec.
func NewEnhancer(cfg config.EnhanceConfig, logger *zap.Logger) (*enhance.Pipeline, error) {
	resampler, err := resample.New(cfg.Filter)
	if err != nil {
		return nil, err
	}
	policy, err := cfg.SharpenPolicy()
	if err != nil {
		return nil, err
	}

	return enhance.New(
		codec.New(codec.QualityDefaults(cfg.Quality)),
		enhance.WithResampler(resampler),
		enhance.WithPolicy(policy),
		enhance.WithMaxPixels(cfg.MaxPixels),
		enhance.WithLogger(logger),
	)
}

func NewStorage(cfg config.StorageConfig) (storage.Store, error) {
	return storage.New(storage.Config{
		Provider: cfg.Provider,
		Endpoint: cfg.Endpoint,
		Access:   cfg.AccessKey,
		Secret:   cfg.SecretKey,
		Bucket:   cfg.Bucket,
		Region:   cfg.Region,
		UseSSL:   cfg.UseSSL,
	})
}

// Stores bundles the job and usage stores with their cleanup.
type Stores struct {
	Jobs  store.JobStore
	Usage store.UsageStore
	Close func() error
}

// OpenStores connects to Postgres when a DSN is configured and falls back to
// memory otherwise.
func OpenStores(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Stores, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		logger.Warn("database dsn not set, jobs are kept in memory")
		mem := store.NewMemoryJobStore()
		return Stores{Jobs: mem, Usage: mem, Close: func() error { return nil }}, nil
	}

	pg, err := store.NewPostgresJobStore(ctx, cfg.DSN)
	if err != nil {
		return Stores{}, err
	}
	return Stores{Jobs: pg, Usage: pg, Close: pg.Close}, nil
}

// NewRateLimiter returns nil when rate limiting is disabled. The returned
// close func releases the redis client.
func NewRateLimiter(cfg config.RateLimitConfig, queueCfg config.QueueConfig) (ratelimit.Limiter, func() error, error) {
	if !cfg.Enabled {
		return nil, func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     queueCfg.RedisAddr,
		Password: queueCfg.RedisPassword,
		DB:       queueCfg.RedisDB,
	})
	limiter, err := ratelimit.New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("build rate limiter: %w", err)
	}
	return limiter, client.Close, nil
}

func NewWebhookClient(cfg config.WebhookConfig) *webhook.Client {
	return webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.SigningSecret,
		Timeout:        cfg.Timeout,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	})
}

func TraceConfig(cfg config.TelemetryConfig, component string) telemetry.TraceConfig {
	return telemetry.TraceConfig{
		ServiceName:  cfg.ServiceName,
		Component:    component,
		Exporter:     cfg.Exporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
	}
}
