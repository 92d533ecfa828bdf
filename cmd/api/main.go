package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/sharpscale/internal/api"
	"github.com/dunamismax/sharpscale/internal/app"
	"github.com/dunamismax/sharpscale/internal/codec"
	"github.com/dunamismax/sharpscale/internal/config"
	"github.com/dunamismax/sharpscale/internal/logging"
	"github.com/dunamismax/sharpscale/internal/queue"
	"github.com/dunamismax/sharpscale/internal/telemetry"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	logger = logger.Named("api")
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, app.TraceConfig(cfg.Telemetry, "api"), logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := codec.Startup(); err != nil {
		return fmt.Errorf("start codec runtime: %w", err)
	}
	defer codec.Shutdown()

	enhancer, err := app.NewEnhancer(cfg.Enhance, logger.Named("enhance"))
	if err != nil {
		return fmt.Errorf("build enhancer: %w", err)
	}

	objectStore, err := app.NewStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("build storage: %w", err)
	}
	if err := objectStore.EnsureBucket(ctx); err != nil {
		logger.Warn("object storage unavailable, presigned uploads will fail", zap.Error(err))
	}

	stores, err := app.OpenStores(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer func() { _ = stores.Close() }()

	limiter, closeLimiter, err := app.NewRateLimiter(cfg.RateLimit, cfg.Queue)
	if err != nil {
		return err
	}
	defer func() { _ = closeLimiter() }()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close failed", zap.Error(err))
		}
	}()

	server := api.NewServer(logger, api.Options{
		QueueClient:    queueClient,
		JobStore:       stores.Jobs,
		Storage:        objectStore,
		Enhancer:       enhancer,
		RateLimiter:    limiter,
		UserIDHeader:   cfg.RateLimit.UserIDHeader,
		PresignTTL:     cfg.API.PresignTTL,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
	})

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.API.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}
