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

	"github.com/dunamismax/sharpscale/internal/app"
	"github.com/dunamismax/sharpscale/internal/codec"
	"github.com/dunamismax/sharpscale/internal/config"
	"github.com/dunamismax/sharpscale/internal/logging"
	"github.com/dunamismax/sharpscale/internal/telemetry"
	"github.com/dunamismax/sharpscale/internal/worker"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
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
	logger = logger.Named("worker")
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, app.TraceConfig(cfg.Telemetry, "worker"), logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
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
		return fmt.Errorf("ensure bucket %s: %w", objectStore.Bucket(), err)
	}

	stores, err := app.OpenStores(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer func() { _ = stores.Close() }()

	srv, err := worker.NewServer(
		logger,
		cfg.Queue,
		cfg.Worker,
		objectStore,
		enhancer,
		app.NewWebhookClient(cfg.Webhook),
		stores.Jobs,
		stores.Usage,
	)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer func() { _ = metricsServer.Close() }()

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_jobs", cfg.Worker.MaxActiveJobs),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
		zap.String("storage_provider", cfg.Storage.Provider),
		zap.String("filter", cfg.Enhance.Filter),
	)

	// asynq's Run blocks on its own signal handling; Start lets ctx drive shutdown.
	if err := srv.Start(); err != nil {
		return fmt.Errorf("worker failed: %w", err)
	}
	<-ctx.Done()
	logger.Info("shutting down")
	srv.Shutdown()
	return nil
}
