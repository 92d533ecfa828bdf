package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/sharpscale/internal/config"
	"github.com/dunamismax/sharpscale/internal/domain"
	"github.com/dunamismax/sharpscale/internal/enhance"
	"github.com/dunamismax/sharpscale/internal/pipeline"
	"github.com/dunamismax/sharpscale/internal/queue"
	"github.com/dunamismax/sharpscale/internal/storage"
	"github.com/dunamismax/sharpscale/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrAllOutputsFailed marks a job where no output step produced an image.
var ErrAllOutputsFailed = errors.New("every output failed")

type Server struct {
	logger          *zap.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  jobProcessor
	objectProcessor jobProcessor
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *metrics
	tracer          trace.Tracer
}

type jobProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger *zap.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	objectStore storage.Store,
	enhancer *enhance.Pipeline,
	webhookClient webhookSender,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if objectStore == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	localProcessor, err := pipeline.NewLocalProcessor(workerCfg.LocalOutputDir, enhancer, logger.Named("pipeline"))
	if err != nil {
		return nil, fmt.Errorf("initialize local processor: %w", err)
	}

	objectProcessor, err := pipeline.NewObjectStoreProcessor(objectStore, workerCfg.OutputPrefix, enhancer, logger.Named("pipeline"))
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	asynqLogger := logger.Named("asynq")
	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				Logger:   asynqLogger.Sugar(),
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					asynqLogger.Error("task failed",
						zap.String("type", task.Type()),
						zap.Int("retry", retried),
						zap.Int("max_retry", maxRetry),
						zap.Error(err),
					)
				}),
			},
		),
		sem:             make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		webhookClient:   webhookClient,
		jobStore:        jobStore,
		usageStore:      usageStore,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("sharpscale/worker"),
	}
	return s, nil
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeEnhanceImage, s.handleEnhanceImage)
	return mux
}

// Run blocks until the process receives a termination signal.
func (s *Server) Run() error {
	return s.server.Run(s.mux())
}

// Start begins processing in the background; stop it with Shutdown.
func (s *Server) Start() error {
	return s.server.Start(s.mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleEnhanceImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseEnhanceImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %w: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.enhance_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.Int("job.outputs", len(payload.Outputs)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	logger := s.logger.With(zap.String("job_id", payload.JobID))
	logger.Info("enhancing",
		zap.String("source_type", payload.SourceType),
		zap.Int("outputs", len(payload.Outputs)),
		zap.String("object_key", payload.ObjectKey),
	)

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	request := pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		FileName:   payload.FileName,
		Outputs:    payload.Outputs,
	}

	var result pipeline.Result
	switch payload.SourceType {
	case domain.SourceTypeLocalFile:
		result, err = s.localProcessor.Process(ctx, request)
	default:
		result, err = s.objectProcessor.Process(ctx, request)
	}
	if err == nil {
		s.observeOutputs(result)
		if len(result.Outputs) > 0 && result.Failed() == len(result.Outputs) {
			err = fmt.Errorf("%w: %s", ErrAllOutputsFailed, result.Outputs[0].Error)
		}
	}
	if err != nil {
		return s.failJob(ctx, span, payload, result, err)
	}

	logger.Info("enhanced",
		zap.Int("outputs", len(result.Outputs)),
		zap.Int("failed", result.Failed()),
		zap.Int("sharpen_failures", result.SharpenFailures()),
	)
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusSucceeded)
	s.recordUsage(ctx, payload, result, time.Since(startedAt))

	if err := s.dispatchWebhook(ctx, payload, "job.completed", map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"outputs":      result.Outputs,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "enhanced")
	return nil
}

// failJob marks the job failed and notifies the webhook. Decode failures and
// jobs where every output failed will fail the same way again, so they skip
// asynq retries.
func (s *Server) failJob(ctx context.Context, span trace.Span, payload queue.EnhanceImagePayload, result pipeline.Result, err error) error {
	var decodeErr *enhance.DecodeError
	permanent := errors.As(err, &decodeErr) || errors.Is(err, ErrAllOutputsFailed)
	if decodeErr != nil {
		s.metrics.decodeErrorsTotal.Inc()
	}

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
	span.RecordError(err)
	span.SetStatus(codes.Error, "enhance failed")
	s.logger.Error("job failed",
		zap.String("job_id", payload.JobID),
		zap.Bool("permanent", permanent),
		zap.Error(err),
	)

	body := map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusFailed,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"requested_at": payload.RequestedAt,
		"failed_at":    time.Now().UTC(),
		"error":        err.Error(),
	}
	if len(result.Outputs) > 0 {
		body["outputs"] = result.Outputs
	}
	_ = s.dispatchWebhook(ctx, payload, "job.failed", body)

	if permanent {
		return fmt.Errorf("run pipeline: %w: %w", err, asynq.SkipRetry)
	}
	return fmt.Errorf("run pipeline: %w", err)
}

func (s *Server) observeOutputs(result pipeline.Result) {
	for _, o := range result.Outputs {
		label := "success"
		if !o.Success {
			label = "failed"
			if o.ErrorKind == "encode_empty" || o.ErrorKind == "encode_failed" {
				s.metrics.encodeErrorsTotal.WithLabelValues(o.ErrorKind).Inc()
			}
		}
		s.metrics.outputsTotal.WithLabelValues(strconv.Itoa(o.UpscaleFactor), label).Inc()
	}
	s.metrics.sharpenFailuresTotal.Add(float64(result.SharpenFailures()))
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Warn("job status update failed",
			zap.String("job_id", jobID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.EnhanceImagePayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Warn("webhook delivery failed",
			zap.String("job_id", payload.JobID),
			zap.String("event", event),
			zap.Error(err),
		)
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}

func (s *Server) recordUsage(ctx context.Context, payload queue.EnhanceImagePayload, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" && s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, payload.JobID)
		if err != nil {
			s.logger.Warn("usage lookup failed", zap.String("job_id", payload.JobID), zap.Error(err))
		} else if ok {
			userID = strings.TrimSpace(job.UserID)
		}
	}
	if userID == "" {
		userID = "anonymous"
	}

	var (
		pixelsProcessed int64
		bytesWritten    int64
	)
	for _, output := range result.Outputs {
		if !output.Success {
			continue
		}
		pixelsProcessed += int64(output.Width) * int64(output.Height)
		bytesWritten += int64(output.Bytes)
	}

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           payload.JobID,
		PixelsProcessed: pixelsProcessed,
		BytesRead:       int64(result.SourceBytes),
		BytesWritten:    bytesWritten,
		SharpenFailures: result.SharpenFailures(),
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Warn("usage log write failed", zap.String("job_id", payload.JobID), zap.Error(err))
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(pixelsProcessed))
	s.metrics.bytesReadTotal.Add(float64(usage.BytesRead))
	s.metrics.bytesWrittenTotal.Add(float64(bytesWritten))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}
