// Package api exposes job management and synchronous enhancement over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/sharpscale/internal/domain"
	"github.com/dunamismax/sharpscale/internal/enhance"
	"github.com/dunamismax/sharpscale/internal/id"
	"github.com/dunamismax/sharpscale/internal/queue"
	"github.com/dunamismax/sharpscale/internal/ratelimit"
	"github.com/dunamismax/sharpscale/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultPresignTTL     = 15 * time.Minute
	defaultMaxUploadBytes = 32 << 20
	maxJSONBodyBytes      = 1 << 20
)

var (
	json       = jsoniter.ConfigCompatibleWithStandardLibrary
	strictJSON = jsoniter.Config{
		EscapeHTML:             true,
		SortMapKeys:            true,
		ValidateJsonRawMessage: true,
		DisallowUnknownFields:  true,
	}.Froze()
)

type Server struct {
	logger                *zap.Logger
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	enhancer              imageEnhancer
	rateLimiter           ratelimit.Limiter
	rateLimitUserIDHeader string
	presignTTL            time.Duration
	maxUploadBytes        int64
	metrics               *metrics
	tracer                trace.Tracer
	router                chi.Router
}

type queueEnqueuer interface {
	EnqueueEnhanceImage(ctx context.Context, payload queue.EnhanceImagePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type imageEnhancer interface {
	ProcessBytes(ctx context.Context, data []byte, declaredFormat string, params enhance.Params) (enhance.Result, error)
}

// Options wires the server's collaborators. QueueClient and JobStore are
// required; the rest degrade gracefully when nil.
type Options struct {
	QueueClient    queueEnqueuer
	JobStore       store.JobStore
	Storage        objectStorage
	Enhancer       imageEnhancer
	RateLimiter    ratelimit.Limiter
	UserIDHeader   string
	PresignTTL     time.Duration
	MaxUploadBytes int64
}

func NewServer(logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = defaultPresignTTL
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if opts.UserIDHeader == "" {
		opts.UserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                logger,
		queueClient:           opts.QueueClient,
		jobStore:              opts.JobStore,
		storage:               opts.Storage,
		enhancer:              opts.Enhancer,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.UserIDHeader,
		presignTTL:            opts.PresignTTL,
		maxUploadBytes:        opts.MaxUploadBytes,
		metrics:               newMetrics(),
		tracer:                otel.Tracer("sharpscale/api"),
		router:                chi.NewRouter(),
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withRecover)
	r.Use(s.withTracing)
	r.Use(s.metrics.withHTTPMetrics)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.withRateLimit("/v1/jobs", flatCost)).Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.With(s.withRateLimit("/v1/jobs/{id}/start", flatCost)).Post("/jobs/{id}/start", s.handleStartJob)
		r.With(s.withRateLimit("/v1/enhance", enhanceCost)).Post("/enhance", s.handleEnhance)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Normalize()
	if req.UserID == "" {
		req.UserID = r.Header.Get(s.rateLimitUserIDHeader)
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	objectKey := req.ObjectKey
	uploadState := "not_required"
	presignedPutURL := ""

	if req.SourceType == domain.SourceTypeS3Presigned {
		objectKey = fmt.Sprintf("uploads/%s/source", jobID)
		url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
		if err != nil {
			s.logger.Error("generate presigned url failed", zap.String("job_id", jobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
			return
		}
		presignedPutURL = url
		uploadState = "ready"
	}

	job := domain.Job{
		ID:         jobID,
		UserID:     req.UserID,
		Status:     domain.JobStatusCreated,
		SourceType: req.SourceType,
		WebhookURL: req.WebhookURL,
		ObjectKey:  objectKey,
		FileName:   req.FileName,
		Outputs:    req.Outputs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Error("create job failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"upload": map[string]string{
			"object_key":          job.ObjectKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
		},
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

type jobResponse struct {
	ID         string              `json:"job_id"`
	Status     string              `json:"status"`
	SourceType string              `json:"source_type"`
	ObjectKey  string              `json:"object_key"`
	FileName   string              `json:"file_name,omitempty"`
	Outputs    []domain.OutputStep `json:"outputs"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{
		ID:         job.ID,
		Status:     job.Status,
		SourceType: job.SourceType,
		ObjectKey:  job.ObjectKey,
		FileName:   job.FileName,
		Outputs:    job.Outputs,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is already %s", job.Status))
		return
	}

	if err := s.verifySourceExists(r.Context(), job); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	taskInfo, err := s.queueClient.EnqueueEnhanceImage(r.Context(), queue.PayloadFromJob(job, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			writeError(w, http.StatusConflict, "job is already queued")
			return
		}
		s.logger.Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Warn("update status failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := chi.URLParam(r, "id")
	if !id.Valid(jobID) {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("fetch job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	switch job.SourceType {
	case domain.SourceTypeLocalFile:
		if _, err := os.Stat(job.ObjectKey); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source object is missing: %s", job.ObjectKey)
			}
			return fmt.Errorf("source object check failed: %w", err)
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, job.ObjectKey)
		if err != nil {
			return fmt.Errorf("source object check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source object is missing: %s", job.ObjectKey)
		}
		return nil
	}
}

func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Stack("stack"),
				)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, into any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxJSONBodyBytes {
		return errors.New("invalid JSON body: body too large")
	}
	if err := strictJSON.Unmarshal(body, into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
