package api

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/sharpscale/internal/codec"
	"github.com/dunamismax/sharpscale/internal/domain"
	"github.com/dunamismax/sharpscale/internal/enhance"
	"github.com/dunamismax/sharpscale/internal/queue"
	"github.com/dunamismax/sharpscale/internal/ratelimit"
	"github.com/dunamismax/sharpscale/internal/raster"
	"github.com/dunamismax/sharpscale/internal/sharpen"
	"github.com/dunamismax/sharpscale/internal/storage"
	"github.com/dunamismax/sharpscale/internal/store"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	jobs    *store.MemoryJobStore
	objects *storage.MemoryStore
	queue   *fakeQueue
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	enhancer, err := enhance.New(codec.NewStd(nil))
	require.NoError(t, err)

	env := &testEnv{
		jobs:    store.NewMemoryJobStore(),
		objects: storage.NewMemoryStore("jobs"),
		queue:   &fakeQueue{},
	}
	opts := Options{
		QueueClient: env.queue,
		JobStore:    env.jobs,
		Storage:     env.objects,
		Enhancer:    enhancer,
	}
	if mutate != nil {
		mutate(&opts)
	}
	env.server = NewServer(zaptest.NewLogger(t), opts)
	env.handler = env.server.Handler()
	return env
}

func (e *testEnv) do(method, target string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/v1/jobs", strings.NewReader(`{
		"source_type": "s3_presigned",
		"file_name": "cat.png",
		"outputs": [{"id": "x2", "upscale_factor": 2, "sharpen_level": 4, "format": "JPG"}]
	}`), "X-User-ID", "user-9")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created struct {
		JobID  string            `json:"job_id"`
		Status string            `json:"status"`
		Upload map[string]string `json:"upload"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, domain.JobStatusCreated, created.Status)
	assert.Equal(t, "ready", created.Upload["presigned_url_state"])
	assert.Equal(t, "uploads/"+created.JobID+"/source", created.Upload["object_key"])

	job, ok, err := env.jobs.Get(context.Background(), created.JobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user-9", job.UserID)
	assert.Equal(t, "jpg", job.Outputs[0].Format)

	rec = env.do(http.MethodGet, "/v1/jobs/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"file_name":"cat.png"`)

	rec = env.do(http.MethodPost, "/v1/jobs/"+created.JobID+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "source not uploaded yet")

	require.NoError(t, env.objects.WriteObject(context.Background(), created.Upload["object_key"], []byte("img"), "image/png"))
	rec = env.do(http.MethodPost, "/v1/jobs/"+created.JobID+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, env.queue.payloads, 1)
	payload := env.queue.payloads[0]
	assert.Equal(t, created.JobID, payload.JobID)
	assert.Equal(t, "user-9", payload.UserID)
	assert.Equal(t, "cat.png", payload.FileName)

	job, _, _ = env.jobs.Get(context.Background(), created.JobID)
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	rec = env.do(http.MethodPost, "/v1/jobs/"+created.JobID+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "already queued")
}

func TestCreateJobRejectsBadBodies(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := map[string]string{
		"unknown field": `{"source_type":"s3_presigned","outputs":[{"id":"a","upscale_factor":2}],"resize":true}`,
		"bad factor":    `{"source_type":"s3_presigned","outputs":[{"id":"a","upscale_factor":9}]}`,
		"bad level":     `{"source_type":"s3_presigned","outputs":[{"id":"a","upscale_factor":2,"sharpen_level":11}]}`,
		"no outputs":    `{"source_type":"s3_presigned","outputs":[]}`,
		"trailing data": `{"source_type":"s3_presigned","outputs":[{"id":"a","upscale_factor":2}]} {}`,
		"not json":      `source_type=s3`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/v1/jobs", strings.NewReader(body))
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestGetJobErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/v1/jobs/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/jobs/6f1c4a52-8f0e-4a8e-9f2b-1d1f0c1b2a3c", nil).Code)
}

func TestEnhanceReturnsUpscaledImage(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/v1/enhance?factor=3&sharpen=5&name=photo.png", bytes.NewReader(testPNG(t, 6, 4)),
		"Content-Type", "image/png")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "18", rec.Header().Get(HeaderWidth))
	assert.Equal(t, "12", rec.Header().Get(HeaderHeight))
	assert.Equal(t, "1.4", rec.Header().Get(HeaderIntensity))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "photo_upscaled_3x.png")
	assert.Empty(t, rec.Header().Values(HeaderWarning))

	cfg, format, err := image.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 18, cfg.Width)
	assert.Equal(t, 12, cfg.Height)
}

func TestEnhanceClampsSharpenLevel(t *testing.T) {
	env := newTestEnv(t, nil)
	src := testPNG(t, 4, 4)
	enhanceAt := func(level string) *httptest.ResponseRecorder {
		rec := env.do(http.MethodPost, "/v1/enhance?factor=2&sharpen="+level, bytes.NewReader(src))
		require.Equal(t, http.StatusOK, rec.Code, "sharpen=%s: %s", level, rec.Body.String())
		return rec
	}

	top := enhanceAt("10")
	for _, level := range []string{"11", "42"} {
		rec := enhanceAt(level)
		assert.Equal(t, top.Header().Get(HeaderIntensity), rec.Header().Get(HeaderIntensity), "sharpen=%s", level)
		assert.Equal(t, top.Body.Bytes(), rec.Body.Bytes(), "sharpen=%s", level)
	}
	assert.Equal(t, "2.8", top.Header().Get(HeaderIntensity))

	off := enhanceAt("0")
	below := enhanceAt("-1")
	assert.Empty(t, below.Header().Get(HeaderIntensity))
	assert.Equal(t, off.Body.Bytes(), below.Body.Bytes())
}

func TestEnhanceAcceptsFactorsAboveEight(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/v1/enhance?factor=12", bytes.NewReader(testPNG(t, 2, 3)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "24", rec.Header().Get(HeaderWidth))
	assert.Equal(t, "36", rec.Header().Get(HeaderHeight))
}

func TestEnhanceSharpenFailureIsAWarning(t *testing.T) {
	failing := func(*raster.Buffer, *sharpen.Kernel) (*raster.Buffer, error) {
		return nil, errors.New("no memory")
	}
	enhancer, err := enhance.New(codec.NewStd(nil), enhance.WithSharpener(failing))
	require.NoError(t, err)
	env := newTestEnv(t, func(o *Options) { o.Enhancer = enhancer })

	rec := env.do(http.MethodPost, "/v1/enhance?factor=2&sharpen=3&format=jpeg&quality=0.7", bytes.NewReader(testPNG(t, 4, 4)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	require.Len(t, rec.Header().Values(HeaderWarning), 1)
	assert.Contains(t, rec.Header().Get(HeaderWarning), "no memory")
	assert.Empty(t, rec.Header().Get(HeaderIntensity))
}

func TestEnhanceErrorStatuses(t *testing.T) {
	small, err := enhance.New(codec.NewStd(nil), enhance.WithMaxPixels(100))
	require.NoError(t, err)
	env := newTestEnv(t, func(o *Options) {
		o.Enhancer = small
		o.MaxUploadBytes = 4096
	})

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/v1/enhance", bytes.NewReader(testPNG(t, 2, 2))).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/v1/enhance?factor=0", bytes.NewReader(testPNG(t, 2, 2))).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/v1/enhance?factor=2&sharpen=high", bytes.NewReader(testPNG(t, 2, 2))).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/v1/enhance?factor=2&quality=1.5", bytes.NewReader(testPNG(t, 2, 2))).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/v1/enhance?factor=2", http.NoBody).Code)

	rec := env.do(http.MethodPost, "/v1/enhance?factor=2", strings.NewReader("definitely not an image"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(http.MethodPost, "/v1/enhance?factor=4", bytes.NewReader(testPNG(t, 5, 5)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, "400 target pixels exceed the 100 pixel surface")

	rec = env.do(http.MethodPost, "/v1/enhance?factor=2", bytes.NewReader(make([]byte, 5000)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestClassifyEnhanceError(t *testing.T) {
	status, label := classifyEnhanceError(&enhance.EncodeError{Kind: enhance.EncodeFailed, Err: errors.New("x")})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "encode_failed", label)

	status, _ = classifyEnhanceError(context.Canceled)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestRateLimitRejects(t *testing.T) {
	limiter := &fakeLimiter{allow: false}
	env := newTestEnv(t, func(o *Options) { o.RateLimiter = limiter })

	rec := env.do(http.MethodPost, "/v1/enhance?factor=4", bytes.NewReader(testPNG(t, 2, 2)), "X-User-ID", "u1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, "u1:/v1/enhance", limiter.subject)
	assert.Equal(t, int64(16), limiter.cost)

	rec = env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "unlimited route")
}

func TestRateLimiterErrorsFailOpen(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.RateLimiter = &fakeLimiter{err: errors.New("redis down")} })
	rec := env.do(http.MethodPost, "/v1/enhance?factor=1", bytes.NewReader(testPNG(t, 2, 2)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(http.MethodGet, "/v1/jobs/6f1c4a52-8f0e-4a8e-9f2b-1d1f0c1b2a3c", nil)

	rec := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `sharpscale_api_requests_total{method="GET",route="/v1/jobs/{id}",status="404"} 1`)
	assert.NotContains(t, body, "6f1c4a52")
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.EnhanceImagePayload
}

func (q *fakeQueue) EnqueueEnhanceImage(_ context.Context, payload queue.EnhanceImagePayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{
		ID:            payload.JobID,
		Queue:         "default",
		State:         asynq.TaskStatePending,
		NextProcessAt: time.Now(),
	}, nil
}

type fakeLimiter struct {
	allow   bool
	err     error
	subject string
	cost    int64
}

func (l *fakeLimiter) AllowN(_ context.Context, subject string, cost int64) (ratelimit.Decision, error) {
	l.subject, l.cost = subject, cost
	if l.err != nil {
		return ratelimit.Decision{}, l.err
	}
	return ratelimit.Decision{Allowed: l.allow, RetryAfter: 2600 * time.Millisecond}, nil
}

func (l *fakeLimiter) Capacity() int64 {
	return 60
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 40), G: uint8(y * 60), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
