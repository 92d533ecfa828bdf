// Package pipeline runs a job: fetch the source, enhance it once per output
// step and emit every rendition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dunamismax/sharpscale/internal/codec"
	"github.com/dunamismax/sharpscale/internal/domain"
	"github.com/dunamismax/sharpscale/internal/enhance"
	"github.com/dunamismax/sharpscale/internal/raster"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

var ErrUnsupportedSourceType = errors.New("unsupported source_type")

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	// FileName is the original upload name; ObjectKey's base is used when empty.
	FileName string
	Outputs  []domain.OutputStep
}

// Output is the per-rendition record reported to webhooks and the CLI.
type Output struct {
	StepID         string   `json:"step_id"`
	OriginalName   string   `json:"original_name"`
	OriginalFormat string   `json:"original_format"`
	OriginalBytes  int      `json:"original_bytes"`
	Name           string   `json:"name,omitempty"`
	Format         string   `json:"format,omitempty"`
	Path           string   `json:"path,omitempty"`
	Bytes          int      `json:"bytes"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	UpscaleFactor  int      `json:"upscale_factor"`
	SharpenLevel   int      `json:"sharpen_level"`
	Sharpened      bool     `json:"sharpened"`
	Warnings       []string `json:"warnings,omitempty"`
	Success        bool     `json:"success"`
	Error          string   `json:"error,omitempty"`
	// ErrorKind is "encode_empty", "encode_failed" or "invalid" for failed outputs.
	ErrorKind string `json:"error_kind,omitempty"`
}

type Result struct {
	SourceBytes int
	Outputs     []Output
}

func (r Result) Failed() int {
	n := 0
	for _, o := range r.Outputs {
		if !o.Success {
			n++
		}
	}
	return n
}

func (r Result) SharpenFailures() int {
	n := 0
	for _, o := range r.Outputs {
		n += len(o.Warnings)
	}
	return n
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

// Emitter stores one encoded rendition and fills in out.Path.
type Emitter interface {
	Emit(ctx context.Context, req Request, out Output, data []byte) (Output, error)
}

type Processor struct {
	fetcher  Fetcher
	enhancer *enhance.Pipeline
	emitter  Emitter
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewProcessor(fetcher Fetcher, enhancer *enhance.Pipeline, emitter Emitter, logger *zap.Logger) (*Processor, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if enhancer == nil {
		return nil, errors.New("enhance pipeline is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Processor{
		fetcher:  fetcher,
		enhancer: enhancer,
		emitter:  emitter,
		logger:   logger,
		tracer:   otel.Tracer("sharpscale/pipeline"),
	}, nil
}

func NewLocalProcessor(outputDir string, enhancer *enhance.Pipeline, logger *zap.Logger) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, enhancer, LocalFileEmitter{OutputDir: outputDir}, logger)
}

// Process returns an error only when the whole job is lost: fetch, decode or
// emit failures and cancellation. Encode failures stay on their Output.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if len(req.Outputs) == 0 {
		return Result{}, errors.New("outputs must contain at least one step")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	originalName := sourceName(req)
	declared := codec.NormalizeFormat(path.Ext(originalName))
	src, detected, err := p.enhancer.Decode(ctx, sourceBytes, declared)
	if err != nil {
		return Result{}, fmt.Errorf("decode stage: %w", err)
	}
	p.logger.Info("source decoded",
		zap.String("job_id", req.JobID),
		zap.String("name", originalName),
		zap.String("format", detected),
		zap.Int("bytes", len(sourceBytes)),
		zap.Int("width", src.Width),
		zap.Int("height", src.Height),
	)

	out := Result{SourceBytes: len(sourceBytes), Outputs: make([]Output, 0, len(req.Outputs))}
	for _, step := range req.Outputs {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		record := Output{
			StepID:         step.ID,
			OriginalName:   originalName,
			OriginalFormat: detected,
			OriginalBytes:  len(sourceBytes),
			UpscaleFactor:  step.UpscaleFactor,
			SharpenLevel:   step.SharpenLevel,
		}

		format := step.Format
		if format == "" {
			format = detected
		}
		params := enhance.Params{
			UpscaleFactor: step.UpscaleFactor,
			SharpenLevel:  step.SharpenLevel,
			Output:        codec.OutputSpec{Format: format, Quality: step.Quality},
		}

		emitted, err := p.runStep(ctx, req, record, params, src)
		if err != nil {
			return Result{}, err
		}
		out.Outputs = append(out.Outputs, emitted)
	}

	return out, nil
}

func (p *Processor) runStep(ctx context.Context, req Request, record Output, params enhance.Params, src *raster.Buffer) (Output, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.enhance_step")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("step.id", record.StepID),
		attribute.Int("step.upscale_factor", params.UpscaleFactor),
		attribute.Int("step.sharpen_level", params.SharpenLevel),
	)

	res, err := p.enhancer.Process(ctx, src, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Output{}, ctxErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "enhance failed")

		record.Error = err.Error()
		record.ErrorKind = "invalid"
		var encErr *enhance.EncodeError
		if errors.As(err, &encErr) {
			record.ErrorKind = "encode_failed"
			if encErr.Kind == enhance.EncodeEmpty {
				record.ErrorKind = "encode_empty"
			}
		}
		p.logger.Warn("output failed",
			zap.String("job_id", req.JobID),
			zap.String("step_id", record.StepID),
			zap.String("kind", record.ErrorKind),
			zap.Error(err),
		)
		return record, nil
	}

	record.Format = res.Format
	record.Name = codec.OutputName(record.OriginalName, params.UpscaleFactor, res.Format)
	record.Bytes = len(res.Data)
	record.Width = res.Width
	record.Height = res.Height
	record.Sharpened = res.Sharpened
	for _, w := range res.Warnings {
		record.Warnings = append(record.Warnings, w.Error())
	}
	if res.Kernel != nil {
		span.SetAttributes(attribute.Float64("sharpen.intensity", res.Kernel.Intensity()))
	}

	emitted, err := p.emitter.Emit(ctx, req, record, res.Data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "emit failed")
		return Output{}, fmt.Errorf("emit stage step=%s: %w", record.StepID, err)
	}
	emitted.Success = true
	span.SetStatus(codes.Ok, "emitted")

	p.logger.Info("output written",
		zap.String("job_id", req.JobID),
		zap.String("step_id", emitted.StepID),
		zap.String("name", emitted.Name),
		zap.String("path", emitted.Path),
		zap.Int("bytes", emitted.Bytes),
		zap.Int("width", emitted.Width),
		zap.Int("height", emitted.Height),
		zap.Int("warnings", len(emitted.Warnings)),
	)
	return emitted, nil
}

func sourceName(req Request) string {
	if name := strings.TrimSpace(req.FileName); name != "" {
		return path.Base(filepath.ToSlash(name))
	}
	return path.Base(filepath.ToSlash(req.ObjectKey))
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, out Output, data []byte) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if strings.TrimSpace(out.StepID) == "" {
		return Output{}, errors.New("output step id is required")
	}

	stepDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID), sanitizePathToken(out.StepID))
	if err := os.MkdirAll(stepDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(stepDir, out.Name)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	out.Path = fullPath
	return out, nil
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
