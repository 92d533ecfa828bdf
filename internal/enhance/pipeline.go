// Package enhance runs the upscale, sharpen and encode stages for one image.
package enhance

import (
	"context"
	"fmt"
	"time"

	"github.com/dunamismax/sharpscale/internal/codec"
	"github.com/dunamismax/sharpscale/internal/raster"
	"github.com/dunamismax/sharpscale/internal/resample"
	"github.com/dunamismax/sharpscale/internal/sharpen"
	"go.uber.org/zap"
)

// DefaultMaxPixels matches the largest canvas area common browsers render.
const DefaultMaxPixels = 16384 * 16384

type Decoder interface {
	Decode(ctx context.Context, data []byte) (*raster.Buffer, string, error)
}

type Encoder interface {
	Encode(ctx context.Context, buf *raster.Buffer, spec codec.OutputSpec) ([]byte, error)
	Supports(format string) bool
}

// Sharpener applies a kernel to a buffer. sharpen.Convolve is the default.
type Sharpener func(src *raster.Buffer, k *sharpen.Kernel) (*raster.Buffer, error)

type Params struct {
	UpscaleFactor int
	SharpenLevel  int
	Output        codec.OutputSpec
}

type Result struct {
	Data        []byte
	Format      string
	ContentType string
	Width       int
	Height      int
	// Kernel is the derived kernel, nil when the level resolves to no sharpening.
	Kernel    *sharpen.Kernel
	Sharpened bool
	Warnings  []error
}

type Pipeline struct {
	decoder   Decoder
	encoder   Encoder
	resampler resample.Resampler
	sharpener Sharpener
	policy    sharpen.Policy
	maxPixels int
	logger    *zap.Logger
}

type Option func(*Pipeline)

func WithResampler(r resample.Resampler) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.resampler = r
		}
	}
}

func WithSharpener(s Sharpener) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.sharpener = s
		}
	}
}

func WithPolicy(policy sharpen.Policy) Option {
	return func(p *Pipeline) {
		p.policy = policy
	}
}

// WithMaxPixels caps the target surface area. Values <= 0 keep the default.
func WithMaxPixels(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxPixels = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithDecoder(d Decoder) Option {
	return func(p *Pipeline) {
		if d != nil {
			p.decoder = d
		}
	}
}

func WithEncoder(e Encoder) Option {
	return func(p *Pipeline) {
		if e != nil {
			p.encoder = e
		}
	}
}

func New(c codec.Codec, opts ...Option) (*Pipeline, error) {
	r, err := resample.New(resample.DefaultFilter)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		resampler: r,
		sharpener: sharpen.Convolve,
		policy:    sharpen.DefaultPolicy(),
		maxPixels: DefaultMaxPixels,
		logger:    zap.NewNop(),
	}
	if c != nil {
		p.decoder = c
		p.encoder = c
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.decoder == nil || p.encoder == nil {
		return nil, fmt.Errorf("enhance pipeline requires a decoder and an encoder")
	}
	return p, nil
}

// Decode turns data into a buffer. Failures other than cancellation come back
// as *DecodeError.
func (p *Pipeline) Decode(ctx context.Context, data []byte, declaredFormat string) (*raster.Buffer, string, error) {
	src, detected, err := p.decoder.Decode(ctx, data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		p.logger.Warn("decode failed",
			zap.String("declared_format", declaredFormat),
			zap.Int("source_bytes", len(data)),
			zap.Error(err),
		)
		return nil, "", &DecodeError{Format: declaredFormat, Err: err}
	}
	if detected == "" {
		detected = declaredFormat
	}
	return src, detected, nil
}

// ProcessBytes decodes data and runs Process on the result. An empty output
// format keeps the source format.
func (p *Pipeline) ProcessBytes(ctx context.Context, data []byte, declaredFormat string, params Params) (Result, error) {
	src, detected, err := p.Decode(ctx, data, declaredFormat)
	if err != nil {
		return Result{}, err
	}

	if params.Output.Format == "" {
		params.Output.Format = detected
	}
	return p.Process(ctx, src, params)
}

// Process upscales src by params.UpscaleFactor, sharpens when the level calls
// for it and encodes the result. src is never modified.
func (p *Pipeline) Process(ctx context.Context, src *raster.Buffer, params Params) (Result, error) {
	if err := src.Validate(); err != nil {
		return Result{}, fmt.Errorf("source buffer: %w", err)
	}
	factor := params.UpscaleFactor
	if factor < 1 {
		return Result{}, fmt.Errorf("%w: got %d", ErrInvalidFactor, factor)
	}

	format := p.outputFormat(params.Output.Format)
	width, height := src.Width, src.Height
	if !p.fits(width, height, factor) {
		err := &EncodeError{
			Kind:   EncodeEmpty,
			Format: format,
			Width:  width * factor,
			Height: height * factor,
			Err:    fmt.Errorf("%w (%d pixels)", ErrSurfaceTooLarge, p.maxPixels),
		}
		p.logger.Error("target surface too large", zap.Error(err))
		return Result{}, err
	}
	width, height = width*factor, height*factor

	start := time.Now()
	resized, err := p.resampler.Resample(src, width, height)
	if err != nil {
		return Result{}, fmt.Errorf("resample %dx%d to %dx%d: %w", src.Width, src.Height, width, height, err)
	}
	p.logger.Debug("resampled",
		zap.Int("source_width", src.Width),
		zap.Int("source_height", src.Height),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Duration("elapsed", time.Since(start)),
	)

	result := Result{
		Format:      format,
		ContentType: codec.ContentType(format),
		Width:       width,
		Height:      height,
		Kernel:      p.policy.Derive(params.SharpenLevel, factor),
	}

	final := resized
	if result.Kernel != nil {
		sharpened, err := p.sharpen(resized, result.Kernel)
		if err != nil {
			failure := &SharpenFailure{Level: params.SharpenLevel, Factor: factor, Err: err}
			p.logger.Warn("sharpen failed, using unsharpened image",
				zap.Int("level", params.SharpenLevel),
				zap.Int("factor", factor),
				zap.Error(err),
			)
			result.Warnings = append(result.Warnings, failure)
		} else {
			final = sharpened
			result.Sharpened = true
			p.logger.Debug("sharpened",
				zap.Int("level", params.SharpenLevel),
				zap.Int("factor", factor),
				zap.Float64("intensity", result.Kernel.Intensity()),
			)
		}
	}

	spec := codec.OutputSpec{Format: format, Quality: params.Output.Quality}
	data, err := p.encoder.Encode(ctx, final, spec)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		encErr := &EncodeError{Kind: EncodeFailed, Format: format, Width: width, Height: height, Err: err}
		p.logger.Error("encode failed", zap.Error(encErr))
		return Result{}, encErr
	}
	if len(data) == 0 {
		encErr := &EncodeError{Kind: EncodeEmpty, Format: format, Width: width, Height: height, Err: ErrEmptyOutput}
		p.logger.Error("encode produced no data", zap.Error(encErr))
		return Result{}, encErr
	}

	result.Data = data
	return result, nil
}

// Derive exposes the kernel the pipeline would use for level and factor.
func (p *Pipeline) Derive(level, factor int) *sharpen.Kernel {
	return p.policy.Derive(level, factor)
}

func (p *Pipeline) sharpen(buf *raster.Buffer, k *sharpen.Kernel) (out *raster.Buffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrSharpenPanic, r)
		}
	}()

	out, err = p.sharpener(buf, k)
	if err != nil {
		return nil, err
	}
	if verr := out.Validate(); verr != nil {
		return nil, verr
	}
	if out.Width != buf.Width || out.Height != buf.Height {
		return nil, fmt.Errorf("sharpened buffer is %dx%d, want %dx%d", out.Width, out.Height, buf.Width, buf.Height)
	}
	return out, nil
}

// outputFormat normalises the requested format and falls back to png when the
// encoder cannot produce it.
func (p *Pipeline) outputFormat(requested string) string {
	format := codec.NormalizeFormat(requested)
	if p.encoder.Supports(format) {
		return format
	}
	p.logger.Warn("output format not supported by encoder, using png", zap.String("requested", requested))
	return codec.FormatPNG
}

func (p *Pipeline) fits(width, height, factor int) bool {
	limit := int64(p.maxPixels)
	f := int64(factor)
	if f > limit {
		return false
	}
	area := int64(width) * int64(height)
	return area <= limit/(f*f)
}
