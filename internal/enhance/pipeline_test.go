package enhance

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"math"
	"testing"

	"github.com/dunamismax/sharpscale/internal/codec"
	"github.com/dunamismax/sharpscale/internal/raster"
	"github.com/dunamismax/sharpscale/internal/resample"
	"github.com/dunamismax/sharpscale/internal/sharpen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestProcessUpscalesFlatGrayWithoutSharpening(t *testing.T) {
	p := newPipeline(t)

	res, err := p.Process(context.Background(), gray(t, 10, 10, 128), Params{UpscaleFactor: 2, Output: codec.OutputSpec{Format: "png"}})
	require.NoError(t, err)

	assert.Equal(t, 20, res.Width)
	assert.Equal(t, 20, res.Height)
	assert.Equal(t, "png", res.Format)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Nil(t, res.Kernel)
	assert.False(t, res.Sharpened)
	assert.Empty(t, res.Warnings)

	out := decodePNG(t, res.Data)
	require.Equal(t, 20, out.Width)
	assertNear(t, out, 128, 1)
}

func TestProcessFactorFourLevelOne(t *testing.T) {
	p := newPipeline(t)

	res, err := p.Process(context.Background(), gray(t, 10, 10, 128), Params{UpscaleFactor: 4, SharpenLevel: 1})
	require.NoError(t, err)

	assert.Equal(t, 40, res.Width)
	assert.Equal(t, 40, res.Height)
	require.NotNil(t, res.Kernel)
	assert.InDelta(t, 0.5, res.Kernel.Intensity(), 1e-9)
	assert.True(t, res.Sharpened)
	assert.Empty(t, res.Warnings)

	assertNear(t, decodePNG(t, res.Data), 128, 2)
}

func TestProcessFactorTwoLevelFive(t *testing.T) {
	p := newPipeline(t)

	res, err := p.Process(context.Background(), gray(t, 10, 10, 128), Params{UpscaleFactor: 2, SharpenLevel: 5})
	require.NoError(t, err)

	assert.Equal(t, 20, res.Width)
	assert.Equal(t, 20, res.Height)
	require.NotNil(t, res.Kernel)
	assert.InDelta(t, 1.4, res.Kernel.Intensity(), 1e-9)
	assert.InDelta(t, 6.6, res.Kernel[1][1], 1e-9)
	assert.InDelta(t, -1.4, res.Kernel[0][1], 1e-9)
	assert.Zero(t, res.Kernel[0][0])
	assert.True(t, res.Sharpened)
	assert.Empty(t, res.Warnings)

	out := decodePNG(t, res.Data)
	require.Equal(t, 20, out.Width)
	require.Equal(t, 20, out.Height)
	first := out.Pix[:4]
	for i := 0; i < len(out.Pix); i += 4 {
		require.Equal(t, first, out.Pix[i:i+4], "pixel %d differs from a uniform fill", i/4)
	}
	assertNear(t, out, 128, 1)
}

func TestProcessDoesNotModifySource(t *testing.T) {
	p := newPipeline(t)
	src := gray(t, 6, 4, 90)
	src.Pix[5] = 200
	before := src.Clone()

	_, err := p.Process(context.Background(), src, Params{UpscaleFactor: 3, SharpenLevel: 7})
	require.NoError(t, err)
	assert.Equal(t, before.Pix, src.Pix)
}

func TestProcessRejectsInvalidFactor(t *testing.T) {
	p := newPipeline(t)

	for _, factor := range []int{0, -2} {
		_, err := p.Process(context.Background(), gray(t, 2, 2, 1), Params{UpscaleFactor: factor})
		require.ErrorIs(t, err, ErrInvalidFactor)
	}
}

func TestProcessBytesDecodeFailureStopsPipeline(t *testing.T) {
	res := &countingResampler{}
	enc := &stubEncoder{}
	p, err := New(nil,
		WithDecoder(codec.NewStd(nil)),
		WithEncoder(enc),
		WithResampler(res),
	)
	require.NoError(t, err)

	_, err = p.ProcessBytes(context.Background(), []byte("not an image"), "image/png", Params{UpscaleFactor: 2, SharpenLevel: 5})

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "image/png", decodeErr.Format)
	assert.Zero(t, res.calls)
	assert.Zero(t, enc.calls)
}

func TestProcessBytesKeepsSourceFormatWhenUnset(t *testing.T) {
	p := newPipeline(t)
	std := codec.NewStd(nil)

	data, err := std.Encode(context.Background(), gray(t, 8, 8, 60), codec.OutputSpec{Format: "jpeg"})
	require.NoError(t, err)

	res, err := p.ProcessBytes(context.Background(), data, "image/jpeg", Params{UpscaleFactor: 2})
	require.NoError(t, err)
	assert.Equal(t, "jpeg", res.Format)
	assert.Equal(t, "image/jpeg", res.ContentType)

	_, detected, err := std.Decode(context.Background(), res.Data)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", detected)
}

func TestProcessRecoversFromSharpenError(t *testing.T) {
	boom := errors.New("kernel exploded")
	core, logs := observer.New(zapcore.WarnLevel)

	p := newPipeline(t,
		WithSharpener(func(*raster.Buffer, *sharpen.Kernel) (*raster.Buffer, error) { return nil, boom }),
		WithLogger(zap.New(core)),
	)
	plain := newPipeline(t)
	src := gradient(t, 10, 10)

	res, err := p.Process(context.Background(), src, Params{UpscaleFactor: 2, SharpenLevel: 5})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)

	var failure *SharpenFailure
	require.ErrorAs(t, res.Warnings[0], &failure)
	assert.Equal(t, 5, failure.Level)
	assert.Equal(t, 2, failure.Factor)
	assert.ErrorIs(t, failure, boom)
	assert.False(t, res.Sharpened)
	require.NotNil(t, res.Kernel)

	unsharpened, err := plain.Process(context.Background(), src, Params{UpscaleFactor: 2, SharpenLevel: 0})
	require.NoError(t, err)
	assert.Equal(t, unsharpened.Data, res.Data)

	assert.Equal(t, 1, logs.FilterMessage("sharpen failed, using unsharpened image").Len())
}

func TestProcessRecoversFromSharpenPanic(t *testing.T) {
	p := newPipeline(t, WithSharpener(func(*raster.Buffer, *sharpen.Kernel) (*raster.Buffer, error) {
		panic("index out of range")
	}))

	res, err := p.Process(context.Background(), gradient(t, 4, 4), Params{UpscaleFactor: 2, SharpenLevel: 10})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], ErrSharpenPanic)
	assert.NotEmpty(t, res.Data)
}

func TestProcessRecoversFromMalformedKernel(t *testing.T) {
	p := newPipeline(t, WithPolicy(sharpen.Policy{Multipliers: map[int]float64{2: math.NaN()}}))

	res, err := p.Process(context.Background(), gradient(t, 4, 4), Params{UpscaleFactor: 2, SharpenLevel: 3})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], sharpen.ErrMalformedKernel)
}

func TestProcessRecoversFromInconsistentSharpenOutput(t *testing.T) {
	p := newPipeline(t, WithSharpener(func(src *raster.Buffer, _ *sharpen.Kernel) (*raster.Buffer, error) {
		return &raster.Buffer{Width: src.Width, Height: src.Height, Pix: src.Pix[:4]}, nil
	}))

	res, err := p.Process(context.Background(), gradient(t, 4, 4), Params{UpscaleFactor: 2, SharpenLevel: 2})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], raster.ErrInvalidBuffer)
}

func TestProcessSurfaceLimitIsEncodeEmpty(t *testing.T) {
	res := &countingResampler{}
	p := newPipeline(t, WithMaxPixels(1000), WithResampler(res))

	_, err := p.Process(context.Background(), gray(t, 10, 10, 5), Params{UpscaleFactor: 4})

	var encErr *EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, EncodeEmpty, encErr.Kind)
	assert.Equal(t, 40, encErr.Width)
	assert.ErrorIs(t, err, ErrSurfaceTooLarge)
	assert.Zero(t, res.calls)

	_, err = p.Process(context.Background(), gray(t, 10, 10, 5), Params{UpscaleFactor: 3})
	require.NoError(t, err)
}

func TestProcessEncodeFailureKinds(t *testing.T) {
	p := newPipeline(t, WithEncoder(&stubEncoder{}))
	_, err := p.Process(context.Background(), gray(t, 2, 2, 5), Params{UpscaleFactor: 2})

	var encErr *EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, EncodeEmpty, encErr.Kind)
	assert.ErrorIs(t, err, ErrEmptyOutput)
	assert.Contains(t, err.Error(), "empty result")

	boom := errors.New("disk full")
	p = newPipeline(t, WithEncoder(&stubEncoder{err: boom}))
	_, err = p.Process(context.Background(), gray(t, 2, 2, 5), Params{UpscaleFactor: 2})

	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, EncodeFailed, encErr.Kind)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "serialization failed")
}

func TestProcessFallsBackToPNGForUnsupportedFormat(t *testing.T) {
	enc := &stubEncoder{data: []byte{1}, unsupported: "webp"}
	p := newPipeline(t, WithEncoder(enc))

	res, err := p.Process(context.Background(), gray(t, 2, 2, 5), Params{UpscaleFactor: 2, Output: codec.OutputSpec{Format: "image/webp", Quality: 0.4}})
	require.NoError(t, err)
	assert.Equal(t, "png", res.Format)
	assert.Equal(t, "png", enc.last.Format)
	assert.InDelta(t, 0.4, enc.last.Quality, 1e-12)
}

func TestNewRequiresCodec(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	p, err := New(nil, WithDecoder(codec.NewStd(nil)), WithEncoder(codec.NewStd(nil)))
	require.NoError(t, err)
	assert.Nil(t, p.Derive(0, 2))
	assert.InDelta(t, 2.5, p.Derive(4, 4).Intensity(), 1e-9)
}

func BenchmarkProcess256x4(b *testing.B) {
	p, err := New(codec.NewStd(nil))
	if err != nil {
		b.Fatalf("new pipeline: %v", err)
	}
	src, err := raster.New(256, 256)
	if err != nil {
		b.Fatalf("new buffer: %v", err)
	}
	for i := range src.Pix {
		src.Pix[i] = uint8(i * 13)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.Process(context.Background(), src, Params{UpscaleFactor: 4, SharpenLevel: 5}); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

type countingResampler struct {
	calls int
}

func (r *countingResampler) Resample(src *raster.Buffer, width, height int) (*raster.Buffer, error) {
	r.calls++
	inner, err := resample.New(resample.DefaultFilter)
	if err != nil {
		return nil, err
	}
	return inner.Resample(src, width, height)
}

type stubEncoder struct {
	data        []byte
	err         error
	unsupported string
	calls       int
	last        codec.OutputSpec
}

func (e *stubEncoder) Encode(_ context.Context, _ *raster.Buffer, spec codec.OutputSpec) ([]byte, error) {
	e.calls++
	e.last = spec
	return e.data, e.err
}

func (e *stubEncoder) Supports(format string) bool {
	return format != e.unsupported
}

func newPipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(codec.NewStd(nil), opts...)
	require.NoError(t, err)
	return p
}

func gray(t *testing.T, w, h int, v uint8) *raster.Buffer {
	t.Helper()
	buf, err := raster.New(w, h)
	require.NoError(t, err)
	buf.Fill(v, v, v, 255)
	return buf
}

func gradient(t *testing.T, w, h int) *raster.Buffer {
	t.Helper()
	buf, err := raster.New(w, h)
	require.NoError(t, err)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := buf.Offset(x, y)
			buf.Pix[i] = uint8(x * 255 / w)
			buf.Pix[i+1] = uint8(y * 255 / h)
			buf.Pix[i+2] = 64
			buf.Pix[i+3] = 255
		}
	}
	return buf
}

func decodePNG(t *testing.T, data []byte) *raster.Buffer {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	buf, err := raster.FromImage(img)
	require.NoError(t, err)
	return buf
}

func assertNear(t *testing.T, buf *raster.Buffer, want uint8, delta int) {
	t.Helper()
	for i, v := range buf.Pix {
		expected := int(want)
		if i%4 == 3 {
			expected = 255
		}
		require.InDelta(t, expected, int(v), float64(delta), "sample %d", i)
	}
}
