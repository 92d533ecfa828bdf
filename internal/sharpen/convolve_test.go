package sharpen

import (
	"math"
	"testing"

	"github.com/dunamismax/sharpscale/internal/raster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvolveNilKernelIsIdentity(t *testing.T) {
	src := gradientBuffer(t, 7, 5)

	out, err := Convolve(src, nil)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, out.Pix)

	out.Pix[0]++
	assert.NotEqual(t, src.Pix[0], out.Pix[0], "output must not alias the input")
}

func TestConvolveClampsAtBorders(t *testing.T) {
	// Interior columns are 100, the right column is 120.
	src := mustBuffer(t, 4, 3)
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			v := uint8(100)
			if x == 3 {
				v = 120
			}
			setRGBA(src, x, y, v, v, v, 255)
		}
	}

	out, err := Convolve(src, NewKernel(1))
	require.NoError(t, err)

	// Edge replication: zero-fill would give 255, wrap-around would give 80.
	assert.Equal(t, uint8(100), red(out, 0, 0))
	// Zero-fill would give 200, wrap-around would give 0.
	assert.Equal(t, uint8(100), red(out, 0, 1))
	// Zero-fill would give 255, wrap-around would give 160.
	assert.Equal(t, uint8(140), red(out, 3, 1))
	assert.Equal(t, uint8(140), red(out, 3, 0))
	assert.Equal(t, uint8(140), red(out, 3, 2))
}

func TestConvolvePreservesAlpha(t *testing.T) {
	src := gradientBuffer(t, 9, 6)
	for i := 3; i < len(src.Pix); i += 4 {
		src.Pix[i] = uint8((i * 37) % 256)
	}

	for _, s := range []float64{0.2, 1.4, 7} {
		out, err := Convolve(src, NewKernel(s))
		require.NoError(t, err)
		for i := 3; i < len(src.Pix); i += 4 {
			require.Equal(t, src.Pix[i], out.Pix[i], "alpha at sample %d, s=%v", i, s)
		}
	}
}

func TestConvolveSaturatesOverflow(t *testing.T) {
	src := mustBuffer(t, 8, 8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			v := uint8(0)
			if (x+y)%2 == 0 {
				v = 255
			}
			setRGBA(src, x, y, v, v, v, 255)
		}
	}

	k := DeriveKernel(10, 4)
	require.NotNil(t, k)

	out, err := Convolve(src, k)
	require.NoError(t, err)
	// Weighted sums reach far outside [0, 255]; without clipping they would
	// wrap and break the checkerboard.
	assert.Equal(t, src.Pix, out.Pix)
}

func TestConvolveFlatRegionUnchanged(t *testing.T) {
	src := mustBuffer(t, 6, 4)
	src.Fill(128, 128, 128, 255)

	for level := 1; level <= MaxLevel; level++ {
		for _, factor := range []int{2, 4} {
			out, err := Convolve(src, DeriveKernel(level, factor))
			require.NoError(t, err)
			require.Equal(t, src.Pix, out.Pix, "level=%d factor=%d", level, factor)
		}
	}
}

func TestConvolveDoesNotMutateSource(t *testing.T) {
	src := gradientBuffer(t, 5, 5)
	before := src.Clone()

	_, err := Convolve(src, NewKernel(2))
	require.NoError(t, err)
	assert.Equal(t, before.Pix, src.Pix)
}

func TestConvolveRejectsMalformedInput(t *testing.T) {
	_, err := Convolve(&raster.Buffer{Width: 2, Height: 2, Pix: make([]uint8, 3)}, NewKernel(1))
	require.ErrorIs(t, err, raster.ErrInvalidBuffer)

	bad := NewKernel(1)
	bad[1][1] = math.NaN()
	_, err = Convolve(gradientBuffer(t, 2, 2), bad)
	require.ErrorIs(t, err, ErrMalformedKernel)
}

func TestSaturate(t *testing.T) {
	cases := []struct {
		in   float64
		want uint8
	}{
		{-1000, 0},
		{-0.4, 0},
		{0, 0},
		{2.5, 2},
		{3.5, 4},
		{127.49, 127},
		{254.5, 254},
		{255.6, 255},
		{1e9, 255},
		{math.NaN(), 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, saturate(tc.in), "saturate(%v)", tc.in)
	}
}

func BenchmarkConvolve1080p(b *testing.B) {
	src, err := raster.New(1920, 1080)
	if err != nil {
		b.Fatalf("new buffer: %v", err)
	}
	for i := range src.Pix {
		src.Pix[i] = uint8(i)
	}
	k := DeriveKernel(5, 2)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Convolve(src, k); err != nil {
			b.Fatalf("convolve: %v", err)
		}
	}
}

func mustBuffer(t *testing.T, w, h int) *raster.Buffer {
	t.Helper()
	buf, err := raster.New(w, h)
	require.NoError(t, err)
	return buf
}

func gradientBuffer(t *testing.T, w, h int) *raster.Buffer {
	t.Helper()
	buf := mustBuffer(t, w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			setRGBA(buf, x, y, uint8(x*255/w), uint8(y*255/h), 140, 255)
		}
	}
	return buf
}

func setRGBA(buf *raster.Buffer, x, y int, r, g, b, a uint8) {
	i := buf.Offset(x, y)
	buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2], buf.Pix[i+3] = r, g, b, a
}

func red(buf *raster.Buffer, x, y int) uint8 {
	return buf.Pix[buf.Offset(x, y)]
}
