package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeFormat(t *testing.T) {
	cases := map[string]string{
		"jpg":        FormatJPEG,
		"JPEG":       FormatJPEG,
		"image/jpeg": FormatJPEG,
		".jpg":       FormatJPEG,
		"image/png":  FormatPNG,
		"webp":       FormatWebP,
		"image/webp": FormatWebP,
		"bmp":        FormatBMP,
		"tif":        FormatTIFF,
		"image/tiff": FormatTIFF,
		"gif":        FormatPNG,
		"image/heic": FormatPNG,
		"":           FormatPNG,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeFormat(in), "NormalizeFormat(%q)", in)
	}
}

func TestContentTypeAndExtension(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentType("jpg"))
	assert.Equal(t, "image/webp", ContentType("webp"))
	assert.Equal(t, "image/png", ContentType("unknown"))

	assert.Equal(t, "jpg", Extension("image/jpeg"))
	assert.Equal(t, "tiff", Extension("tif"))
	assert.Equal(t, "png", Extension(""))
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "photo_upscaled_2x.jpg", OutputName("photo.png", 2, "jpeg"))
	assert.Equal(t, "scan.v2_upscaled_4x.png", OutputName("/tmp/in/scan.v2.bmp", 4, "png"))
	assert.Equal(t, "noext_upscaled_3x.webp", OutputName("noext", 3, "image/webp"))
	assert.Equal(t, "image_upscaled_2x.png", OutputName("", 2, "png"))
}

func TestQualityResolve(t *testing.T) {
	q := DefaultQuality()

	assert.InDelta(t, 0.95, q.Resolve("jpeg", 0), 1e-12)
	assert.InDelta(t, 0.95, q.Resolve("webp", 0), 1e-12)
	assert.InDelta(t, 0.5, q.Resolve("jpg", 0.5), 1e-12)
	assert.InDelta(t, 1.0, q.Resolve("jpeg", 1), 1e-12)
	assert.InDelta(t, 0.95, q.Resolve("jpeg", 1.5), 1e-12)
	assert.InDelta(t, 0.95, q.Resolve("jpeg", -0.2), 1e-12)
	assert.Zero(t, q.Resolve("png", 0.8))

	custom := QualityDefaults{FormatJPEG: 0.7}
	assert.InDelta(t, 0.7, custom.Resolve("jpeg", 0), 1e-12)
	assert.InDelta(t, 0.95, custom.Resolve("webp", 0), 1e-12)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 95, percent(0.95))
	assert.Equal(t, 100, percent(1))
	assert.Equal(t, 1, percent(0.001))
}
