// Package codec decodes source images into pixel buffers and encodes enhanced
// buffers into output formats.
package codec

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"
	FormatBMP  = "bmp"
	FormatTIFF = "tiff"
	FormatGIF  = "gif"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

// OutputSpec selects the encoded representation of a result. Quality is in
// (0, 1]; zero means the per-format default.
type OutputSpec struct {
	Format  string  `json:"format,omitempty"`
	Quality float64 `json:"quality,omitempty"`
}

// NormalizeFormat maps a format name, file extension or MIME type onto one of
// the output formats. Anything unrecognised becomes png.
func NormalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	f = strings.TrimPrefix(f, "image/")
	f = strings.TrimPrefix(f, ".")
	switch f {
	case "jpg", "jpeg", "pjpeg":
		return FormatJPEG
	case "webp":
		return FormatWebP
	case "bmp", "x-ms-bmp":
		return FormatBMP
	case "tif", "tiff":
		return FormatTIFF
	default:
		return FormatPNG
	}
}

func ContentType(format string) string {
	return "image/" + NormalizeFormat(format)
}

func Extension(format string) string {
	f := NormalizeFormat(format)
	if f == FormatJPEG {
		return "jpg"
	}
	return f
}

// OutputName derives the file name of an enhanced image, e.g.
// "photo.png" at 2x as jpeg becomes "photo_upscaled_2x.jpg".
func OutputName(original string, factor int, format string) string {
	base := filepath.Base(strings.TrimSpace(original))
	if base == "." || base == string(filepath.Separator) {
		base = "image"
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" {
		base = "image"
	}
	return fmt.Sprintf("%s_upscaled_%dx.%s", base, factor, Extension(format))
}

// Lossy reports whether quality applies to format.
func Lossy(format string) bool {
	switch NormalizeFormat(format) {
	case FormatJPEG, FormatWebP:
		return true
	default:
		return false
	}
}

// QualityDefaults holds the fallback quality per lossy format.
type QualityDefaults map[string]float64

func DefaultQuality() QualityDefaults {
	return QualityDefaults{FormatJPEG: 0.95, FormatWebP: 0.95}
}

// Resolve returns the quality to encode format with. Requested values outside
// (0, 1] fall back to the default. Lossless formats always resolve to 0.
func (q QualityDefaults) Resolve(format string, requested float64) float64 {
	format = NormalizeFormat(format)
	if !Lossy(format) {
		return 0
	}
	if requested > 0 && requested <= 1 {
		return requested
	}
	if d, ok := q[format]; ok && d > 0 && d <= 1 {
		return d
	}
	return DefaultQuality()[format]
}

// percent converts a (0, 1] quality into the 1-100 scale encoders expect.
func percent(q float64) int {
	p := int(q*100 + 0.5)
	if p < 1 {
		return 1
	}
	if p > 100 {
		return 100
	}
	return p
}
