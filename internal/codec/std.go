package codec

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/dunamismax/sharpscale/internal/raster"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Std is the pure Go codec. It decodes jpeg, png, gif, webp, bmp and tiff and
// encodes everything except webp.
type Std struct {
	Quality QualityDefaults
}

func NewStd(quality QualityDefaults) Std {
	if len(quality) == 0 {
		quality = DefaultQuality()
	}
	return Std{Quality: quality}
}

// Decode returns the decoded pixels and the detected source format.
func (c Std) Decode(ctx context.Context, data []byte) (*raster.Buffer, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("decode source image: empty input")
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode source image: %w", err)
	}

	buf, err := raster.FromImage(img)
	if err != nil {
		return nil, format, fmt.Errorf("decode source image: %w", err)
	}
	return buf, strings.ToLower(format), nil
}

func (c Std) Supports(format string) bool {
	return NormalizeFormat(format) != FormatWebP
}

func (c Std) Encode(ctx context.Context, buf *raster.Buffer, spec OutputSpec) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := buf.Validate(); err != nil {
		return nil, err
	}

	format := NormalizeFormat(spec.Format)
	img := buf.NRGBA()

	var out bytes.Buffer
	switch format {
	case FormatJPEG:
		q := percent(c.Quality.Resolve(format, spec.Quality))
		if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&out, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case FormatBMP:
		if err := bmp.Encode(&out, img); err != nil {
			return nil, fmt.Errorf("encode bmp: %w", err)
		}
	case FormatTIFF:
		if err := tiff.Encode(&out, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
			return nil, fmt.Errorf("encode tiff: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s export requires the govips build", ErrUnsupportedFormat, format)
	}

	return out.Bytes(), nil
}
