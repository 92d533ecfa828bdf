//go:build govips && cgo

package codec

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/sharpscale/internal/raster"
)

// Vips encodes through libvips, adding webp export. Decoding and the formats
// libvips is not used for fall through to Std.
type Vips struct {
	Std
}

func (c Vips) Supports(format string) bool {
	return true
}

func (c Vips) Encode(ctx context.Context, buf *raster.Buffer, spec OutputSpec) ([]byte, error) {
	format := NormalizeFormat(spec.Format)
	switch format {
	case FormatJPEG, FormatPNG, FormatWebP:
	default:
		return c.Std.Encode(ctx, buf, spec)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := buf.Validate(); err != nil {
		return nil, err
	}

	var staged bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.NoCompression}
	if err := encoder.Encode(&staged, buf.NRGBA()); err != nil {
		return nil, fmt.Errorf("stage buffer for libvips: %w", err)
	}
	img, err := vips.NewImageFromBuffer(staged.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load buffer into libvips: %w", err)
	}
	defer img.Close()

	quality := percent(c.Quality.Resolve(format, spec.Quality))
	switch format {
	case FormatJPEG:
		params := vips.NewJpegExportParams()
		params.Quality = quality
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case FormatWebP:
		params := vips.NewWebpExportParams()
		params.Quality = quality
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	default:
		data, _, err := img.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	}
}
