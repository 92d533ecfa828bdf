//go:build govips && cgo

package resample

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/sharpscale/internal/raster"
)

func init() {
	filters["vips-lanczos3"] = vipsResampler{kernel: vips.KernelLanczos3}
	filters["vips-cubic"] = vipsResampler{kernel: vips.KernelCubic}
}

// vipsResampler scales through libvips. codec.Startup must have run.
type vipsResampler struct {
	kernel vips.Kernel
}

func (r vipsResampler) Resample(src *raster.Buffer, width, height int) (*raster.Buffer, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}

	var staged bytes.Buffer
	if err := png.Encode(&staged, src.NRGBA()); err != nil {
		return nil, fmt.Errorf("stage buffer for libvips: %w", err)
	}

	img, err := vips.NewImageFromBuffer(staged.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load buffer into libvips: %w", err)
	}
	defer img.Close()

	hscale := float64(width) / float64(src.Width)
	vscale := float64(height) / float64(src.Height)
	if err := img.ResizeWithVScale(hscale, vscale, r.kernel); err != nil {
		return nil, fmt.Errorf("resize image: %w", err)
	}
	if img.Width() != width || img.Height() != height {
		return nil, fmt.Errorf("%w: libvips produced %dx%d, want %dx%d", ErrInvalidDimensions, img.Width(), img.Height(), width, height)
	}

	data, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("export resized image: %w", err)
	}
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode resized image: %w", err)
	}
	return raster.FromImage(decoded)
}
