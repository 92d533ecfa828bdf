// Package raster holds the pixel buffer passed between enhancement stages.
package raster

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
)

var ErrInvalidBuffer = errors.New("invalid pixel buffer")

// Buffer is an interleaved, non-premultiplied RGBA image.
// Pixels are stored row-major, 4 bytes per pixel; len(Pix) == Width*Height*4.
type Buffer struct {
	Width  int
	Height int
	Pix    []uint8
}

func New(width, height int) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidBuffer, width, height)
	}
	return &Buffer{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height*4),
	}, nil
}

// Validate reports whether the buffer dimensions and sample count agree.
func (b *Buffer) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidBuffer)
	}
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidBuffer, b.Width, b.Height)
	}
	if want := b.Width * b.Height * 4; len(b.Pix) != want {
		return fmt.Errorf("%w: %dx%d needs %d samples, got %d", ErrInvalidBuffer, b.Width, b.Height, want, len(b.Pix))
	}
	return nil
}

func (b *Buffer) Clone() *Buffer {
	pix := make([]uint8, len(b.Pix))
	copy(pix, b.Pix)
	return &Buffer{Width: b.Width, Height: b.Height, Pix: pix}
}

// Offset returns the index of the red sample of pixel (x, y).
func (b *Buffer) Offset(x, y int) int {
	return (y*b.Width + x) * 4
}

// NRGBA returns a copy of the buffer as an *image.NRGBA anchored at the origin.
func (b *Buffer) NRGBA() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, b.Width, b.Height))
	copy(img.Pix, b.Pix)
	return img
}

// FromImage converts any image into a new buffer. The source is never retained.
func FromImage(src image.Image) (*Buffer, error) {
	bounds := src.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: source image is empty", ErrInvalidBuffer)
	}

	var nrgba *image.NRGBA
	if in, ok := src.(*image.NRGBA); ok && in.Stride == bounds.Dx()*4 {
		nrgba = in
	} else {
		nrgba = image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(nrgba, nrgba.Bounds(), src, bounds.Min, draw.Src)
	}

	buf := &Buffer{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Pix:    make([]uint8, bounds.Dx()*bounds.Dy()*4),
	}
	copy(buf.Pix, nrgba.Pix)
	return buf, nil
}

// Fill paints every pixel with the given color.
func (b *Buffer) Fill(r, g, bl, a uint8) {
	for i := 0; i < len(b.Pix); i += 4 {
		b.Pix[i] = r
		b.Pix[i+1] = g
		b.Pix[i+2] = bl
		b.Pix[i+3] = a
	}
}
