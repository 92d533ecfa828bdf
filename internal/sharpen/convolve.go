package sharpen

import (
	"math"

	"github.com/dunamismax/sharpscale/internal/raster"
)

// Convolve applies k to the color channels of src and returns a new buffer.
// Samples outside the image are clamped to the nearest edge pixel. Alpha is
// copied unchanged. A nil kernel yields an identical copy.
func Convolve(src *raster.Buffer, k *Kernel) (*raster.Buffer, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if k == nil {
		return src.Clone(), nil
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}

	w, h := src.Width, src.Height
	dst := &raster.Buffer{Width: w, Height: h, Pix: make([]uint8, len(src.Pix))}
	in, out := src.Pix, dst.Pix

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, b float64
			for ky := 0; ky < 3; ky++ {
				sy := clampInt(y+ky-1, 0, h-1)
				row := sy * w
				for kx := 0; kx < 3; kx++ {
					weight := k[ky][kx]
					if weight == 0 {
						continue
					}
					sx := clampInt(x+kx-1, 0, w-1)
					i := (row + sx) * 4
					r += float64(in[i]) * weight
					g += float64(in[i+1]) * weight
					b += float64(in[i+2]) * weight
				}
			}

			o := (y*w + x) * 4
			out[o] = saturate(r)
			out[o+1] = saturate(g)
			out[o+2] = saturate(b)
			out[o+3] = in[o+3]
		}
	}

	return dst, nil
}

// saturate converts to 8 bits the way a clamped byte array does: clip to
// [0, 255], then round half to even.
func saturate(v float64) uint8 {
	if !(v > 0) {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.RoundToEven(v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
