// Package resample magnifies pixel buffers with smooth interpolation filters.
package resample

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/sharpscale/internal/raster"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

const DefaultFilter = "catmull-rom"

var (
	ErrUnknownFilter     = errors.New("unknown resample filter")
	ErrInvalidDimensions = errors.New("invalid target dimensions")
)

// Resampler scales a buffer to exactly width x height pixels. Implementations
// must not modify src.
type Resampler interface {
	Resample(src *raster.Buffer, width, height int) (*raster.Buffer, error)
}

// Func adapts a scaling function over image.Image to a Resampler.
type Func func(src image.Image, width, height int) image.Image

func (f Func) Resample(src *raster.Buffer, width, height int) (*raster.Buffer, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}

	out := f(src.NRGBA(), width, height)
	if b := out.Bounds(); b.Dx() != width || b.Dy() != height {
		return nil, fmt.Errorf("%w: filter produced %dx%d, want %dx%d", ErrInvalidDimensions, b.Dx(), b.Dy(), width, height)
	}
	return raster.FromImage(out)
}

var filters = map[string]Resampler{
	"catmull-rom": Func(xdrawScale(draw.CatmullRom)),
	"bilinear":    Func(xdrawScale(draw.BiLinear)),
	"lanczos3":    Func(nfntScale(resize.Lanczos3)),
	"mitchell":    Func(nfntScale(resize.MitchellNetravali)),
	"bicubic":     Func(nfntScale(resize.Bicubic)),
	"lanczos":     Func(imagingScale(imaging.Lanczos)),
	"bspline":     Func(imagingScale(imaging.BSpline)),
}

// New returns the resampler registered under name. An empty name selects
// DefaultFilter.
func New(name string) (Resampler, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultFilter
	}
	r, ok := filters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFilter, name)
	}
	return r, nil
}

// Filters lists the registered filter names in sorted order.
func Filters() []string {
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func xdrawScale(k *draw.Kernel) func(image.Image, int, int) image.Image {
	return func(src image.Image, width, height int) image.Image {
		dst := image.NewNRGBA(image.Rect(0, 0, width, height))
		k.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		return dst
	}
}

func nfntScale(interp resize.InterpolationFunction) func(image.Image, int, int) image.Image {
	return func(src image.Image, width, height int) image.Image {
		return resize.Resize(uint(width), uint(height), src, interp)
	}
}

func imagingScale(filter imaging.ResampleFilter) func(image.Image, int, int) image.Image {
	return func(src image.Image, width, height int) image.Image {
		return imaging.Resize(src, width, height, filter)
	}
}
