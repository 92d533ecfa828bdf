// Package sharpen derives 3x3 sharpening kernels and convolves pixel buffers with them.
package sharpen

import (
	"errors"
	"fmt"
	"math"
)

const (
	MinLevel = 0
	MaxLevel = 10
)

var ErrMalformedKernel = errors.New("malformed sharpen kernel")

// baseIntensity is indexed by sharpen level. Levels 6-10 climb by 0.28 per step.
var baseIntensity = [MaxLevel + 1]float64{0, 0.2, 0.4, 0.7, 1.0, 1.4, 1.68, 1.96, 2.24, 2.52, 2.8}

// Kernel is a 3x3 convolution matrix indexed [row][column].
type Kernel [3][3]float64

// NewKernel builds the cross-shaped sharpening kernel for intensity s.
func NewKernel(s float64) *Kernel {
	return &Kernel{
		{0, -s, 0},
		{-s, 1 + 4*s, -s},
		{0, -s, 0},
	}
}

// Intensity recovers s from the top neighbour weight.
func (k *Kernel) Intensity() float64 {
	return -k[0][1]
}

func (k *Kernel) Validate() error {
	if k == nil {
		return fmt.Errorf("%w: nil kernel", ErrMalformedKernel)
	}
	for row := range k {
		for col, w := range k[row] {
			if math.IsNaN(w) || math.IsInf(w, 0) {
				return fmt.Errorf("%w: weight[%d][%d]=%v", ErrMalformedKernel, row, col, w)
			}
		}
	}
	return nil
}

// Policy maps upscale factors to an intensity multiplier. Factors without an
// entry use the base table unchanged.
type Policy struct {
	Multipliers map[int]float64
}

// DefaultPolicy strengthens sharpening for 4x magnification only.
func DefaultPolicy() Policy {
	return Policy{Multipliers: map[int]float64{4: 2.5}}
}

// ClampLevel pulls level into [MinLevel, MaxLevel].
func ClampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}

// Intensity returns the sharpening strength s for a level and factor.
func (p Policy) Intensity(level, factor int) float64 {
	s := baseIntensity[ClampLevel(level)]
	if m, ok := p.Multipliers[factor]; ok {
		s *= m
	}
	return s
}

// Derive returns the kernel for level and factor, or nil when no sharpening applies.
func (p Policy) Derive(level, factor int) *Kernel {
	s := p.Intensity(level, factor)
	if s == 0 {
		return nil
	}
	return NewKernel(s)
}

// DeriveKernel applies DefaultPolicy.
func DeriveKernel(level, factor int) *Kernel {
	return DefaultPolicy().Derive(level, factor)
}
