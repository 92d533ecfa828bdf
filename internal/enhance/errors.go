package enhance

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidFactor   = errors.New("upscale factor must be a positive integer")
	ErrSurfaceTooLarge = errors.New("target surface exceeds the pixel limit")
	ErrSharpenPanic    = errors.New("sharpen panicked")
	ErrEmptyOutput     = errors.New("encoder returned no data")
)

// DecodeError reports source bytes that could not be interpreted as an image.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode %s image: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SharpenFailure is a recovered sharpening error. The result it is attached
// to carries the unsharpened image.
type SharpenFailure struct {
	Level  int
	Factor int
	Err    error
}

func (e *SharpenFailure) Error() string {
	return fmt.Sprintf("sharpen level %d at %dx skipped: %v", e.Level, e.Factor, e.Err)
}

func (e *SharpenFailure) Unwrap() error { return e.Err }

type EncodeErrorKind int

const (
	// EncodeEmpty means the surface could not produce any output, usually
	// because the target dimensions are too large.
	EncodeEmpty EncodeErrorKind = iota + 1
	// EncodeFailed means the encoder itself returned an error.
	EncodeFailed
)

func (k EncodeErrorKind) String() string {
	switch k {
	case EncodeEmpty:
		return "empty result"
	case EncodeFailed:
		return "serialization failed"
	default:
		return "unknown"
	}
}

type EncodeError struct {
	Kind   EncodeErrorKind
	Format string
	Width  int
	Height int
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s %dx%d: %s: %v", e.Format, e.Width, e.Height, e.Kind, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }
