package codec

import (
	"context"

	"github.com/dunamismax/sharpscale/internal/raster"
)

// Codec is the decode/encode pair the enhancement pipeline runs against.
type Codec interface {
	Decode(ctx context.Context, data []byte) (*raster.Buffer, string, error)
	Encode(ctx context.Context, buf *raster.Buffer, spec OutputSpec) ([]byte, error)
	Supports(format string) bool
}
