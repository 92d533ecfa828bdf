package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/sharpscale/internal/codec"
	"github.com/dunamismax/sharpscale/internal/domain"
	"github.com/dunamismax/sharpscale/internal/enhance"
	"github.com/dunamismax/sharpscale/internal/storage"
	"go.uber.org/zap"
)

const (
	SourceTypeS3Presigned = domain.SourceTypeS3Presigned
	DefaultOutputPrefix   = "outputs"
)

func NewObjectStoreProcessor(store storage.Store, outputPrefix string, enhancer *enhance.Pipeline, logger *zap.Logger) (*Processor, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	return NewProcessor(
		ObjectStoreFetcher{Storage: store},
		enhancer,
		ObjectStoreEmitter{Storage: store, OutputPrefix: outputPrefix},
		logger,
	)
}

type ObjectStoreFetcher struct {
	Storage storage.Store
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      storage.Store
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, out Output, data []byte) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage is required")
	}
	if strings.TrimSpace(out.StepID) == "" {
		return Output{}, errors.New("output step id is required")
	}

	objectKey := path.Join(
		defaultOutputPrefix(e.OutputPrefix),
		sanitizePathToken(req.JobID),
		sanitizePathToken(out.StepID),
		out.Name,
	)

	if err := e.Storage.WriteObject(ctx, objectKey, data, codec.ContentType(out.Format)); err != nil {
		return Output{}, err
	}

	out.Path = objectKey
	return out, nil
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return DefaultOutputPrefix
	}
	return prefix
}
