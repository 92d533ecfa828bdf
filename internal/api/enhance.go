package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/dunamismax/sharpscale/internal/codec"
	"github.com/dunamismax/sharpscale/internal/enhance"
	"github.com/dunamismax/sharpscale/internal/sharpen"
	"go.uber.org/zap"
)

const (
	HeaderWarning   = "X-Sharpscale-Warning"
	HeaderWidth     = "X-Sharpscale-Width"
	HeaderHeight    = "X-Sharpscale-Height"
	HeaderIntensity = "X-Sharpscale-Sharpen-Intensity"
)

// handleEnhance upscales the request body and answers with the encoded image.
// Query: factor (positive integer, required), sharpen (0-10, clamped), format, quality (0-1], name.
func (s *Server) handleEnhance(w http.ResponseWriter, r *http.Request) {
	if s.enhancer == nil {
		writeError(w, http.StatusServiceUnavailable, "synchronous enhance is disabled")
		return
	}

	params, err := parseEnhanceParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image exceeds %d bytes", s.maxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read image body")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "image body is empty")
		return
	}

	declared := declaredFormat(r.Header.Get("Content-Type"))
	result, err := s.enhancer.ProcessBytes(r.Context(), data, declared, params)
	if err != nil {
		status, label := classifyEnhanceError(err)
		s.metrics.enhanceTotal.WithLabelValues(label).Inc()
		if status >= http.StatusInternalServerError {
			s.logger.Error("enhance failed", zap.String("kind", label), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	s.metrics.enhanceTotal.WithLabelValues("success").Inc()
	s.metrics.sharpenWarnings.Add(float64(len(result.Warnings)))

	h := w.Header()
	h.Set("Content-Type", result.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(result.Data)))
	h.Set(HeaderWidth, strconv.Itoa(result.Width))
	h.Set(HeaderHeight, strconv.Itoa(result.Height))
	if result.Kernel != nil && result.Sharpened {
		h.Set(HeaderIntensity, strconv.FormatFloat(result.Kernel.Intensity(), 'f', -1, 64))
	}
	for _, warning := range result.Warnings {
		h.Add(HeaderWarning, warning.Error())
	}
	if name := strings.TrimSpace(r.URL.Query().Get("name")); name != "" {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
			"filename": codec.OutputName(name, params.UpscaleFactor, result.Format),
		}))
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func parseEnhanceParams(r *http.Request) (enhance.Params, error) {
	q := r.URL.Query()
	var params enhance.Params

	factor, err := strconv.Atoi(q.Get("factor"))
	if err != nil || factor < 1 {
		return params, errors.New("factor must be a positive integer")
	}
	params.UpscaleFactor = factor

	// Levels outside 0-10 are clamped, not rejected.
	if raw := q.Get("sharpen"); raw != "" {
		level, err := strconv.Atoi(raw)
		if err != nil {
			return params, errors.New("sharpen must be an integer")
		}
		params.SharpenLevel = sharpen.ClampLevel(level)
	}

	if raw := q.Get("quality"); raw != "" {
		quality, err := strconv.ParseFloat(raw, 64)
		if err != nil || quality <= 0 || quality > 1 {
			return params, errors.New("quality must be a number in (0, 1]")
		}
		params.Output.Quality = quality
	}

	params.Output.Format = strings.TrimSpace(q.Get("format"))
	return params, nil
}

func declaredFormat(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return ""
	}
	return codec.NormalizeFormat(mediaType)
}

func classifyEnhanceError(err error) (int, string) {
	var (
		decodeErr *enhance.DecodeError
		encodeErr *enhance.EncodeError
	)
	switch {
	case errors.As(err, &decodeErr):
		return http.StatusUnprocessableEntity, "decode_error"
	case errors.As(err, &encodeErr) && encodeErr.Kind == enhance.EncodeEmpty:
		return http.StatusRequestEntityTooLarge, "encode_empty"
	case errors.As(err, &encodeErr):
		return http.StatusInternalServerError, "encode_failed"
	case errors.Is(err, enhance.ErrInvalidFactor):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
