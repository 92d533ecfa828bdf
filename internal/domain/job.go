package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dunamismax/sharpscale/internal/sharpen"
	"github.com/go-playground/validator/v10"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
)

type CreateJobRequest struct {
	SourceType string       `json:"source_type" validate:"required,oneof=local_file s3_presigned"`
	UserID     string       `json:"user_id,omitempty" validate:"omitempty,max=128"`
	WebhookURL string       `json:"webhook_url,omitempty" validate:"omitempty,url"`
	ObjectKey  string       `json:"object_key,omitempty" validate:"required_if=SourceType local_file"`
	FileName   string       `json:"file_name,omitempty" validate:"omitempty,max=255"`
	Outputs    []OutputStep `json:"outputs" validate:"required,min=1,dive"`
}

// OutputStep describes one enhanced rendition of the source image. Any
// positive UpscaleFactor is accepted; Normalize clamps SharpenLevel to 0-10.
type OutputStep struct {
	ID            string  `json:"id" validate:"required,max=64"`
	UpscaleFactor int     `json:"upscale_factor" validate:"required,min=1"`
	SharpenLevel  int     `json:"sharpen_level"`
	Format        string  `json:"format,omitempty" validate:"omitempty,oneof=jpeg jpg png webp bmp tiff"`
	Quality       float64 `json:"quality,omitempty" validate:"omitempty,gt=0,lte=1"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	ObjectKey  string
	FileName   string
	Outputs    []OutputStep
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (r *CreateJobRequest) Normalize() {
	r.SourceType = strings.ToLower(strings.TrimSpace(r.SourceType))
	r.ObjectKey = strings.TrimSpace(r.ObjectKey)
	r.UserID = strings.TrimSpace(r.UserID)
	for i := range r.Outputs {
		r.Outputs[i].ID = strings.TrimSpace(r.Outputs[i].ID)
		r.Outputs[i].Format = strings.ToLower(strings.TrimSpace(r.Outputs[i].Format))
		r.Outputs[i].SharpenLevel = sharpen.ClampLevel(r.Outputs[i].SharpenLevel)
	}
}

// Validate checks the request after Normalize. Errors name the offending
// JSON field.
func (r CreateJobRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s failed %q validation", fieldPath(verrs[0].Namespace()), verrs[0].Tag())
		}
		return err
	}

	seen := make(map[string]struct{}, len(r.Outputs))
	for i, step := range r.Outputs {
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("outputs[%d].id %q is duplicated", i, step.ID)
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
