package queue

import (
	"fmt"
	"time"

	"github.com/dunamismax/sharpscale/internal/domain"
	"github.com/hibiken/asynq"
	jsoniter "github.com/json-iterator/go"
)

const TypeEnhanceImage = "image:enhance"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type EnhanceImagePayload struct {
	JobID       string              `json:"job_id"`
	UserID      string              `json:"user_id,omitempty"`
	SourceType  string              `json:"source_type"`
	WebhookURL  string              `json:"webhook_url,omitempty"`
	ObjectKey   string              `json:"object_key"`
	FileName    string              `json:"file_name,omitempty"`
	Outputs     []domain.OutputStep `json:"outputs"`
	RequestedAt time.Time           `json:"requested_at"`
}

// PayloadFromJob builds the task payload for a stored job.
func PayloadFromJob(job domain.Job, requestedAt time.Time) EnhanceImagePayload {
	return EnhanceImagePayload{
		JobID:       job.ID,
		UserID:      job.UserID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		ObjectKey:   job.ObjectKey,
		FileName:    job.FileName,
		Outputs:     job.Outputs,
		RequestedAt: requestedAt,
	}
}

func NewEnhanceImageTask(payload EnhanceImagePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal enhance payload: %w", err)
	}
	return asynq.NewTask(TypeEnhanceImage, body), nil
}

func ParseEnhanceImagePayload(task *asynq.Task) (EnhanceImagePayload, error) {
	var payload EnhanceImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return EnhanceImagePayload{}, fmt.Errorf("unmarshal enhance payload: %w", err)
	}
	if payload.JobID == "" {
		return EnhanceImagePayload{}, fmt.Errorf("enhance payload has no job_id")
	}
	return payload, nil
}
