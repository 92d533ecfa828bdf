package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueEnhanceImage uses the job id as task id so a job is queued at most once.
func (c *Client) EnqueueEnhanceImage(ctx context.Context, payload EnhanceImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewEnhanceImageTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(5),
		asynq.Timeout(5*time.Minute),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
