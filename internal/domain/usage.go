package domain

import "time"

// UsageLog is the billing record written once per completed job.
type UsageLog struct {
	UserID          string
	JobID           string
	PixelsProcessed int64
	BytesRead       int64
	BytesWritten    int64
	SharpenFailures int
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
