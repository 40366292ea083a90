package batch

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream = "batch:jobs"
	TaskTypeRun   = "batch"
)

// StreamQueue dispatches jobs to worker processes through a redis stream.
type StreamQueue struct {
	client *redis.Client
	stream string
}

func NewStreamQueue(client *redis.Client, stream string) *StreamQueue {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamQueue{client: client, stream: stream}
}

func (q *StreamQueue) Dispatch(ctx context.Context, jobID string) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"type":  TaskTypeRun,
			"jobId": jobID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}
