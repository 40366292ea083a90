package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stevemoraco/Kull-sub004/internal/batch"
)

// JobStarter launches the local task for a batch job.
type JobStarter interface {
	Start(jobID string) error
}

type Processor struct {
	jobs   JobStarter
	logger zerolog.Logger
}

type TaskPayload struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
}

func NewProcessor(jobs JobStarter, logger zerolog.Logger) *Processor {
	return &Processor{
		jobs:   jobs,
		logger: logger.With().Str("component", "task_processor").Logger(),
	}
}

func (p *Processor) Handle(_ context.Context, msg redis.XMessage) error {
	var payload TaskPayload
	if err := decodePayload(msg.Values, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	switch payload.Type {
	case batch.TaskTypeRun:
		return p.handleBatch(payload)
	default:
		p.logger.Warn().Str("type", payload.Type).Str("message_id", msg.ID).Msg("unknown task type")
		return nil
	}
}

func decodePayload(values map[string]interface{}, out *TaskPayload) error {
	bytes, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, out)
}

func (p *Processor) handleBatch(payload TaskPayload) error {
	if payload.JobID == "" {
		p.logger.Warn().Msg("batch task without job id")
		return nil
	}
	if err := p.jobs.Start(payload.JobID); err != nil {
		if errors.Is(err, batch.ErrRunnerClosed) {
			return err
		}
		return fmt.Errorf("start job %s: %w", payload.JobID, err)
	}
	p.logger.Debug().Str("job_id", payload.JobID).Msg("batch task started")
	return nil
}
