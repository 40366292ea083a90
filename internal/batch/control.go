package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultControlChannel = "batch:control"

const (
	controlMinBackoff = 500 * time.Millisecond
	controlMaxBackoff = 30 * time.Second
)

type controlMessage struct {
	Op    string `json:"op"`
	JobID string `json:"jobId"`
}

// ControlBus broadcasts stop requests so the process that owns a job's task
// halts it, whichever node took the HTTP request.
type ControlBus struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

func NewControlBus(client *redis.Client, channel string, log zerolog.Logger) *ControlBus {
	if channel == "" {
		channel = DefaultControlChannel
	}
	return &ControlBus{
		client:  client,
		channel: channel,
		log:     log.With().Str("component", "batch_control").Logger(),
	}
}

// Stop implements Stopper.
func (b *ControlBus) Stop(ctx context.Context, jobID string) error {
	data, err := json.Marshal(controlMessage{Op: "stop", JobID: jobID})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish stop %s: %w", jobID, err)
	}
	return nil
}

// Listen applies stop requests to the local runner until ctx is done. A
// lost subscription is retried with exponential backoff.
func (b *ControlBus) Listen(ctx context.Context, local Stopper) error {
	backoff := controlMinBackoff
	for {
		subscribed, err := b.listen(ctx, local)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			backoff = controlMinBackoff
		}
		b.log.Warn().Err(err).Dur("retry_in", backoff).Msg("control subscription lost")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, controlMaxBackoff)
	}
}

func (b *ControlBus) listen(ctx context.Context, local Stopper) (bool, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, fmt.Errorf("subscription to %s closed", b.channel)
			}
			var cm controlMessage
			if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil || cm.JobID == "" {
				b.log.Warn().Str("payload", msg.Payload).Msg("dropping malformed control message")
				continue
			}
			if cm.Op != "stop" {
				continue
			}
			if err := local.Stop(ctx, cm.JobID); err != nil {
				b.log.Warn().Err(err).Str("job_id", cm.JobID).Msg("local stop failed")
			}
		}
	}
}
