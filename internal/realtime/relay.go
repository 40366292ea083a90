package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultRelayChannel = "sync:events"

const (
	relayMinBackoff = 500 * time.Millisecond
	relayMaxBackoff = 30 * time.Second
)

// relayMessage is the channel payload. Except names a device of the user
// that must not receive the envelope; plain envelopes decode with it empty.
type relayMessage struct {
	Envelope
	Except string `json:"except,omitempty"`
}

// RedisRelay fans envelopes out to every API node through redis pub/sub so
// events raised by a worker reach sockets held by any node.
type RedisRelay struct {
	client     *redis.Client
	channel    string
	minBackoff time.Duration
	maxBackoff time.Duration
	log        zerolog.Logger
}

func NewRedisRelay(client *redis.Client, channel string, log zerolog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		client:     client,
		channel:    channel,
		minBackoff: relayMinBackoff,
		maxBackoff: relayMaxBackoff,
		log:        log.With().Str("component", "sync_relay").Logger(),
	}
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	return r.PublishExcept(ctx, env, "")
}

func (r *RedisRelay) PublishExcept(ctx context.Context, env Envelope, deviceID string) error {
	data, err := json.Marshal(relayMessage{Envelope: env, Except: deviceID})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// Forward delivers relayed envelopes into hub until ctx is done. A lost or
// failed subscription is retried with exponential backoff.
func (r *RedisRelay) Forward(ctx context.Context, hub *Hub) error {
	backoff := r.minBackoff
	for {
		subscribed, err := r.forward(ctx, hub)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			backoff = r.minBackoff
		}
		r.log.Warn().Err(err).Dur("retry_in", backoff).Msg("sync relay subscription lost")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, r.maxBackoff)
	}
}

// forward runs one subscription and reports whether it got as far as
// subscribing.
func (r *RedisRelay) forward(ctx context.Context, hub *Hub) (bool, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Info().Str("channel", r.channel).Msg("sync relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, fmt.Errorf("subscription to %s closed", r.channel)
			}
			r.deliver(hub, msg.Payload)
		}
	}
}

func (r *RedisRelay) deliver(hub *Hub, payload string) int {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.log.Warn().Err(err).Msg("dropping malformed relayed envelope")
		return 0
	}
	return hub.broadcast(msg.Envelope, msg.Except)
}
