package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRelayChannel is the Redis channel events are fanned out on.
const DefaultRelayChannel = "intake:events"

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisRelay publishes events to the local hub and to a Redis channel, and
// replays events other server instances put on that channel. Each instance
// ignores its own messages.
type RedisRelay struct {
	hub     *Hub
	client  *redis.Client
	channel string
	origin  string
	logger  zerolog.Logger
}

func NewRedisRelay(hub *Hub, client *redis.Client, channel string, logger zerolog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		hub:     hub,
		client:  client,
		channel: channel,
		origin:  uuid.New().String(),
		logger:  logger,
	}
}

// Publish delivers locally first so a Redis outage never hides an event
// from this instance's clients.
func (r *RedisRelay) Publish(ctx context.Context, event Event) error {
	if err := r.hub.Publish(ctx, event); err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Origin: r.origin, Event: event})
	if err != nil {
		return fmt.Errorf("marshal relay event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Run consumes the channel until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Msg("malformed relay message")
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.hub.Broadcast(env.Event.Topic, env.Event)
}
