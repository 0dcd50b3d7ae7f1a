// ABOUTME: Redis pub/sub relay that mirrors room events across gateway instances
// ABOUTME: Envelopes carry an origin id so an instance ignores its own publications

package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type envelope struct {
	Origin string `json:"origin"`
	Room   string `json:"room"`
	Event  *Event `json:"event"`
}

// RedisRelay publishes events to a Redis channel per room and delivers
// events from other instances into the local hub.
type RedisRelay struct {
	client *redis.Client
	prefix string
	origin string
	logger *slog.Logger
}

// NewRedisRelay creates a relay using channels named prefix+room.
func NewRedisRelay(client *redis.Client, prefix string, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client: client,
		prefix: prefix,
		origin: uuid.New().String(),
		logger: logger.With("component", "fanout-relay"),
	}
}

// Publish sends ev to other instances.
func (r *RedisRelay) Publish(ctx context.Context, room string, ev *Event) error {
	payload, err := r.encode(room, ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.prefix+room, payload).Err(); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}

// Run subscribes to every room channel and delivers foreign events into hub
// until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to redis: %w", err)
	}
	r.logger.Info("relay subscribed", "pattern", r.prefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			r.handle(hub, msg.Channel, msg.Payload)
		}
	}
}

func (r *RedisRelay) encode(room string, ev *Event) (string, error) {
	data, err := json.Marshal(envelope{Origin: r.origin, Room: room, Event: ev})
	if err != nil {
		return "", fmt.Errorf("encoding relay envelope: %w", err)
	}
	return string(data), nil
}

// handle delivers one relayed payload. Returns the local delivery count.
func (r *RedisRelay) handle(hub *Hub, channel, payload string) int {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Event == nil {
		r.logger.Warn("dropping malformed relay payload", "channel", channel, "error", err)
		return 0
	}
	if env.Origin == r.origin {
		return 0
	}
	room := env.Room
	if room == "" {
		room = strings.TrimPrefix(channel, r.prefix)
	}
	return hub.Deliver(room, env.Event)
}
