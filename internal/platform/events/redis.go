package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes envelopes on a Redis pub/sub channel so other server
// instances can relay them to their own websocket clients.
type RedisSink struct {
	client  redisPublisher
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

// ConnectRedis parses url, builds a client and pings it.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, _ Envelope, body []byte) error {
	return s.client.Publish(ctx, s.channel, body).Err()
}

// Broadcaster hands a raw envelope to locally connected subscribers.
type Broadcaster interface {
	BroadcastRaw(topic string, body []byte)
}

// RelayRedis subscribes to channel and rebroadcasts envelopes published by
// other instances to the local hub. It returns when ctx is cancelled or the
// subscription closes.
func RelayRedis(ctx context.Context, client *redis.Client, channel, origin string, hub Broadcaster, logger zerolog.Logger) error {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := relayMessage([]byte(msg.Payload), origin, hub); err != nil {
				logger.Warn().Err(err).Str("channel", channel).Msg("drop malformed relayed event")
			}
		}
	}
}

func relayMessage(payload []byte, origin string, hub Broadcaster) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Topic == "" {
		return fmt.Errorf("envelope %s has no topic", env.ID)
	}
	if origin != "" && env.Origin == origin {
		return nil
	}
	hub.BroadcastRaw(env.Topic, payload)
	return nil
}
