package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStreamConfig configures the Redis Streams broker.
type RedisStreamConfig struct {
	// MaxLen trims each stream approximately to this length; 0 keeps all.
	MaxLen int64
}

// RedisBroker appends envelopes to a Redis stream named after the topic.
type RedisBroker struct {
	client redis.UniversalClient
	cfg    RedisStreamConfig
}

// NewRedisBroker uses client without taking ownership of it.
func NewRedisBroker(client redis.UniversalClient, cfg RedisStreamConfig) *RedisBroker {
	return &RedisBroker{client: client, cfg: cfg}
}

// Publish runs XADD and returns the stream entry id.
func (b *RedisBroker) Publish(ctx context.Context, msg Message) (string, error) {
	values := make(map[string]interface{}, len(msg.Attributes)+2)
	for k, v := range msg.Attributes {
		values[k] = v
	}
	values["key"] = msg.Key
	values["payload"] = string(msg.Value)

	args := &redis.XAddArgs{
		Stream: msg.Topic,
		Values: values,
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", msg.Topic, err)
	}
	return id, nil
}

// Close is a no-op; the client belongs to the caller.
func (b *RedisBroker) Close() error {
	return nil
}
