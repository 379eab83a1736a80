package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher hands notifications to an asynchronous channel. Delivery is
// best-effort; implementations do not retry.
type Publisher interface {
	Publish(ctx context.Context, event NotificationEvent) error
	Close() error
}

// RedisStreamPublisher appends notifications to a Redis stream.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamPublisher caps the stream at roughly maxLen entries when maxLen > 0.
func NewRedisStreamPublisher(client *redis.Client, stream string, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = TransactionNotificationsStream
	}
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, event NotificationEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"event": eventJSON,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Close is a no-op: the Redis client is owned by the caller.
func (p *RedisStreamPublisher) Close() error { return nil }

// LogPublisher writes notifications to the service log. Used when no broker is
// configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event NotificationEvent) error {
	p.logger.Info("transaction notification",
		zap.String("entityId", event.EntityID),
		zap.String("timestamp", event.Timestamp),
		zap.String("message", event.Message),
		zap.String("resource", event.Resource),
		zap.Bool("status", event.Status),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
