package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ViewCache is a generic JSON-backed Redis cache for read projections of T.
// Only immutable values belong here: entries are never invalidated on write.
type ViewCache[T any] struct {
	client *goredis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewViewCache creates a ViewCache whose keys are prefix+id. A zero ttl keeps
// keys until evicted by Redis.
func NewViewCache[T any](client *goredis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *ViewCache[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ViewCache[T]{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Get returns (nil, false) on a miss or any Redis/decoding error.
func (c *ViewCache[T]) Get(ctx context.Context, id string) (*T, bool) {
	data, err := c.client.Get(ctx, c.prefix+id).Bytes()
	if err != nil {
		if err != goredis.Nil {
			c.logger.Warn("view cache read failed", zap.String("key", c.prefix+id), zap.Error(err))
		}
		return nil, false
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		c.logger.Warn("view cache decode failed", zap.String("key", c.prefix+id), zap.Error(err))
		return nil, false
	}
	return &v, true
}

// Set stores value under id. Failures are logged, a missed cache write is not fatal.
func (c *ViewCache[T]) Set(ctx context.Context, id string, value *T) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("view cache encode failed", zap.String("key", c.prefix+id), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.prefix+id, data, c.ttl).Err(); err != nil {
		c.logger.Warn("view cache write failed", zap.String("key", c.prefix+id), zap.Error(err))
	}
}

// GetOrLoad serves id from the cache, falling back to load and warming the
// cache with its result.
func (c *ViewCache[T]) GetOrLoad(ctx context.Context, id string, load func(context.Context, string) (*T, error)) (*T, error) {
	if v, ok := c.Get(ctx, id); ok {
		return v, nil
	}
	v, err := load(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Set(ctx, id, v)
	return v, nil
}
