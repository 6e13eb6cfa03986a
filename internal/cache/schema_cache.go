// Package cache provides a Redis read-through cache for schema text.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/sqlchat/internal/store"
)

const keyPrefix = "sqlchat:schema:"

// Connect creates a Redis client and verifies it with PING.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return client, nil
}

// SchemaCache wraps a SchemaStore. Redis failures are logged and the
// lookup falls through to the wrapped store, so the cache never turns a
// working lookup into an error.
type SchemaCache struct {
	next   store.SchemaStore
	client redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

var _ store.SchemaStore = (*SchemaCache)(nil)

// NewSchemaCache creates a read-through schema cache.
func NewSchemaCache(client redis.Cmdable, next store.SchemaStore, ttl time.Duration, logger *slog.Logger) *SchemaCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchemaCache{next: next, client: client, ttl: ttl, logger: logger}
}

func schemaKey(schemaID int64) string {
	return keyPrefix + strconv.FormatInt(schemaID, 10)
}

// GetSchemaText implements store.SchemaStore.
func (c *SchemaCache) GetSchemaText(ctx context.Context, schemaID int64) (string, bool, error) {
	key := schemaKey(schemaID)

	text, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return text, true, nil
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("schema cache read failed", "error", err, "schema_id", schemaID)
	}

	text, ok, err := c.next.GetSchemaText(ctx, schemaID)
	if err != nil || !ok {
		return text, ok, err
	}

	if err := c.client.Set(ctx, key, text, c.ttl).Err(); err != nil {
		c.logger.Warn("schema cache write failed", "error", err, "schema_id", schemaID)
	}
	return text, true, nil
}

// Invalidate drops the cached text for a schema. It must be called after
// the schema is updated or deleted.
func (c *SchemaCache) Invalidate(ctx context.Context, schemaID int64) error {
	if err := c.client.Del(ctx, schemaKey(schemaID)).Err(); err != nil {
		return fmt.Errorf("invalidate schema %d: %w", schemaID, err)
	}
	return nil
}
