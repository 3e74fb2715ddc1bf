// Package cache implements the bounded-TTL reference-data caches of
// spec.md §5, Redis-backed and scoped by key prefix. The service wires one
// instance, the product cache used by the EOD pipeline. Entries leave the
// cache when their TTL expires or are replaced by a later Set; no write path
// in this module calls Evict.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantlayer/position-loader/internal/errors"
)

// TTL presets named in spec.md §5.
const (
	ReferenceDataTTL = 30 * time.Minute
	RarelyChangingTTL = time.Hour
	ActiveBatchTTL    = 5 * time.Minute
)

// Cache wraps a Redis client with a key prefix and default TTL for one kind
// of cached entity.
type Cache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// New builds a Cache scoped to prefix (e.g. "client", "account") with ttl
// applied to every Set call that doesn't override it.
func New(rdb *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *Cache) key(id string) string {
	return c.prefix + ":" + id
}

// Get unmarshals the cached JSON value for id into dest. It returns
// (false, nil) on a cache miss.
func (c *Cache) Get(ctx context.Context, id string, dest any) (bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.FailedToWithDetails("get cache entry", "cache", c.key(id), err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, errors.ParseError(c.key(id), "json", err)
	}
	return true, nil
}

// Set marshals value as JSON and stores it with the cache's default TTL.
func (c *Cache) Set(ctx context.Context, id string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.FailedToWithDetails("marshal cache entry", "cache", c.key(id), err)
	}
	if err := c.rdb.Set(ctx, c.key(id), raw, c.ttl).Err(); err != nil {
		return errors.FailedToWithDetails("set cache entry", "cache", c.key(id), err)
	}
	return nil
}

// Evict removes the cached entry for id. The store's upsert paths do not
// call it.
func (c *Cache) Evict(ctx context.Context, id string) error {
	if err := c.rdb.Del(ctx, c.key(id)).Err(); err != nil {
		return errors.FailedToWithDetails("evict cache entry", "cache", c.key(id), err)
	}
	return nil
}
