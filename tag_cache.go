package dicomindex

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTagCacheTTL = 30 * time.Second

// QueryTagCache is a Redis read-through cache for the full extended query
// tag list. The query path reads the tag list on every request; caching it
// keeps that read off the database while the short TTL bounds how long a
// deleted or newly added tag stays stale.
type QueryTagCache struct {
	redis   *redis.Client
	key     string
	ttl     time.Duration
	logger  Logger
	metrics Metrics
}

// NewQueryTagCache creates a cache under the given key prefix. A zero TTL
// uses the default of 30 seconds.
func NewQueryTagCache(client *redis.Client, keyPrefix string, ttl time.Duration) *QueryTagCache {
	if ttl <= 0 {
		ttl = defaultTagCacheTTL
	}
	return &QueryTagCache{
		redis:   client,
		key:     keyPrefix + ":query_tags",
		ttl:     ttl,
		logger:  &NoOpLogger{},
		metrics: &NoOpMetrics{},
	}
}

// WithLogger sets the logger
func (c *QueryTagCache) WithLogger(l Logger) *QueryTagCache {
	if l != nil {
		c.logger = l
	}
	return c
}

// WithMetrics sets the metrics collector
func (c *QueryTagCache) WithMetrics(m Metrics) *QueryTagCache {
	if m != nil {
		c.metrics = m
	}
	return c
}

// GetAllTags returns the cached tag list, loading and caching it on a miss.
// Redis being down degrades to the loader: the cache never turns a working
// database read into a failure.
func (c *QueryTagCache) GetAllTags(ctx context.Context, load func(context.Context) ([]ExtendedQueryTagStoreEntry, error)) ([]ExtendedQueryTagStoreEntry, error) {
	data, err := c.redis.Get(ctx, c.key).Bytes()
	if err == nil {
		var tags []ExtendedQueryTagStoreEntry
		if err := json.Unmarshal(data, &tags); err == nil {
			c.metrics.Increment(MetricTagCacheHits)
			return tags, nil
		}
		c.logger.Warn("discarding corrupt tag cache entry", "key", c.key)
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("tag cache read failed, falling through", "error", err)
	}

	c.metrics.Increment(MetricTagCacheMisses)

	tags, err := load(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(tags); err == nil {
		if err := c.redis.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("tag cache write failed", "error", err)
		}
	}

	return tags, nil
}

// Invalidate drops the cached tag list. Called after any tag mutation so the
// next read observes the change immediately instead of after TTL expiry.
func (c *QueryTagCache) Invalidate(ctx context.Context) error {
	if err := c.redis.Del(ctx, c.key).Err(); err != nil {
		return storeFailure("invalidate tag cache", err)
	}
	return nil
}
