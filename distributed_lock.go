package dicomindex

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock provides Redis-based locking for coordinating reindex
// workers across multiple processes. Only one worker may drive a given
// reindex operation at a time.
type DistributedLock struct {
	redis      *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
	metrics    Metrics
	ownsClient bool // If true, Close() will close the Redis client
}

// NewDistributedLock creates a new distributed lock manager using Redis
func NewDistributedLock(redis *redis.Client, keyPrefix string) *DistributedLock {
	return &DistributedLock{
		redis:      redis,
		keyPrefix:  keyPrefix,
		defaultTTL: 30 * time.Second,
		metrics:    &NoOpMetrics{},
		ownsClient: false,
	}
}

// NewDistributedLockWithOwnedClient creates a lock manager that owns the Redis client
func NewDistributedLockWithOwnedClient(redis *redis.Client, keyPrefix string) *DistributedLock {
	lock := NewDistributedLock(redis, keyPrefix)
	lock.ownsClient = true
	return lock
}

// WithMetrics sets the metrics collector used for lock acquisition counters
func (l *DistributedLock) WithMetrics(m Metrics) *DistributedLock {
	if m != nil {
		l.metrics = m
	}
	return l
}

// Lock acquires a distributed lock for the given key.
// Returns a release function that MUST be called to release the lock.
//
// Example:
//
//	release, err := lock.Lock(ctx, "reindex/"+operationID, 30*time.Second)
//	if err != nil {
//	    return err
//	}
//	defer release()
func (l *DistributedLock) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl == 0 {
		ttl = l.defaultTTL
	}

	lockKey := fmt.Sprintf("%s:lock:%s", l.keyPrefix, key)
	lockValue := fmt.Sprintf("%d", time.Now().UnixNano())

	// Try to acquire lock with SET NX (only set if not exists)
	success, err := l.redis.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		l.metrics.Increment(MetricLockFailed, "reason", "redis")
		return nil, storeFailure("acquire lock", err)
	}

	if !success {
		l.metrics.Increment(MetricLockFailed, "reason", "held")
		return nil, WithContext(ErrLockHeld, map[string]interface{}{
			"key": key,
			"ttl": ttl,
		})
	}

	l.metrics.Increment(MetricLockAcquired)

	// Return a release function
	release := func() {
		// Use a background context for cleanup (don't fail if parent context cancelled)
		cleanupCtx := context.Background()

		// Only delete if we still own the lock (check value matches)
		script := `
			if redis.call("get", KEYS[1]) == ARGV[1] then
				return redis.call("del", KEYS[1])
			else
				return 0
			end
		`
		l.redis.Eval(cleanupCtx, script, []string{lockKey}, lockValue).Result() //nolint:errcheck // Best-effort cleanup
	}

	return release, nil
}

// TryLockWithRetry attempts to acquire a lock with exponential backoff retry.
// Useful for handling temporary contention between reindex workers.
func (l *DistributedLock) TryLockWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int) (func(), error) {
	config := DefaultRetryConfig()
	config.MaxRetries = maxRetries

	var lastErr error
	for i := 0; i < config.MaxRetries; i++ {
		release, err := l.Lock(ctx, key, ttl)
		if err == nil {
			return release, nil
		}

		lastErr = err

		// Check if context cancelled
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// Wait with exponential backoff
		if i < config.MaxRetries-1 {
			time.Sleep(config.backoffFor(i))
		}
	}

	return nil, WithContext(ErrLockTimeout, map[string]interface{}{
		"key":     key,
		"retries": config.MaxRetries,
		"cause":   lastErr.Error(),
	})
}

// Close releases resources held by the distributed lock
func (l *DistributedLock) Close() error {
	if l.ownsClient && l.redis != nil {
		return l.redis.Close()
	}
	return nil
}
