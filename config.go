package dicomindex

import "time"

// Configuration constants
const (
	// Activity retry configuration
	DefaultMaxRetries      = 3
	DefaultInitialBackoff  = 100 * time.Millisecond
	DefaultBackoffMultiple = 2
	DefaultJitterPercent   = 0.5 // avoid thundering herd on contended batches

	// Reindex batching
	DefaultReindexBatchSize   = 100
	DefaultMaxParallelBatches = 1

	// Extended query tags
	DefaultMaxAllowedTagCount = 128

	// Schema resolution
	DefaultSchemaRefreshInterval = 30 * time.Second

	// File backend permissions
	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755
)

// RetryConfig holds configuration for retry operations with exponential backoff
type RetryConfig struct {
	MaxRetries      int
	InitialBackoff  time.Duration
	BackoffMultiple int
	JitterPercent   float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      DefaultMaxRetries,
		InitialBackoff:  DefaultInitialBackoff,
		BackoffMultiple: DefaultBackoffMultiple,
		JitterPercent:   DefaultJitterPercent,
	}
}

// Validate checks if the RetryConfig is valid
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxRetries",
			"value":  c.MaxRetries,
			"reason": "must be non-negative",
		})
	}
	if c.InitialBackoff <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "InitialBackoff",
			"value":  c.InitialBackoff,
			"reason": "must be positive",
		})
	}
	if c.BackoffMultiple < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BackoffMultiple",
			"value":  c.BackoffMultiple,
			"reason": "must be >= 1",
		})
	}
	if c.JitterPercent < 0 || c.JitterPercent > 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "JitterPercent",
			"value":  c.JitterPercent,
			"reason": "must be between 0 and 1",
		})
	}
	return nil
}

// backoffFor returns the backoff duration before retry attempt i (0-based)
func (c RetryConfig) backoffFor(i int) time.Duration {
	backoff := c.InitialBackoff
	for n := 0; n < i; n++ {
		backoff *= time.Duration(c.BackoffMultiple)
	}
	jitter := time.Duration(float64(backoff) * c.JitterPercent * (1.0 - (float64(i%2) * 0.5)))
	return backoff + jitter
}

// ExtendedQueryTagConfig controls the extended query tag feature
type ExtendedQueryTagConfig struct {
	// Enabled gates every lifecycle operation. When false, AddTags and
	// DeleteTag fail with ErrFeatureDisabled.
	Enabled bool

	// MaxAllowedCount is the upper bound on the number of stored tags,
	// enforced atomically by the tag store together with the duplicate check.
	MaxAllowedCount int
}

// DefaultExtendedQueryTagConfig returns the default tag configuration
func DefaultExtendedQueryTagConfig() ExtendedQueryTagConfig {
	return ExtendedQueryTagConfig{
		Enabled:         true,
		MaxAllowedCount: DefaultMaxAllowedTagCount,
	}
}

// Validate checks if the ExtendedQueryTagConfig is valid
func (c ExtendedQueryTagConfig) Validate() error {
	if c.MaxAllowedCount <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxAllowedCount",
			"value":  c.MaxAllowedCount,
			"reason": "must be positive",
		})
	}
	return nil
}

// ReindexConfig controls reindex orchestration
type ReindexConfig struct {
	// BatchSize is the watermark span of a single batch activity
	BatchSize int

	// MaxParallelBatches bounds batch fan-out. Batches never overlap and
	// progress is committed in non-decreasing watermark order regardless.
	MaxParallelBatches int

	// Retry is the per-activity retry policy for transient failures
	Retry RetryConfig
}

// DefaultReindexConfig returns the default reindex configuration
func DefaultReindexConfig() ReindexConfig {
	return ReindexConfig{
		BatchSize:          DefaultReindexBatchSize,
		MaxParallelBatches: DefaultMaxParallelBatches,
		Retry:              DefaultRetryConfig(),
	}
}

// Validate checks if the ReindexConfig is valid
func (c ReindexConfig) Validate() error {
	if c.BatchSize <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BatchSize",
			"value":  c.BatchSize,
			"reason": "must be positive",
		})
	}
	if c.MaxParallelBatches <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxParallelBatches",
			"value":  c.MaxParallelBatches,
			"reason": "must be positive",
		})
	}
	return c.Retry.Validate()
}
