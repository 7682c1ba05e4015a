package dicomindex

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfigsAreValid(t *testing.T) {
	if err := DefaultRetryConfig().Validate(); err != nil {
		t.Errorf("DefaultRetryConfig invalid: %v", err)
	}
	if err := DefaultExtendedQueryTagConfig().Validate(); err != nil {
		t.Errorf("DefaultExtendedQueryTagConfig invalid: %v", err)
	}
	if err := DefaultReindexConfig().Validate(); err != nil {
		t.Errorf("DefaultReindexConfig invalid: %v", err)
	}
}

func TestRetryConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RetryConfig)
	}{
		{"negative retries", func(c *RetryConfig) { c.MaxRetries = -1 }},
		{"zero backoff", func(c *RetryConfig) { c.InitialBackoff = 0 }},
		{"zero multiple", func(c *RetryConfig) { c.BackoffMultiple = 0 }},
		{"jitter above one", func(c *RetryConfig) { c.JitterPercent = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRetryConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestBackoffGrows(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:      5,
		InitialBackoff:  10 * time.Millisecond,
		BackoffMultiple: 2,
		JitterPercent:   0,
	}

	prev := time.Duration(0)
	for i := 0; i < 4; i++ {
		b := cfg.backoffFor(i)
		if b <= prev {
			t.Errorf("backoffFor(%d) = %v, want > %v", i, b, prev)
		}
		prev = b
	}

	if got := cfg.backoffFor(0); got != 10*time.Millisecond {
		t.Errorf("backoffFor(0) = %v, want 10ms", got)
	}
}

func TestReindexConfigValidate(t *testing.T) {
	cfg := DefaultReindexConfig()
	cfg.BatchSize = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}

	cfg = DefaultReindexConfig()
	cfg.MaxParallelBatches = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}

	cfg = DefaultReindexConfig()
	cfg.Retry.InitialBackoff = -time.Second
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() should propagate retry config errors, got %v", err)
	}
}

func TestExtendedQueryTagConfigValidate(t *testing.T) {
	cfg := ExtendedQueryTagConfig{Enabled: true, MaxAllowedCount: 0}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}
}
