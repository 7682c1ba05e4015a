package dicomindex

import (
	"context"
	"sync"
	"time"
)

// CircuitBreaker prevents cascading failures when the metadata blob store is
// unavailable. Three states: closed (normal), open (failing fast), half-open
// (probing for recovery).
type CircuitBreaker struct {
	mu            sync.RWMutex
	maxFailures   int
	resetTimeout  time.Duration
	failures      int
	lastFailTime  time.Time
	state         string // "closed", "open", "half-open"
	onStateChange func(from, to string)
}

// NewCircuitBreaker creates a circuit breaker that opens after maxFailures
// consecutive failures and probes again after resetTimeout.
//
// Example:
//
//	cb := NewCircuitBreaker(5, 30*time.Second)
//	err := cb.Execute(ctx, func() error {
//	    return backend.Put(ctx, key, data)
//	})
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        "closed",
	}
}

// WithStateChangeCallback adds a callback for state transitions.
// Useful for metrics and logging.
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(from, to string)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// Execute runs fn if the circuit is closed or half-open.
// Returns ErrStoreUnavailable if the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allow() {
		return WithContext(ErrStoreUnavailable, map[string]interface{}{
			"reason": "circuit breaker is open",
			"state":  cb.State(),
		})
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// allow checks if a request should pass based on circuit state
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case "open":
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.setState("half-open")
			return true
		}
		return false
	case "half-open":
		return true
	default: // closed
		return true
	}
}

// recordResult updates circuit state based on the operation result. Lookup
// misses are not dependency failures and leave the circuit alone.
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && !IsNotFound(err) {
		cb.failures++
		cb.lastFailTime = time.Now()

		if cb.failures >= cb.maxFailures && cb.state != "open" {
			cb.setState("open")
		}
	} else {
		if cb.state == "half-open" {
			cb.setState("closed")
			cb.failures = 0
		} else if cb.state == "closed" {
			cb.failures = 0
		}
	}
}

// setState transitions to a new state and triggers the callback
func (cb *CircuitBreaker) setState(newState string) {
	oldState := cb.state
	cb.state = newState
	if cb.onStateChange != nil {
		cb.onStateChange(oldState, newState)
	}
}

// State returns the current state (closed, open, or half-open)
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState("closed")
}

// Failures returns the current consecutive-failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// ResilientBackend wraps a backend with a circuit breaker so a dead blob
// store fails fast instead of stalling every reindex batch on timeouts.
type ResilientBackend struct {
	Backend
	breaker *CircuitBreaker
}

// NewResilientBackend wraps a backend with the given circuit breaker
func NewResilientBackend(backend Backend, breaker *CircuitBreaker) *ResilientBackend {
	return &ResilientBackend{Backend: backend, breaker: breaker}
}

func (b *ResilientBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.breaker.Execute(ctx, func() error {
		var err error
		data, err = b.Backend.Get(ctx, key)
		return err
	})
	return data, err
}

func (b *ResilientBackend) Put(ctx context.Context, key string, data []byte) error {
	return b.breaker.Execute(ctx, func() error {
		return b.Backend.Put(ctx, key, data)
	})
}

func (b *ResilientBackend) Delete(ctx context.Context, key string) error {
	return b.breaker.Execute(ctx, func() error {
		return b.Backend.Delete(ctx, key)
	})
}
