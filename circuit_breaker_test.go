package dicomindex

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker(3, time.Minute)

	boom := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: err = %v, want boom", i, err)
		}
	}

	if cb.State() != "open" {
		t.Fatalf("State() = %q, want open", cb.State())
	}

	// Open circuit fails fast without calling fn
	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("err = %v, want ErrStoreUnavailable", err)
	}
	if called {
		t.Error("fn was called while circuit was open")
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	_ = cb.Execute(ctx, func() error { return errors.New("down") })
	if cb.State() != "open" {
		t.Fatalf("State() = %q, want open", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	// A successful probe closes the circuit again
	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("probe error: %v", err)
	}
	if cb.State() != "closed" {
		t.Errorf("State() = %q, want closed", cb.State())
	}
	if cb.Failures() != 0 {
		t.Errorf("Failures() = %d, want 0", cb.Failures())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	_ = cb.Execute(ctx, func() error { return errors.New("down") })
	time.Sleep(20 * time.Millisecond)

	_ = cb.Execute(ctx, func() error { return errors.New("still down") })
	if cb.State() != "open" {
		t.Errorf("State() = %q, want open after failed probe", cb.State())
	}
}

func TestCircuitBreakerIgnoresNotFound(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker(1, time.Minute)

	// Cache misses are normal traffic, not store failures
	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func() error { return ErrInstanceNotFound })
	}
	if cb.State() != "closed" {
		t.Errorf("State() = %q, want closed", cb.State())
	}
	if cb.Failures() != 0 {
		t.Errorf("Failures() = %d, want 0", cb.Failures())
	}
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(1, time.Minute).WithStateChangeCallback(func(from, to string) {
		transitions = append(transitions, from+"->"+to)
	})

	_ = cb.Execute(context.Background(), func() error { return errors.New("down") })
	cb.Reset()

	want := []string{"closed->open", "open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestResilientBackendFailsFast(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	inner := NewFilesystemBackend(dir)

	cb := NewCircuitBreaker(2, time.Minute)
	backend := NewResilientBackend(inner, cb)

	if err := backend.Put(ctx, "probe", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	got, err := backend.Get(ctx, "probe")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Errorf("Get() = %q", got)
	}

	// Misses pass through without tripping the breaker
	if _, err := backend.Get(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("Get(missing) = %v, want not-found", err)
	}
	if cb.State() != "closed" {
		t.Errorf("State() = %q, want closed", cb.State())
	}
}
