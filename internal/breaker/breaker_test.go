package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []State
}

func (s *recordingSink) BreakerAlert(_ string, state State, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, state)
}

var errBoom = errors.New("boom")

func newTestBreaker(clock *fakeClock, opts ...Option) *Breaker {
	opts = append([]Option{WithThreshold(3), WithCooldown(time.Minute), WithClock(clock.Now)}, opts...)
	return New("provider-test", opts...)
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 2; i++ {
		if err := b.Execute(context.Background(), fail); !errors.Is(err, errBoom) {
			t.Fatalf("expected wrapped fn error, got %v", err)
		}
		if b.State() != StateClosed {
			t.Fatalf("breaker opened early after %d failures", i+1)
		}
	}

	if err := b.Execute(context.Background(), fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected fn error at threshold, got %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("expected open after threshold failures, got %s", b.State())
	}
}

func TestBreaker_FastFailWhileOpen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), fail)
	}

	invoked := false
	err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})

	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if invoked {
		t.Error("wrapped function must not run while circuit is open")
	}
	if openErr.RetryAfter <= 0 || openErr.RetryAfter > time.Minute {
		t.Errorf("retry-after hint out of range: %v", openErr.RetryAfter)
	}
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), fail)
	}
	clock.Advance(time.Minute + time.Second)

	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("probe should pass through: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
	if b.FailureCount() != 0 {
		t.Errorf("expected failure count reset, got %d", b.FailureCount())
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), fail)
	}
	clock.Advance(time.Minute + time.Second)

	if err := b.Execute(context.Background(), fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe should pass through and fail: %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected reopened circuit, got %s", b.State())
	}

	// Cooldown clock restarted: a call just before the new deadline fast-fails.
	clock.Advance(59 * time.Second)
	var openErr *OpenError
	if err := b.Execute(context.Background(), succeed); !errors.As(err, &openErr) {
		t.Errorf("expected fast fail before restarted cooldown elapses, got %v", err)
	}
}

func TestBreaker_SuccessDecaysFailureCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	b.Execute(context.Background(), fail)
	b.Execute(context.Background(), fail)
	if got := b.FailureCount(); got != 2 {
		t.Fatalf("expected 2 failures, got %d", got)
	}

	b.Execute(context.Background(), succeed)
	if got := b.FailureCount(); got != 1 {
		t.Errorf("expected decay to 1, got %d", got)
	}

	b.Execute(context.Background(), succeed)
	b.Execute(context.Background(), succeed)
	if got := b.FailureCount(); got != 0 {
		t.Errorf("expected floor at 0, got %d", got)
	}
}

func TestBreaker_AlertOnOpenAndFailedProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	sink := &recordingSink{}
	b := newTestBreaker(clock, WithAlertSink(sink))

	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), fail)
	}
	clock.Advance(time.Minute + time.Second)
	b.Execute(context.Background(), fail) // failed probe

	deadline := time.Now().Add(time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.alerts)
		sink.mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.alerts) != 2 {
		t.Fatalf("expected 2 alerts (open, failed probe), got %d", len(sink.alerts))
	}
	for _, s := range sink.alerts {
		if s != StateOpen {
			t.Errorf("expected alert in open state, got %s", s)
		}
	}
}

func TestBreaker_Reset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), fail)
	}
	b.Reset()

	if b.State() != StateClosed {
		t.Errorf("expected closed after reset, got %s", b.State())
	}
	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Errorf("call should pass after reset: %v", err)
	}
}
