// Package breaker guards calls into the sandbox-provisioning service.
// One breaker instance is shared by every job hitting the same provider so
// that unrelated jobs pool their failure signals instead of hammering a
// degraded service independently.
package breaker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jordanhubbard/foundry/internal/metrics"
)

// State is the breaker's circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	// DefaultThreshold is the consecutive-failure count that opens the circuit.
	DefaultThreshold = 5
	// DefaultCooldown is how long the circuit stays open before a probe.
	DefaultCooldown = 60 * time.Second
)

// AlertSink receives notifications when the breaker opens or a half-open
// probe fails. Implemented by the external monitoring collaborator.
type AlertSink interface {
	BreakerAlert(service string, state State, failureCount int)
}

// OpenError is returned to callers while the circuit is open. It carries a
// retry-after hint instead of being retried internally.
type OpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("service %s unavailable, retry in %ds", e.Service, int(e.RetryAfter.Seconds())+1)
}

// Breaker is a per-protected-service circuit breaker. Instances are
// injected, not package globals, so tests can run independent breakers.
type Breaker struct {
	service   string
	threshold int
	cooldown  time.Duration
	alerts    AlertSink
	metrics   *metrics.Metrics
	now       func() time.Time

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailureAt time.Time
	probing       bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold overrides the failure threshold.
func WithThreshold(n int) Option {
	return func(b *Breaker) { b.threshold = n }
}

// WithCooldown overrides the open-state cooldown.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) { b.cooldown = d }
}

// WithAlertSink sets the monitoring collaborator.
func WithAlertSink(s AlertSink) Option {
	return func(b *Breaker) { b.alerts = s }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker for the named service.
func New(service string, opts ...Option) *Breaker {
	b := &Breaker{
		service:   service,
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		metrics:   metrics.NewMetrics(),
		now:       time.Now,
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics.BreakerState.WithLabelValues(service).Set(0)
	return b
}

// State returns the current circuit state. The open state is reported as-is
// even when the cooldown has elapsed; the half-open transition happens on
// the next Execute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive-failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Execute runs fn through the circuit. While open, calls fail fast with an
// *OpenError and fn is never invoked. In half-open state exactly one probe
// passes through; concurrent callers fail fast until the probe settles.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		b.metrics.BreakerFastFails.WithLabelValues(b.service).Inc()
		return err
	}

	err := fn(ctx)
	b.settle(err)
	return err
}

// allow decides whether a call may proceed, transitioning open→half-open
// when the cooldown has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailureAt)
		if elapsed < b.cooldown {
			return &OpenError{Service: b.service, RetryAfter: b.cooldown - elapsed}
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return &OpenError{Service: b.service, RetryAfter: b.cooldown}
		}
		b.probing = true
		return nil
	}
	return nil
}

// settle records the outcome of a call that was allowed through.
func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if err == nil {
			b.failureCount = 0
			b.transition(StateClosed)
			log.Printf("[Breaker] %s probe succeeded, circuit closed", b.service)
			return
		}
		// Failed probe: reopen and restart the cooldown clock.
		b.lastFailureAt = b.now()
		b.transition(StateOpen)
		b.alert()
		log.Printf("[Breaker] %s probe failed, circuit reopened: %v", b.service, err)
		return
	}

	if err == nil {
		if b.failureCount > 0 {
			b.failureCount--
		}
		return
	}

	b.failureCount++
	b.lastFailureAt = b.now()
	if b.state == StateClosed && b.failureCount >= b.threshold {
		b.transition(StateOpen)
		b.alert()
		log.Printf("[Breaker] %s opened after %d consecutive failures", b.service, b.failureCount)
	}
}

// Reset manually closes the circuit and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.probing = false
	b.transition(StateClosed)
	log.Printf("[Breaker] %s manually reset", b.service)
}

// transition updates state and metrics; callers hold the lock.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.state = to
	b.metrics.BreakerTransitions.WithLabelValues(b.service, string(to)).Inc()

	var gauge float64
	switch to {
	case StateOpen:
		gauge = 1
	case StateHalfOpen:
		gauge = 2
	}
	b.metrics.BreakerState.WithLabelValues(b.service).Set(gauge)
}

// alert notifies the monitoring collaborator; callers hold the lock.
func (b *Breaker) alert() {
	if b.alerts == nil {
		return
	}
	// Copy what the sink needs before releasing to it; sinks may block.
	service, state, count := b.service, b.state, b.failureCount
	go b.alerts.BreakerAlert(service, state, count)
}
