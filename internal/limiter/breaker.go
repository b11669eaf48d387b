package limiter

import (
	"log/slog"
	"sync"
	"time"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// Breaker gates calls to the fast rate-limit store.
// State transitions: closed → open → half-open → closed
//
// - Closed: Normal operation. Consecutive failures are counted.
// - Open: All fast-path calls are rejected. Transitions to half-open after cooldown.
// - Half-Open: Exactly one probe call is allowed. Success → closed, failure → open.
//
// All state lives behind a single mutex; the breaker is shared by request
// goroutines and the background health probe.
type Breaker struct {
	mu       sync.Mutex
	state    string
	failures int
	openedAt time.Time

	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
	logger           *slog.Logger
}

// NewBreaker creates a breaker. A threshold of 1 trips on the first failure,
// which favors durable correctness over fast-path availability.
func NewBreaker(failureThreshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              time.Now,
		logger:           logger,
	}
}

// Allow reports whether a fast-path call may be attempted. While open it
// returns false until the cooldown elapses, then transitions to half-open and
// grants exactly one probe; further calls are rejected until the probe's
// outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.logger.Info("circuit breaker half-open")
			return true
		}
		return false

	case StateHalfOpen:
		// The single probe is already in flight.
		return false

	default: // StateClosed
		return true
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.logger.Info("circuit breaker closed (recovered)")
	}
	b.state = StateClosed
	b.failures = 0
}

// RecordFailure counts a failure. The circuit opens when the consecutive
// failure count reaches the threshold, or immediately if the half-open probe
// failed; either way the cooldown clock restarts.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		b.logger.Warn("circuit breaker re-opened (half-open probe failed)")
		return
	}

	if b.failures >= b.failureThreshold {
		b.state = StateOpen
		b.openedAt = b.now()
		b.logger.Warn("circuit breaker opened",
			"failures", b.failures,
			"threshold", b.failureThreshold,
		)
	}
}

// State returns the current state for health reporting.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
