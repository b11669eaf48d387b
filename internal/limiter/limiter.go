package limiter

import (
	"context"
	"log/slog"
	"time"
)

// Adapter is the rate-limit contract shared by the fast and durable stores.
type Adapter interface {
	TryAcquire(ctx context.Context, key string, limit, windowSeconds int) (bool, error)
	Remaining(ctx context.Context, key string, limit, windowSeconds int) (int, error)
	Reset(ctx context.Context, key string) error
}

// FastAdapter adds the health check used by the breaker's background probe.
type FastAdapter interface {
	Adapter
	Ping(ctx context.Context) error
}

// Limiter fronts both adapters with the circuit breaker. The fast path is
// attempted only while the breaker allows it; any fast-path error falls
// through to the durable adapter for that single call. The durable adapter is
// the ultimate fallback and is never breaker-gated.
type Limiter struct {
	fast    FastAdapter
	durable Adapter
	breaker *Breaker
	logger  *slog.Logger
}

func New(fast FastAdapter, durable Adapter, breaker *Breaker, logger *slog.Logger) *Limiter {
	return &Limiter{
		fast:    fast,
		durable: durable,
		breaker: breaker,
		logger:  logger,
	}
}

// TryAcquire returns the admission decision for key. Infrastructure failures
// are handled internally and never surfaced to the caller as errors; if both
// paths fail the call is denied.
func (l *Limiter) TryAcquire(ctx context.Context, key string, limit, windowSeconds int) bool {
	if l.breaker.Allow() {
		admitted, err := l.fast.TryAcquire(ctx, key, limit, windowSeconds)
		if err == nil {
			l.breaker.RecordSuccess()
			return admitted
		}
		l.breaker.RecordFailure()
		l.logger.Warn("fast rate limit path failed, falling back to durable",
			"key", key, "error", err,
		)
	}

	admitted, err := l.durable.TryAcquire(ctx, key, limit, windowSeconds)
	if err != nil {
		// Both paths down: deny rather than exceed the limit.
		l.logger.Error("durable rate limit path failed", "key", key, "error", err)
		return false
	}
	return admitted
}

// Remaining reports the quota left for key, using the same fallback order as
// TryAcquire.
func (l *Limiter) Remaining(ctx context.Context, key string, limit, windowSeconds int) int {
	if l.breaker.Allow() {
		remaining, err := l.fast.Remaining(ctx, key, limit, windowSeconds)
		if err == nil {
			l.breaker.RecordSuccess()
			return remaining
		}
		l.breaker.RecordFailure()
	}

	remaining, err := l.durable.Remaining(ctx, key, limit, windowSeconds)
	if err != nil {
		l.logger.Error("durable remaining quota failed", "key", key, "error", err)
		return 0
	}
	return remaining
}

// Reset clears the window for key on both stores.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.fast.Reset(ctx, key); err != nil {
		l.logger.Warn("fast rate limit reset failed", "key", key, "error", err)
	}
	return l.durable.Reset(ctx, key)
}

// BreakerState exposes the breaker for health reporting.
func (l *Limiter) BreakerState() string {
	return l.breaker.State()
}

// StartProbe pings the fast store on a fixed interval, independent of live
// traffic, so the breaker can recover from open during a lull in rate-limited
// calls. Runs until the context is cancelled.
func (l *Limiter) StartProbe(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.breaker.Allow() {
				continue
			}
			if err := l.fast.Ping(ctx); err != nil {
				l.breaker.RecordFailure()
				l.logger.Warn("fast store health probe failed", "error", err)
			} else {
				l.breaker.RecordSuccess()
			}
		}
	}
}
