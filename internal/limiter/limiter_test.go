package limiter

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeAdapter is a scriptable rate-limit adapter.
type fakeAdapter struct {
	admit   bool
	err     error
	pingErr error
	calls   int
}

func (f *fakeAdapter) TryAcquire(ctx context.Context, key string, limit, windowSeconds int) (bool, error) {
	f.calls++
	return f.admit, f.err
}

func (f *fakeAdapter) Remaining(ctx context.Context, key string, limit, windowSeconds int) (int, error) {
	return limit, f.err
}

func (f *fakeAdapter) Reset(ctx context.Context, key string) error { return f.err }

func (f *fakeAdapter) Ping(ctx context.Context) error { return f.pingErr }

func setupTestFacade(t *testing.T, fast *fakeAdapter, durable *fakeAdapter) (*Limiter, *time.Time) {
	t.Helper()
	b, now := setupTestBreaker(t, 1, 30*time.Second)
	return New(fast, durable, b, testLogger()), now
}

func TestFacade_UsesFastPathWhenHealthy(t *testing.T) {
	fast := &fakeAdapter{admit: true}
	durable := &fakeAdapter{admit: true}
	l, _ := setupTestFacade(t, fast, durable)

	if !l.TryAcquire(context.Background(), "k", 3, 10) {
		t.Error("expected admission from the fast path")
	}
	if fast.calls != 1 {
		t.Errorf("fast adapter calls = %d, want 1", fast.calls)
	}
	if durable.calls != 0 {
		t.Errorf("durable adapter calls = %d, want 0", durable.calls)
	}
}

func TestFacade_FallsBackToDurableOnFastFailure(t *testing.T) {
	fast := &fakeAdapter{err: errors.New("connection refused")}
	durable := &fakeAdapter{admit: true}
	l, _ := setupTestFacade(t, fast, durable)

	// The admission decision must survive the fast-path outage.
	if !l.TryAcquire(context.Background(), "k", 3, 10) {
		t.Error("expected admission from the durable fallback")
	}
	if durable.calls != 1 {
		t.Errorf("durable adapter calls = %d, want 1", durable.calls)
	}
	if l.BreakerState() != StateOpen {
		t.Errorf("breaker state = %q, want %q (threshold 1)", l.BreakerState(), StateOpen)
	}
}

func TestFacade_OpenBreakerBypassesFastPath(t *testing.T) {
	fast := &fakeAdapter{err: errors.New("connection refused")}
	durable := &fakeAdapter{admit: true}
	l, _ := setupTestFacade(t, fast, durable)

	ctx := context.Background()
	l.TryAcquire(ctx, "k", 3, 10) // trips the breaker

	fastCallsAfterTrip := fast.calls
	for i := 0; i < 5; i++ {
		l.TryAcquire(ctx, "k", 3, 10)
	}

	if fast.calls != fastCallsAfterTrip {
		t.Errorf("fast adapter was called %d more times while the breaker was open",
			fast.calls-fastCallsAfterTrip)
	}
	if durable.calls != 6 {
		t.Errorf("durable adapter calls = %d, want 6", durable.calls)
	}
}

func TestFacade_RecoversThroughHalfOpenProbe(t *testing.T) {
	fast := &fakeAdapter{err: errors.New("connection refused")}
	durable := &fakeAdapter{admit: true}
	l, now := setupTestFacade(t, fast, durable)

	ctx := context.Background()
	l.TryAcquire(ctx, "k", 3, 10) // trips the breaker

	// Fast store recovers while the breaker cools down.
	fast.err = nil
	fast.admit = true
	*now = now.Add(31 * time.Second)

	if !l.TryAcquire(ctx, "k", 3, 10) {
		t.Error("expected admission from the recovered fast path")
	}
	if l.BreakerState() != StateClosed {
		t.Errorf("breaker state = %q, want %q after successful probe", l.BreakerState(), StateClosed)
	}

	durableCalls := durable.calls
	l.TryAcquire(ctx, "k", 3, 10)
	if durable.calls != durableCalls {
		t.Error("durable adapter should not be used once the fast path recovered")
	}
}

func TestFacade_DeniesWhenBothPathsFail(t *testing.T) {
	fast := &fakeAdapter{err: errors.New("connection refused")}
	durable := &fakeAdapter{err: errors.New("deadlock detected")}
	l, _ := setupTestFacade(t, fast, durable)

	if l.TryAcquire(context.Background(), "k", 3, 10) {
		t.Error("admission with both paths down would break the limit guarantee")
	}
}

func TestFacade_DurableDenialIsRespected(t *testing.T) {
	fast := &fakeAdapter{err: errors.New("connection refused")}
	durable := &fakeAdapter{admit: false}
	l, _ := setupTestFacade(t, fast, durable)

	if l.TryAcquire(context.Background(), "k", 3, 10) {
		t.Error("durable adapter denial must be passed through")
	}
}
