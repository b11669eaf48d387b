package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLimiter is the durable fallback: a fixed window per key held in a
// row locked with SELECT ... FOR UPDATE. The lock scope is one key's row for
// one critical section; this is the only intentionally blocking operation in
// the subsystem.
type PostgresLimiter struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresLimiter(pool *pgxpool.Pool, logger *slog.Logger) *PostgresLimiter {
	return &PostgresLimiter{pool: pool, logger: logger}
}

// TryAcquire admits the request under the per-key fixed window. Two callers
// racing to insert the first row for a key hit the unique constraint; the
// loser reselects and retries the admission logic.
func (pl *PostgresLimiter) TryAcquire(ctx context.Context, key string, limit, windowSeconds int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		admitted, err := pl.tryOnce(ctx, key, limit, windowSeconds)
		if err != nil {
			if isUniqueViolation(err) && attempt == 0 {
				continue
			}
			return false, err
		}
		return admitted, nil
	}
	return false, fmt.Errorf("rate limit admission retry exhausted for key %q", key)
}

func (pl *PostgresLimiter) tryOnce(ctx context.Context, key string, limit, windowSeconds int) (bool, error) {
	tx, err := pl.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning rate limit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var count int
	var windowStart time.Time
	err = tx.QueryRow(ctx, `
		SELECT count, window_start FROM rate_limit_windows
		WHERE key = $1 FOR UPDATE
	`, key).Scan(&count, &windowStart)

	switch {
	case err == pgx.ErrNoRows:
		_, err = tx.Exec(ctx, `
			INSERT INTO rate_limit_windows (key, count, window_start, window_seconds)
			VALUES ($1, 1, NOW(), $2)
		`, key, windowSeconds)
		if err != nil {
			return false, fmt.Errorf("inserting rate limit window: %w", err)
		}
		return true, tx.Commit(ctx)

	case err != nil:
		return false, fmt.Errorf("locking rate limit window: %w", err)
	}

	window := time.Duration(windowSeconds) * time.Second

	if time.Since(windowStart) >= window {
		// Window fully elapsed: reset and admit.
		_, err = tx.Exec(ctx, `
			UPDATE rate_limit_windows
			SET count = 1, window_start = NOW(), window_seconds = $2
			WHERE key = $1
		`, key, windowSeconds)
		if err != nil {
			return false, fmt.Errorf("resetting rate limit window: %w", err)
		}
		return true, tx.Commit(ctx)
	}

	if count < limit {
		_, err = tx.Exec(ctx, `
			UPDATE rate_limit_windows SET count = count + 1 WHERE key = $1
		`, key)
		if err != nil {
			return false, fmt.Errorf("incrementing rate limit window: %w", err)
		}
		return true, tx.Commit(ctx)
	}

	return false, tx.Commit(ctx)
}

// Remaining returns how many admissions are left in the current fixed window.
func (pl *PostgresLimiter) Remaining(ctx context.Context, key string, limit, windowSeconds int) (int, error) {
	var count int
	var windowStart time.Time
	err := pl.pool.QueryRow(ctx, `
		SELECT count, window_start FROM rate_limit_windows WHERE key = $1
	`, key).Scan(&count, &windowStart)
	if err != nil {
		if err == pgx.ErrNoRows {
			return limit, nil
		}
		return 0, fmt.Errorf("querying rate limit window: %w", err)
	}

	if time.Since(windowStart) >= time.Duration(windowSeconds)*time.Second {
		return limit, nil
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset drops the window row for a key.
func (pl *PostgresLimiter) Reset(ctx context.Context, key string) error {
	if _, err := pl.pool.Exec(ctx, `DELETE FROM rate_limit_windows WHERE key = $1`, key); err != nil {
		return fmt.Errorf("resetting rate limit window: %w", err)
	}
	return nil
}

// SweepExpired deletes fully elapsed windows. Expired windows are also reset
// lazily on next access, so this is purely housekeeping.
func (pl *PostgresLimiter) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := pl.pool.Exec(ctx, `
		DELETE FROM rate_limit_windows
		WHERE window_start + (window_seconds * interval '1 second') < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired rate limit windows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
