package store

import (
	"context"
	"fmt"

	"github.com/admitflow/admission-progress/internal/domain"
	"github.com/jackc/pgx/v5"
)

// CreateProgress inserts the initial progress record for a job. Idempotent:
// if the record already exists the stored one is returned untouched, with no
// version reset.
func (s *PostgresStore) CreateProgress(ctx context.Context, q Querier, jobID string) (*domain.ProgressSnapshot, error) {
	_, err := q.Exec(ctx, `
		INSERT INTO progress_records (job_id, step, status, percent, message, version)
		VALUES ($1, '', $2, 0, '', 0)
		ON CONFLICT (job_id) DO NOTHING
	`, jobID, domain.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("inserting progress record: %w", err)
	}

	return s.getProgress(ctx, q, jobID)
}

// TryAdvance applies a versioned progress update. The write is accepted only
// if proposedVersion is strictly greater than the stored version; step,
// status, percent, message and updated_at are replaced atomically with the
// version in a single conditional statement, so a stale retry can never
// clobber a newer update.
func (s *PostgresStore) TryAdvance(ctx context.Context, jobID, step, status string, percent int, message string, proposedVersion int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE progress_records
		SET step = $2, status = $3, percent = $4, message = $5, version = $6, updated_at = NOW()
		WHERE job_id = $1 AND version < $6
	`, jobID, step, status, domain.ClampPercent(percent), message, proposedVersion)
	if err != nil {
		return false, fmt.Errorf("advancing progress: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkProgressRetry bumps the retry counter for a job whose worker is
// re-running a phase. Not version-gated: retries are bookkeeping, not state.
func (s *PostgresStore) MarkProgressRetry(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE progress_records SET retry_count = retry_count + 1 WHERE job_id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("marking progress retry: %w", err)
	}
	return nil
}

// GetProgress returns the last-committed snapshot for a job, or nil when the
// job is unknown. Never blocks on writers.
func (s *PostgresStore) GetProgress(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error) {
	return s.getProgress(ctx, s.pool, jobID)
}

func (s *PostgresStore) getProgress(ctx context.Context, q Querier, jobID string) (*domain.ProgressSnapshot, error) {
	var p domain.ProgressSnapshot
	err := q.QueryRow(ctx, `
		SELECT job_id, step, status, percent, message, retry_count, version, created_at, updated_at
		FROM progress_records WHERE job_id = $1
	`, jobID).Scan(
		&p.JobID, &p.Step, &p.Status, &p.Percent, &p.Message,
		&p.RetryCount, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying progress record: %w", err)
	}
	return &p, nil
}
