package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/admitflow/admission-progress/internal/domain"
	"github.com/jackc/pgx/v5"
)

// AppendOutboxEvent inserts a domain event into the outbox. It must be called
// with the same transaction (Querier) as the business mutation it documents,
// so the event and the mutation commit or roll back together.
func (s *PostgresStore) AppendOutboxEvent(ctx context.Context, q Querier, aggregateType, aggregateID, eventType string, payload []byte) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, aggregateType, aggregateID, eventType, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting outbox event: %w", err)
	}
	return id, nil
}

// outboxClaimLease bounds how long a claimed event is invisible to other
// drainers. A drainer that crashed mid-batch releases its claims by lapse.
const outboxClaimLease = 30 * time.Second

// ClaimUnprocessedOutbox claims up to limit unpublished events for this
// drainer and returns them in creation order. The batch is selected with
// FOR UPDATE SKIP LOCKED and stamped in the same statement, so concurrent
// drainers never hold the same event; a failed publish releases the claim
// via IncrementOutboxRetry. Creation order gives per-aggregate monotonicity;
// no cross-aggregate ordering is promised.
func (s *PostgresStore) ClaimUnprocessedOutbox(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		WITH batch AS (
			SELECT id FROM outbox_events
			WHERE processed_at IS NULL
			  AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $2))
			ORDER BY created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events e
		SET claimed_at = NOW()
		FROM batch
		WHERE e.id = batch.id
		RETURNING e.id, e.aggregate_type, e.aggregate_id, e.event_type, e.payload, e.retry_count, e.created_at, e.processed_at
	`, limit, outboxClaimLease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claiming unprocessed outbox events: %w", err)
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		err := rows.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType,
			&e.Payload, &e.RetryCount, &e.CreatedAt, &e.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox event: %w", err)
		}
		events = append(events, e)
	}

	if events == nil {
		events = []domain.OutboxEvent{}
	}

	// UPDATE ... RETURNING does not preserve the CTE's ordering.
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	return events, nil
}

// MarkOutboxProcessed stamps processed_at exactly once.
func (s *PostgresStore) MarkOutboxProcessed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET processed_at = NOW()
		WHERE id = $1 AND processed_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("marking outbox event processed: %w", err)
	}
	return nil
}

// IncrementOutboxRetry bumps the retry counter after a failed publish and
// returns the new count so the drainer can decide on dead-lettering. The
// claim is released so the retry is not delayed by the lease.
func (s *PostgresStore) IncrementOutboxRetry(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE outbox_events SET retry_count = retry_count + 1, claimed_at = NULL
		WHERE id = $1
		RETURNING retry_count
	`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("incrementing outbox retry count: %w", err)
	}
	return count, nil
}

// MoveOutboxToDeadLetter copies the event verbatim into the dead letter table
// with the triggering error and removes it from the active outbox, in one
// transaction. The event is never lost and never present in both tables.
func (s *PostgresStore) MoveOutboxToDeadLetter(ctx context.Context, id int64, lastError string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning dead-letter transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO outbox_dead_letters
			(event_id, aggregate_type, aggregate_id, event_type, payload, retry_count, last_error, original_created_at)
		SELECT id, aggregate_type, aggregate_id, event_type, payload, retry_count, $2, created_at
		FROM outbox_events WHERE id = $1
	`, id, lastError)
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already moved or purged by a concurrent drainer.
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM outbox_events WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting dead-lettered outbox event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing dead-letter transaction: %w", err)
	}
	return nil
}

// PurgeProcessedOutbox deletes published events older than the retention
// horizon. Best-effort maintenance, not part of the correctness contract.
func (s *PostgresStore) PurgeProcessedOutbox(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE processed_at IS NOT NULL AND processed_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purging processed outbox events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListDeadLetters returns dead letter entries, newest first.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, aggregateType string, limit int) ([]domain.DeadLetter, error) {
	query := `SELECT id, event_id, aggregate_type, aggregate_id, event_type, payload, retry_count, last_error, original_created_at, created_at FROM outbox_dead_letters`
	args := []interface{}{}
	argIdx := 1

	if aggregateType != "" {
		query += fmt.Sprintf(" WHERE aggregate_type = $%d", argIdx)
		args = append(args, aggregateType)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	var letters []domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		err := rows.Scan(
			&dl.ID, &dl.EventID, &dl.AggregateType, &dl.AggregateID, &dl.EventType,
			&dl.Payload, &dl.RetryCount, &dl.LastError, &dl.OriginalCreatedAt, &dl.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		letters = append(letters, dl)
	}

	if letters == nil {
		letters = []domain.DeadLetter{}
	}

	return letters, nil
}

// GetDeadLetter returns a single dead letter by ID.
func (s *PostgresStore) GetDeadLetter(ctx context.Context, id int64) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_id, aggregate_type, aggregate_id, event_type, payload, retry_count, last_error, original_created_at, created_at
		FROM outbox_dead_letters WHERE id = $1
	`, id).Scan(
		&dl.ID, &dl.EventID, &dl.AggregateType, &dl.AggregateID, &dl.EventType,
		&dl.Payload, &dl.RetryCount, &dl.LastError, &dl.OriginalCreatedAt, &dl.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying dead letter: %w", err)
	}
	return &dl, nil
}
