package store

import (
	"context"
	"fmt"
)

// SubmitApplication performs the submission mutation: the initial progress
// record and the "application.submitted" outbox event are created in one
// transaction, so the event exists if and only if the job does.
func (s *PostgresStore) SubmitApplication(ctx context.Context, jobID string, payload []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning submission transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.CreateProgress(ctx, tx, jobID); err != nil {
		return err
	}

	_, err = s.AppendOutboxEvent(ctx, tx, "application", jobID, "application.submitted", payload)
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing submission transaction: %w", err)
	}
	return nil
}
