package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/admitflow/admission-progress/internal/bus"
	"github.com/admitflow/admission-progress/internal/domain"
)

// Store is the persistence surface the drainer needs. *store.PostgresStore
// satisfies it; tests substitute an in-memory fake. Claiming must be
// exclusive across drainers so retries are counted once per real attempt.
type Store interface {
	ClaimUnprocessedOutbox(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id int64) error
	IncrementOutboxRetry(ctx context.Context, id int64) (int, error)
	MoveOutboxToDeadLetter(ctx context.Context, id int64, lastError string) error
	PurgeProcessedOutbox(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Drainer publishes appended outbox events to the bus on a fixed schedule.
// Publish failures leave the event unprocessed for the next cycle (backoff is
// implicit in the schedule interval); events past the retry ceiling move to
// the dead letter table.
type Drainer struct {
	store      Store
	publisher  bus.Publisher
	logger     *slog.Logger
	interval   time.Duration
	batchSize  int
	maxRetries int
	retention  time.Duration
}

func NewDrainer(store Store, publisher bus.Publisher, logger *slog.Logger, interval time.Duration, batchSize, maxRetries int, retention time.Duration) *Drainer {
	return &Drainer{
		store:      store,
		publisher:  publisher,
		logger:     logger,
		interval:   interval,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		retention:  retention,
	}
}

// Start runs the drain loop until the context is cancelled.
func (d *Drainer) Start(ctx context.Context) {
	d.logger.Info("outbox drainer started", "interval", d.interval, "batch_size", d.batchSize)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox drainer stopping")
			return
		case <-ticker.C:
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce processes one batch of unprocessed events in creation order.
// Returns the number of events published.
func (d *Drainer) DrainOnce(ctx context.Context) int {
	events, err := d.store.ClaimUnprocessedOutbox(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("claiming unprocessed outbox events", "error", err)
		return 0
	}

	published := 0
	for _, e := range events {
		err := d.publisher.Publish(ctx, bus.Message{
			AggregateType: e.AggregateType,
			AggregateID:   e.AggregateID,
			EventType:     e.EventType,
			Payload:       e.Payload,
		})
		if err != nil {
			d.handlePublishFailure(ctx, e, err)
			continue
		}

		if err := d.store.MarkOutboxProcessed(ctx, e.ID); err != nil {
			// The event will be republished next cycle; consumers must
			// tolerate duplicates (at-least-once).
			d.logger.Error("marking outbox event processed",
				"event_id", e.ID, "error", err,
			)
			continue
		}
		published++
	}

	if published > 0 {
		d.logger.Debug("outbox drain cycle complete", "published", published)
	}
	return published
}

func (d *Drainer) handlePublishFailure(ctx context.Context, e domain.OutboxEvent, pubErr error) {
	count, err := d.store.IncrementOutboxRetry(ctx, e.ID)
	if err != nil {
		d.logger.Error("incrementing outbox retry count", "event_id", e.ID, "error", err)
		return
	}

	if count > d.maxRetries {
		if err := d.store.MoveOutboxToDeadLetter(ctx, e.ID, pubErr.Error()); err != nil {
			d.logger.Error("moving outbox event to dead letter", "event_id", e.ID, "error", err)
			return
		}
		d.logger.Warn("outbox event dead-lettered",
			"event_id", e.ID,
			"event_type", e.EventType,
			"retries", count,
			"error", pubErr,
		)
		return
	}

	d.logger.Warn("outbox publish failed, will retry next cycle",
		"event_id", e.ID,
		"event_type", e.EventType,
		"retries", count,
		"error", pubErr,
	)
}

// PurgeOnce removes processed events older than the retention horizon.
// Scheduled by the maintenance cron; best-effort.
func (d *Drainer) PurgeOnce(ctx context.Context) {
	purged, err := d.store.PurgeProcessedOutbox(ctx, d.retention)
	if err != nil {
		d.logger.Error("purging processed outbox events", "error", err)
		return
	}
	if purged > 0 {
		d.logger.Info("purged processed outbox events", "count", purged)
	}
}
