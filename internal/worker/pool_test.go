package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/admitflow/admission-progress/internal/bus"
	"github.com/admitflow/admission-progress/internal/domain"
)

func TestPool_ProcessesSubmittedApplications(t *testing.T) {
	r, store, _ := setupTestRunner(t, DefaultPhases())
	store.seed("job-1", 1, domain.StatusPending)
	store.seed("job-2", 1, domain.StatusPending)

	pool := NewPool(2, r, r.logger)
	pool.Start(context.Background())

	for _, jobID := range []string{"job-1", "job-2"} {
		err := pool.HandleBusMessage(context.Background(), bus.Message{
			AggregateID: jobID,
			EventType:   "application.submitted",
			Payload:     json.RawMessage(`{"applicant_id":"a-1"}`),
		})
		if err != nil {
			t.Fatalf("handling bus message: %v", err)
		}
	}

	pool.Stop() // waits for workers to drain the queue

	for _, jobID := range []string{"job-1", "job-2"} {
		if status := store.get(jobID).Status; status != domain.StatusCompleted {
			t.Errorf("%s status = %q, want %q", jobID, status, domain.StatusCompleted)
		}
	}
}

func TestPool_ReportsCompletionOnlyAfterJobRan(t *testing.T) {
	r, store, _ := setupTestRunner(t, DefaultPhases())
	store.seed("job-1", 1, domain.StatusPending)

	pool := NewPool(1, r, r.logger)
	pool.Start(context.Background())
	defer pool.Stop()

	err := pool.HandleBusMessage(context.Background(), bus.Message{
		AggregateID: "job-1",
		EventType:   "application.submitted",
		Payload:     json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("handling bus message: %v", err)
	}

	// A nil return acks the message, so the job must already be done here —
	// not merely queued.
	if status := store.get("job-1").Status; status != domain.StatusCompleted {
		t.Errorf("status = %q immediately after the handler returned, want %q",
			status, domain.StatusCompleted)
	}
}

func TestPool_CancelledSubmitLeavesMessageUnacked(t *testing.T) {
	r, store, notifier := setupTestRunner(t, DefaultPhases())
	store.seed("job-1", 1, domain.StatusPending)

	pool := NewPool(1, r, r.logger)
	pool.Start(context.Background())
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pool.HandleBusMessage(ctx, bus.Message{
		AggregateID: "job-1",
		EventType:   "application.submitted",
		Payload:     json.RawMessage(`{}`),
	})
	if err == nil {
		t.Fatal("a job that did not run must not be acked")
	}
	if len(notifier.all()) != 0 {
		t.Error("cancelled submission must not produce snapshots")
	}
}

func TestPool_AcksUnknownEventTypes(t *testing.T) {
	r, store, notifier := setupTestRunner(t, DefaultPhases())
	store.seed("job-1", 1, domain.StatusPending)

	pool := NewPool(1, r, r.logger)
	pool.Start(context.Background())

	// A nil error acks the message so it is not redelivered forever.
	err := pool.HandleBusMessage(context.Background(), bus.Message{
		AggregateID: "job-1",
		EventType:   "application.withdrawn",
	})
	if err != nil {
		t.Fatalf("unknown event types must be acked, got %v", err)
	}

	pool.Stop()

	if len(notifier.all()) != 0 {
		t.Error("unknown event types must not reach the pipeline")
	}
}
