package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/admitflow/admission-progress/internal/domain"
)

// Job is one admission-processing task consumed from the bus.
type Job struct {
	JobID     string
	EventType string
	Payload   json.RawMessage
}

// ProgressStore is the slice of the store the runner needs.
type ProgressStore interface {
	GetProgress(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error)
	TryAdvance(ctx context.Context, jobID, step, status string, percent int, message string, proposedVersion int64) (bool, error)
	MarkProgressRetry(ctx context.Context, jobID string) error
}

// Notifier receives every accepted snapshot for push delivery.
type Notifier interface {
	PublishProgress(snapshot domain.ProgressSnapshot)
}

// Phase is one step of the admission pipeline.
type Phase struct {
	Name    string
	Percent int
	Run     func(ctx context.Context, job Job) (message string, err error)
}

// DefaultPhases is the admission pipeline: validate the submission, score it,
// then decide. Real scoring lives in the admission workflow; these phases
// carry the progress contract.
func DefaultPhases() []Phase {
	return []Phase{
		{Name: "validate", Percent: 25, Run: func(ctx context.Context, job Job) (string, error) {
			if len(job.Payload) == 0 || !json.Valid(job.Payload) {
				return "", fmt.Errorf("submission payload is not valid JSON")
			}
			return "submission validated", nil
		}},
		{Name: "score", Percent: 60, Run: func(ctx context.Context, job Job) (string, error) {
			return "application scored", nil
		}},
		{Name: "decide", Percent: 90, Run: func(ctx context.Context, job Job) (string, error) {
			return "decision recorded", nil
		}},
	}
}

// Runner drives one job through the pipeline, reporting progress via the
// version-gated conditional update. It is the single writer for its job; the
// version guard makes duplicate or re-ordered calls harmless anyway.
type Runner struct {
	store    ProgressStore
	notifier Notifier
	logger   *slog.Logger
	phases   []Phase

	phaseRetries int
}

func NewRunner(store ProgressStore, notifier Notifier, logger *slog.Logger, phases []Phase) *Runner {
	return &Runner{
		store:        store,
		notifier:     notifier,
		logger:       logger,
		phases:       phases,
		phaseRetries: 2,
	}
}

// Run executes the pipeline for a job. The version counter is seeded from the
// stored record so a redelivered bus message resumes above any earlier run's
// versions instead of being rejected wholesale.
func (r *Runner) Run(ctx context.Context, job Job) {
	stored, err := r.store.GetProgress(ctx, job.JobID)
	if err != nil {
		r.logger.Error("reading progress before run", "job_id", job.JobID, "error", err)
		return
	}
	if stored == nil {
		r.logger.Warn("job has no progress record, skipping", "job_id", job.JobID)
		return
	}
	if domain.IsTerminal(stored.Status) {
		// Redelivered message for a finished job.
		r.logger.Debug("job already terminal, skipping", "job_id", job.JobID, "status", stored.Status)
		return
	}

	version := stored.Version

	for _, phase := range r.phases {
		version++
		r.advance(ctx, job.JobID, phase.Name, domain.RunningStatus(phase.Name), phase.Percent, "phase started", version)

		message, err := r.runPhase(ctx, job, phase)
		if err != nil {
			version++
			r.advance(ctx, job.JobID, phase.Name, domain.StatusFailed, phase.Percent, err.Error(), version)
			r.logger.Warn("job failed",
				"job_id", job.JobID, "phase", phase.Name, "error", err,
			)
			return
		}

		version++
		r.advance(ctx, job.JobID, phase.Name, domain.RunningStatus(phase.Name), phase.Percent, message, version)
	}

	version++
	r.advance(ctx, job.JobID, "done", domain.StatusCompleted, 100, "application processed", version)
	r.logger.Info("job completed", "job_id", job.JobID, "final_version", version)
}

// runPhase retries a phase a few times before giving up on the job.
func (r *Runner) runPhase(ctx context.Context, job Job, phase Phase) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.phaseRetries; attempt++ {
		if attempt > 0 {
			if err := r.store.MarkProgressRetry(ctx, job.JobID); err != nil {
				r.logger.Error("marking progress retry", "job_id", job.JobID, "error", err)
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		message, err := phase.Run(ctx, job)
		if err == nil {
			return message, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// advance submits one versioned update and pushes the snapshot when accepted.
// A rejected update means a newer version is already stored; nothing to push.
func (r *Runner) advance(ctx context.Context, jobID, step, status string, percent int, message string, version int64) {
	accepted, err := r.store.TryAdvance(ctx, jobID, step, status, percent, message, version)
	if err != nil {
		r.logger.Error("advancing progress", "job_id", jobID, "version", version, "error", err)
		return
	}
	if !accepted {
		r.logger.Debug("stale progress update rejected", "job_id", jobID, "version", version)
		return
	}

	r.notifier.PublishProgress(domain.ProgressSnapshot{
		JobID:     jobID,
		Step:      step,
		Status:    status,
		Percent:   domain.ClampPercent(percent),
		Message:   message,
		Version:   version,
		UpdatedAt: time.Now(),
	})
}
