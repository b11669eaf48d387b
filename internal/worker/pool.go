package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/admitflow/admission-progress/internal/bus"
)

// Pool manages a fixed number of worker goroutines that process admission jobs.
type Pool struct {
	numWorkers int
	tasks      chan task
	runner     *Runner
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// task pairs a job with its submitter's context and completion signal. done
// is closed only after the job actually ran; a job skipped on shutdown leaves
// it open and the submitter observes the cancellation instead.
type task struct {
	ctx  context.Context
	job  Job
	done chan struct{}
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, runner *Runner, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		tasks:      make(chan task, numWorkers*2),
		runner:     runner,
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the task channel
// until it is closed.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Execute runs job on the pool and returns once it completed. A non-nil
// error means the job did not run to completion under this call's context.
func (p *Pool) Execute(ctx context.Context, job Job) error {
	t := task{ctx: ctx, job: job, done: make(chan struct{})}

	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-t.done:
		if ctx.Err() != nil {
			// Shutdown raced the run; report not-done so the message
			// stays unacked and is redelivered.
			return ctx.Err()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the task channel and waits for all workers to finish. The bus
// consumer must be stopped first so nothing calls Execute afterwards.
func (p *Pool) Stop() {
	close(p.tasks)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for t := range p.tasks {
		if t.ctx.Err() != nil {
			// Submitter gave up; leave done open so the job is never
			// reported as ran.
			continue
		}
		p.runner.Run(t.ctx, t.job)
		close(t.done)
	}
}

// HandleBusMessage adapts bus messages into pool jobs. Wired as the bus
// consumer's handler; it returns only after the job ran, so the consumer's
// ack never precedes the work it acknowledges. Unknown event types are acked
// and dropped.
func (p *Pool) HandleBusMessage(ctx context.Context, msg bus.Message) error {
	switch msg.EventType {
	case "application.submitted":
		return p.Execute(ctx, Job{
			JobID:     msg.AggregateID,
			EventType: msg.EventType,
			Payload:   msg.Payload,
		})
	default:
		p.logger.Debug("ignoring bus message", "event_type", msg.EventType)
		return nil
	}
}
