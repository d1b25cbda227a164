// Package worker runs the durable job queue: a pool of goroutines
// claiming jobs from the sqlite store and dispatching them by type.
// The store is the sole coordination point; redis only provides wake
// hints and a dead-letter list.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"inboxpilot/internal/database"
	"inboxpilot/internal/metrics"
	"inboxpilot/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler processes one claimed job. A nil return completes the job;
// an error spends a retry attempt, except ErrInvalidPayload which
// fails terminally.
type Handler func(ctx context.Context, job *models.Job) error

// Pool claims and dispatches jobs with N concurrent workers.
type Pool struct {
	db           *database.DB
	wake         *WakeQueue
	handlers     map[string]Handler
	concurrency  int
	pollInterval time.Duration
	stalledGrace time.Duration
	idleBackoff  RetryPolicy
	logger       zerolog.Logger
	wg           sync.WaitGroup
}

func NewPool(db *database.DB, wake *WakeQueue, concurrency int, pollInterval, stalledGrace time.Duration, logger zerolog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Pool{
		db:           db,
		wake:         wake,
		handlers:     make(map[string]Handler),
		concurrency:  concurrency,
		pollInterval: pollInterval,
		stalledGrace: stalledGrace,
		idleBackoff:  DefaultRetryPolicy(pollInterval),
		logger:       logger,
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (p *Pool) Register(jobType string, h Handler) {
	p.handlers[jobType] = h
}

// Enqueue persists a job and nudges a sleeping worker.
func (p *Pool) Enqueue(ctx context.Context, jobType string, accountID int64, payload models.Payload) (int64, error) {
	id, err := p.db.EnqueueJob(ctx, jobType, accountID, payload)
	if err != nil {
		return 0, err
	}
	metrics.IncJobEnqueued(jobType)
	p.wake.Notify(ctx)
	return id, nil
}

// Start recovers stalled jobs and launches the worker loops. It
// returns immediately; Wait blocks until all loops exit.
func (p *Pool) Start(ctx context.Context) error {
	if p.stalledGrace > 0 {
		n, err := p.db.RecoverStalledJobs(ctx, p.stalledGrace)
		if err != nil {
			return fmt.Errorf("recover stalled jobs: %w", err)
		}
		if n > 0 {
			p.logger.Warn().Int64("jobs", n).Msg("recovered stalled jobs from previous run")
		}
	}

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
	p.logger.Info().Int("concurrency", p.concurrency).Msg("worker pool started")
	return nil
}

// Wait blocks until every worker loop has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", workerID).Logger()

	idle := 0
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.db.ClaimNext(ctx, "")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("claim failed")
			p.wake.Wait(ctx, p.pollInterval)
			continue
		}
		if job == nil {
			idle++
			p.wake.Wait(ctx, p.idleBackoff.NextDelay(idle))
			continue
		}
		idle = 0

		p.process(ctx, logger, job)
	}
}

func (p *Pool) process(ctx context.Context, logger zerolog.Logger, job *models.Job) {
	runID := uuid.NewString()
	start := time.Now()
	logger.Debug().
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Str("run_id", runID).
		Int("attempt", job.Attempts).
		Msg("job claimed")

	handler, ok := p.handlers[job.JobType]
	if !ok {
		p.fail(ctx, logger, job, fmt.Errorf("unknown job type %q", job.JobType))
		return
	}

	err := handler(ctx, job)
	metrics.ObserveJobDuration(job.JobType, time.Since(start).Seconds())

	switch {
	case err == nil:
		if err := p.db.CompleteJob(ctx, job.ID); err != nil {
			logger.Error().Err(err).Int64("job_id", job.ID).Msg("mark completed failed")
			return
		}
		metrics.IncJobProcessed(job.JobType, "completed")
		logger.Info().
			Int64("job_id", job.ID).
			Str("job_type", job.JobType).
			Str("run_id", runID).
			Dur("took", time.Since(start)).
			Msg("job completed")

	case errors.Is(err, models.ErrInvalidPayload):
		// A payload that cannot be decoded never gets better on retry.
		p.fail(ctx, logger, job, err)

	case job.Attempts >= job.MaxAttempts:
		p.fail(ctx, logger, job, err)

	default:
		if rerr := p.db.RetryJob(ctx, job.ID, err.Error()); rerr != nil {
			logger.Error().Err(rerr).Int64("job_id", job.ID).Msg("mark retry failed")
			return
		}
		metrics.IncJobProcessed(job.JobType, "retried")
		logger.Warn().
			Err(err).
			Int64("job_id", job.ID).
			Str("job_type", job.JobType).
			Int("attempt", job.Attempts).
			Msg("job failed, returned to queue")
	}
}

func (p *Pool) fail(ctx context.Context, logger zerolog.Logger, job *models.Job, cause error) {
	if err := p.db.FailJob(ctx, job.ID, cause.Error()); err != nil {
		logger.Error().Err(err).Int64("job_id", job.ID).Msg("mark failed failed")
		return
	}
	p.wake.PushDeadLetter(ctx, job)
	metrics.IncJobProcessed(job.JobType, "failed")
	logger.Error().
		Err(cause).
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Int("attempt", job.Attempts).
		Msg("job failed terminally")
}
