package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/internal/core/ports"
	"github.com/manthysbr/callpipe/pkg/backoff"
)

// QueueConfig defines retry and enqueue policy
type QueueConfig struct {
	MaxAttempts int
	// DedupeActive allows a single non-terminal job per subject reference.
	DedupeActive bool
	// Backoff delays a requeued job before it can be claimed again.
	// Defaults to backoff.Default().
	Backoff backoff.Strategy
}

// JobQueue is the retrying work queue shared by independent worker processes.
// Claim exclusivity is delegated to the store, never to in-process locks.
type JobQueue struct {
	logger    *slog.Logger
	store     ports.JobStore
	telemetry *Telemetry
	cfg       QueueConfig
	now       func() time.Time
}

func NewJobQueue(logger *slog.Logger, store ports.JobStore, telemetry *Telemetry, cfg QueueConfig) *JobQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = domain.DefaultMaxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Default()
	}
	if telemetry == nil {
		telemetry = NewTelemetry()
	}
	return &JobQueue{
		logger:    logger,
		store:     store,
		telemetry: telemetry,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Enqueue adds a queued job and returns its id.
func (q *JobQueue) Enqueue(ctx context.Context, subjectRef, payload string, priority int) (domain.JobID, error) {
	return q.EnqueueWithID(ctx, domain.JobID(uuid.New().String()), subjectRef, payload, priority)
}

// EnqueueWithID is Enqueue with a caller-chosen id, used by quarantine replay.
func (q *JobQueue) EnqueueWithID(ctx context.Context, id domain.JobID, subjectRef, payload string, priority int) (domain.JobID, error) {
	subjectRef = strings.TrimSpace(subjectRef)
	payload = strings.TrimSpace(payload)
	if subjectRef == "" {
		return "", fmt.Errorf("%w: subject_ref is required", domain.ErrMalformedPayload)
	}
	if payload == "" {
		return "", fmt.Errorf("%w: payload is required", domain.ErrMalformedPayload)
	}

	now := q.now().UTC()
	job := domain.Job{
		ID:          id,
		SubjectRef:  subjectRef,
		Payload:     payload,
		Status:      domain.JobStatusQueued,
		MaxAttempts: q.cfg.MaxAttempts,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now,
	}
	if q.cfg.DedupeActive {
		key := subjectRef
		job.DedupeKey = &key
	}

	if err := q.store.InsertJob(ctx, job); err != nil {
		if errors.Is(err, domain.ErrDuplicateActiveJob) {
			return "", err
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.Info("job enqueued", "job_id", id, "subject_ref", subjectRef, "priority", priority)
	return id, nil
}

// ClaimNext takes ownership of the highest-priority, oldest eligible job.
// Returns (nil, nil) when the queue has nothing eligible.
func (q *JobQueue) ClaimNext(ctx context.Context, workerID string) (*domain.Job, error) {
	job, err := q.store.ClaimJob(ctx, workerID)
	if err != nil {
		q.telemetry.RecordClaim(ctx, "error")
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		q.telemetry.RecordClaim(ctx, "empty")
		return nil, nil
	}
	q.telemetry.RecordClaim(ctx, "claimed")
	q.logger.Debug("job claimed", "job_id", job.ID, "worker_id", workerID, "attempt", job.Attempts)
	return job, nil
}

// Complete marks a processing job done, whoever holds it. Completing a
// done job is a no-op.
func (q *JobQueue) Complete(ctx context.Context, id domain.JobID) error {
	return q.complete(ctx, id, 0)
}

// CompleteClaim is Complete fenced to the claim that returned job. It fails
// with domain.ErrStaleClaim once the job has been reaped and reclaimed.
func (q *JobQueue) CompleteClaim(ctx context.Context, job domain.Job) error {
	return q.complete(ctx, job.ID, job.Attempts)
}

func (q *JobQueue) complete(ctx context.Context, id domain.JobID, attempt int) error {
	if err := q.store.CompleteJob(ctx, id, attempt); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	q.telemetry.RecordJobOutcome(ctx, "done")
	return nil
}

// Fail records cause on a processing job, whoever holds it. It is requeued
// behind the retry backoff while attempts remain and marked failed once
// they are exhausted.
func (q *JobQueue) Fail(ctx context.Context, id domain.JobID, cause error) (domain.Job, error) {
	current, err := q.store.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("fail job %s: %w", id, err)
	}
	return q.fail(ctx, id, 0, current.Attempts, cause)
}

// FailClaim is Fail fenced to the claim that returned job.
func (q *JobQueue) FailClaim(ctx context.Context, job domain.Job, cause error) (domain.Job, error) {
	return q.fail(ctx, job.ID, job.Attempts, job.Attempts, cause)
}

func (q *JobQueue) fail(ctx context.Context, id domain.JobID, fence, attempts int, cause error) (domain.Job, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	retryAt := q.now().UTC().Add(q.cfg.Backoff.Delay(attempts))

	job, err := q.store.FailJob(ctx, id, fence, msg, retryAt)
	if err != nil {
		return domain.Job{}, fmt.Errorf("fail job %s: %w", id, err)
	}

	if job.Status == domain.JobStatusFailed {
		q.telemetry.RecordJobOutcome(ctx, "failed")
		q.logger.Error("job failed permanently", "job_id", id, "attempts", job.Attempts, "error", msg)
	} else {
		q.telemetry.RecordJobOutcome(ctx, "retry")
		q.logger.Warn("job requeued", "job_id", id, "attempts", job.Attempts, "max_attempts", job.MaxAttempts,
			"retry_at", job.AvailableAt, "error", msg)
	}
	return job, nil
}

// Reap resets jobs stuck in processing for longer than timeout.
func (q *JobQueue) Reap(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		return 0, fmt.Errorf("reap timeout must be positive, got %s", timeout)
	}
	n, err := q.store.ReapJobs(ctx, q.now().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("reap jobs: %w", err)
	}
	q.telemetry.RecordReaped(ctx, n)
	if n > 0 {
		q.logger.Warn("reaped abandoned jobs", "count", n, "timeout", timeout)
	}
	return n, nil
}

func (q *JobQueue) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return q.store.GetJob(ctx, id)
}

func (q *JobQueue) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return q.store.ListJobs(ctx, filter)
}
