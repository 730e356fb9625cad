package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/internal/core/ports"
	"github.com/manthysbr/callpipe/pkg/wer"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// WorkerConfig defines concurrency limits for one worker process
type WorkerConfig struct {
	WorkerID          string
	MaxConcurrentJobs int64
	PollInterval      time.Duration
	// UnavailablePause stops Run from claiming after a job fails with
	// domain.ErrTranscriberUnavailable, so an open circuit or a missing
	// provider does not burn the attempts of every queued job.
	UnavailablePause time.Duration
}

// TranscriptionWorker claims transcription jobs and runs them against the
// transcriber. Many of these may run against the same store at once.
type TranscriptionWorker struct {
	logger      *slog.Logger
	queue       *JobQueue
	transcriber domain.Transcriber
	transcripts ports.TranscriptStore
	bus         *ProgressBus
	telemetry   *Telemetry
	cfg         WorkerConfig
	semaphore   *semaphore.Weighted
	heldUntil   atomic.Int64 // unix nanos
}

func NewTranscriptionWorker(
	logger *slog.Logger,
	queue *JobQueue,
	transcriber domain.Transcriber,
	transcripts ports.TranscriptStore,
	bus *ProgressBus,
	telemetry *Telemetry,
	cfg WorkerConfig,
) *TranscriptionWorker {
	// Default to 4 concurrent jobs if not set
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.UnavailablePause <= 0 {
		cfg.UnavailablePause = 30 * time.Second
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if telemetry == nil {
		telemetry = NewTelemetry()
	}

	return &TranscriptionWorker{
		logger:      logger.With("worker_id", cfg.WorkerID),
		queue:       queue,
		transcriber: transcriber,
		transcripts: transcripts,
		bus:         bus,
		telemetry:   telemetry,
		cfg:         cfg,
		semaphore:   semaphore.NewWeighted(cfg.MaxConcurrentJobs),
	}
}

// Run claims and processes jobs until ctx is cancelled. Jobs already claimed
// are allowed to finish; Run returns once they have.
func (w *TranscriptionWorker) Run(ctx context.Context) error {
	w.logger.Info("transcription worker started", "concurrency", w.cfg.MaxConcurrentJobs, "poll_interval", w.cfg.PollInterval)

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		if err := w.semaphore.Acquire(ctx, 1); err != nil {
			w.logger.Info("transcription worker stopped")
			return nil
		}

		// Checked after Acquire so a failure that released the slot is seen
		if hold := time.Until(time.Unix(0, w.heldUntil.Load())); hold > 0 {
			w.semaphore.Release(1)
			select {
			case <-ctx.Done():
				w.logger.Info("transcription worker stopped")
				return nil
			case <-time.After(hold):
			}
			continue
		}

		job, err := w.queue.ClaimNext(ctx, w.cfg.WorkerID)
		if err != nil || job == nil {
			w.semaphore.Release(1)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("failed to claim job", "error", err)
			}
			select {
			case <-ctx.Done():
				w.logger.Info("transcription worker stopped")
				return nil
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		inflight.Add(1)
		go func(j domain.Job) {
			defer inflight.Done()
			defer w.semaphore.Release(1)
			w.process(context.WithoutCancel(ctx), j)
		}(*job)
	}
}

// RunOnce claims and processes a single job in the calling goroutine.
// Reports false when the queue had nothing eligible. It does not honor the
// pause Run takes while the transcriber is unavailable.
func (w *TranscriptionWorker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNext(ctx, w.cfg.WorkerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, *job)
	return true, nil
}

func (w *TranscriptionWorker) process(ctx context.Context, job domain.Job) {
	ctx, span := w.telemetry.StartSpan(ctx, "callpipe.job.process",
		attribute.String("callpipe.job.id", string(job.ID)),
		attribute.String("callpipe.job.subject_ref", job.SubjectRef),
		attribute.Int("callpipe.job.attempt", job.Attempts),
	)

	logger := w.logger.With("job_id", job.ID, "subject_ref", job.SubjectRef)
	w.publish(job, EventTypeJobClaimed, nil)

	err := w.transcribe(ctx, job)
	defer func() { EndSpan(span, err) }()

	if err != nil {
		var perr *domain.ProviderError
		if errors.As(err, &perr) {
			span.SetAttributes(
				attribute.Int("callpipe.provider.status_code", perr.StatusCode),
				attribute.Bool("callpipe.provider.retryable", perr.Retryable),
			)
		}
		if errors.Is(err, domain.ErrTranscriberUnavailable) {
			w.hold(logger)
		}
		updated, failErr := w.queue.FailClaim(ctx, job, err)
		if failErr != nil {
			if errors.Is(failErr, domain.ErrStaleClaim) {
				logger.Warn("job reclaimed before failure was recorded", "attempt", job.Attempts, "cause", err)
				return
			}
			logger.Error("failed to record job failure", "error", failErr, "cause", err)
			return
		}
		if updated.Status == domain.JobStatusFailed {
			w.publish(updated, EventTypeJobFailed, err)
		} else {
			w.publish(updated, EventTypeJobRetrying, err)
		}
		return
	}

	if err = w.queue.CompleteClaim(ctx, job); err != nil {
		if errors.Is(err, domain.ErrStaleClaim) {
			// The transcript upsert already landed; the newer attempt owns the job
			logger.Warn("job reclaimed before completion was recorded", "attempt", job.Attempts)
			return
		}
		logger.Error("failed to complete job", "error", err)
		return
	}
	job.Status = domain.JobStatusDone
	w.publish(job, EventTypeJobDone, nil)
	logger.Info("job completed", "attempt", job.Attempts)
}

// hold stops new claims for UnavailablePause.
func (w *TranscriptionWorker) hold(logger *slog.Logger) {
	until := time.Now().Add(w.cfg.UnavailablePause)
	w.heldUntil.Store(until.UnixNano())
	logger.Warn("transcriber unavailable, pausing claims", "resume_at", until)
}

func (w *TranscriptionWorker) transcribe(ctx context.Context, job domain.Job) error {
	res, err := w.transcriber.Transcribe(ctx, job.Payload)
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}

	// Upsert by subject so a duplicate execution after a reap is harmless
	err = w.transcripts.SaveTranscript(ctx, domain.Transcript{
		SubjectRef: job.SubjectRef,
		JobID:      job.ID,
		Engine:     res.Engine,
		Text:       res.Text,
		WordCount:  len(wer.Words(res.Text)),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

func (w *TranscriptionWorker) publish(job domain.Job, typ EventType, cause error) {
	if w.bus == nil {
		return
	}
	payload := map[string]any{
		"job_id":       job.ID,
		"subject_ref":  job.SubjectRef,
		"status":       job.Status,
		"attempts":     job.Attempts,
		"max_attempts": job.MaxAttempts,
	}
	if cause != nil {
		payload["error"] = cause.Error()
		var perr *domain.ProviderError
		if errors.As(cause, &perr) {
			payload["retryable"] = perr.Retryable
		}
	}
	w.bus.Publish(job.SubjectRef, NewEvent(job.SubjectRef, typ, payload))
}
