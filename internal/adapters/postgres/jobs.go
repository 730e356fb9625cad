package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

const jobColumns = `id, subject_ref, payload, status, attempts, max_attempts, priority,
	worker_id, error_message, dedupe_key, created_at, started_at, completed_at, updated_at, available_at`

// InsertJob persists a queued job.
func (s *Store) InsertJob(ctx context.Context, j domain.Job) error {
	if j.AvailableAt.IsZero() {
		j.AvailableAt = j.CreatedAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, subject_ref, payload, status, attempts, max_attempts, priority,
			dedupe_key, created_at, updated_at, available_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(j.ID), j.SubjectRef, j.Payload, string(j.Status), j.Attempts, j.MaxAttempts, j.Priority,
		j.DedupeKey, j.CreatedAt, j.UpdatedAt, j.AvailableAt,
	)
	if err != nil {
		if isDuplicateKey(err) && constraintName(err) == "idx_jobs_dedupe_active" {
			return domain.ErrDuplicateActiveJob
		}
		return fmt.Errorf("postgres: insert job: %w", err)
	}
	return nil
}

// ClaimJob moves the best eligible queued job to processing in one
// statement. SKIP LOCKED lets concurrent claimers pass over each other's
// candidate rows instead of blocking or double-claiming.
func (s *Store) ClaimJob(ctx context.Context, workerID string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'processing',
		    started_at = NOW(),
		    attempts = attempts + 1,
		    worker_id = $1,
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'queued' AND attempts < max_attempts AND available_at <= NOW()
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: claim job: %w", err)
	}
	return &j, nil
}

// CompleteJob moves processing -> done. attempt > 0 must match the
// current claim.
func (s *Store) CompleteJob(ctx context.Context, id domain.JobID, attempt int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'done', completed_at = NOW(), error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND ($2 = 0 OR attempts = $2)`,
		string(id), attempt,
	)
	if err != nil {
		return fmt.Errorf("postgres: complete job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	status, attempts, err := s.jobState(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case status == domain.JobStatusDone:
		return nil
	case attempt > 0 && attempts != attempt:
		return domain.ErrStaleClaim
	}
	return domain.ErrJobNotProcessing
}

// FailJob requeues a processing job or, with no attempts left, fails it.
// The requeued job becomes claimable again at retryAt.
func (s *Store) FailJob(ctx context.Context, id domain.JobID, attempt int, message string, retryAt time.Time) (domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
		    started_at = CASE WHEN attempts >= max_attempts THEN started_at ELSE NULL END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN NOW() ELSE NULL END,
		    available_at = CASE WHEN attempts >= max_attempts THEN available_at ELSE $4 END,
		    error_message = $3,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND ($2 = 0 OR attempts = $2)
		RETURNING `+jobColumns,
		string(id), attempt, message, retryAt,
	)

	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return domain.Job{}, fmt.Errorf("postgres: fail job: %w", err)
	}
	status, attempts, err := s.jobState(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if attempt > 0 && attempts != attempt && !status.Terminal() {
		return domain.Job{}, domain.ErrStaleClaim
	}
	return domain.Job{}, domain.ErrJobNotProcessing
}

// ReapJobs resets processing jobs whose started_at is before cutoff.
func (s *Store) ReapJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN NOW() ELSE NULL END,
		    error_message = COALESCE(error_message, 'reaped: worker stopped reporting'),
		    started_at = NULL,
		    available_at = NOW(),
		    updated_at = NOW()
		WHERE status = 'processing' AND started_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: reap jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, string(id))
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return domain.Job{}, domain.ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("postgres: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR subject_ref = $2)
		ORDER BY created_at DESC
		LIMIT $3`,
		string(f.Status), f.SubjectRef, limitOrDefault(f.Limit, 50),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}

func (s *Store) jobState(ctx context.Context, id domain.JobID) (domain.JobStatus, int, error) {
	var (
		status   string
		attempts int
	)
	err := s.pool.QueryRow(ctx, `SELECT status, attempts FROM jobs WHERE id = $1`, string(id)).Scan(&status, &attempts)
	if err != nil {
		if isNoRows(err) {
			return "", 0, domain.ErrJobNotFound
		}
		return "", 0, fmt.Errorf("postgres: job state: %w", err)
	}
	return domain.JobStatus(status), attempts, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j      domain.Job
		id     string
		status string
	)
	err := row.Scan(
		&id, &j.SubjectRef, &j.Payload, &status, &j.Attempts, &j.MaxAttempts, &j.Priority,
		&j.WorkerID, &j.ErrorMessage, &j.DedupeKey, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt,
		&j.AvailableAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	j.ID = domain.JobID(id)
	j.Status = domain.JobStatus(status)
	return j, nil
}

// SaveTranscript upserts by subject_ref.
func (s *Store) SaveTranscript(ctx context.Context, t domain.Transcript) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcripts (subject_ref, job_id, engine, text, word_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_ref) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			engine = EXCLUDED.engine,
			text = EXCLUDED.text,
			word_count = EXCLUDED.word_count,
			created_at = EXCLUDED.created_at`,
		t.SubjectRef, string(t.JobID), t.Engine, t.Text, t.WordCount, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save transcript: %w", err)
	}
	return nil
}

func (s *Store) GetTranscript(ctx context.Context, subjectRef string) (domain.Transcript, error) {
	var (
		t     domain.Transcript
		jobID string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT subject_ref, job_id, engine, text, word_count, created_at
		FROM transcripts WHERE subject_ref = $1`,
		subjectRef,
	).Scan(&t.SubjectRef, &jobID, &t.Engine, &t.Text, &t.WordCount, &t.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return domain.Transcript{}, domain.ErrTranscriptNotFound
		}
		return domain.Transcript{}, fmt.Errorf("postgres: get transcript: %w", err)
	}
	t.JobID = domain.JobID(jobID)
	return t, nil
}
