package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

const jobColumns = `id, subject_ref, payload, status, attempts, max_attempts, priority,
	worker_id, error_message, dedupe_key, created_at, started_at, completed_at, updated_at, available_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) InsertJob(ctx context.Context, j domain.Job) error {
	if j.AvailableAt.IsZero() {
		j.AvailableAt = j.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, subject_ref, payload, status, attempts, max_attempts, priority,
			dedupe_key, created_at, updated_at, available_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(j.ID), j.SubjectRef, j.Payload, string(j.Status), j.Attempts, j.MaxAttempts, j.Priority,
		j.DedupeKey, toMillis(j.CreatedAt), toMillis(j.UpdatedAt), toMillis(j.AvailableAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return domain.ErrDuplicateActiveJob
		}
		return fmt.Errorf("sqlite: insert job: %w", err)
	}
	return nil
}

// ClaimJob selects and updates in one statement. The write lock SQLite
// takes for the UPDATE makes the subquery's choice exclusive.
func (s *Store) ClaimJob(ctx context.Context, workerID string) (*domain.Job, error) {
	now := toMillis(s.now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'processing',
		    started_at = ?,
		    attempts = attempts + 1,
		    worker_id = ?,
		    updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' AND attempts < max_attempts AND available_at <= ?
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		now, workerID, now, now,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: claim job: %w", err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id domain.JobID, attempt int) error {
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'done', completed_at = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing' AND (? = 0 OR attempts = ?)`,
		now, now, string(id), attempt, attempt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
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

func (s *Store) FailJob(ctx context.Context, id domain.JobID, attempt int, message string, retryAt time.Time) (domain.Job, error) {
	now := toMillis(s.now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
		    started_at = CASE WHEN attempts >= max_attempts THEN started_at ELSE NULL END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN ? ELSE NULL END,
		    available_at = CASE WHEN attempts >= max_attempts THEN available_at ELSE ? END,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ? AND status = 'processing' AND (? = 0 OR attempts = ?)
		RETURNING `+jobColumns,
		now, toMillis(retryAt), message, now, string(id), attempt, attempt,
	)

	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return domain.Job{}, fmt.Errorf("sqlite: fail job: %w", err)
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

func (s *Store) ReapJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN ? ELSE NULL END,
		    error_message = COALESCE(error_message, 'reaped: worker stopped reporting'),
		    started_at = NULL,
		    available_at = ?,
		    updated_at = ?
		WHERE status = 'processing' AND started_at < ?`,
		now, now, now, toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: reap jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: reap jobs: %w", err)
	}
	return n, nil
}

func (s *Store) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return domain.Job{}, domain.ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("sqlite: get job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE (?1 = '' OR status = ?1)
		  AND (?2 = '' OR subject_ref = ?2)
		ORDER BY created_at DESC, id DESC
		LIMIT ?3`,
		string(f.Status), f.SubjectRef, limitOrDefault(f.Limit, 50),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate job rows: %w", err)
	}
	return jobs, nil
}

func (s *Store) jobState(ctx context.Context, id domain.JobID) (domain.JobStatus, int, error) {
	var (
		status   string
		attempts int
	)
	err := s.db.QueryRowContext(ctx, `SELECT status, attempts FROM jobs WHERE id = ?`, string(id)).Scan(&status, &attempts)
	if err != nil {
		if isNoRows(err) {
			return "", 0, domain.ErrJobNotFound
		}
		return "", 0, fmt.Errorf("sqlite: job state: %w", err)
	}
	return domain.JobStatus(status), attempts, nil
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j                        domain.Job
		id, status               string
		workerID, errMsg, dedupe sql.NullString
		createdAt, updatedAt     int64
		startedAt, completedAt   sql.NullInt64
		availableAt              int64
	)
	err := row.Scan(
		&id, &j.SubjectRef, &j.Payload, &status, &j.Attempts, &j.MaxAttempts, &j.Priority,
		&workerID, &errMsg, &dedupe, &createdAt, &startedAt, &completedAt, &updatedAt, &availableAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	j.ID = domain.JobID(id)
	j.Status = domain.JobStatus(status)
	j.WorkerID = fromNullString(workerID)
	j.ErrorMessage = fromNullString(errMsg)
	j.DedupeKey = fromNullString(dedupe)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	j.AvailableAt = fromMillis(availableAt)
	j.StartedAt = fromNullMillis(startedAt)
	j.CompletedAt = fromNullMillis(completedAt)
	return j, nil
}

func (s *Store) SaveTranscript(ctx context.Context, t domain.Transcript) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcripts (subject_ref, job_id, engine, text, word_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_ref) DO UPDATE SET
			job_id = excluded.job_id,
			engine = excluded.engine,
			text = excluded.text,
			word_count = excluded.word_count,
			created_at = excluded.created_at`,
		t.SubjectRef, string(t.JobID), t.Engine, t.Text, t.WordCount, toMillis(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save transcript: %w", err)
	}
	return nil
}

func (s *Store) GetTranscript(ctx context.Context, subjectRef string) (domain.Transcript, error) {
	var (
		t         domain.Transcript
		jobID     string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT subject_ref, job_id, engine, text, word_count, created_at
		FROM transcripts WHERE subject_ref = ?`,
		subjectRef,
	).Scan(&t.SubjectRef, &jobID, &t.Engine, &t.Text, &t.WordCount, &createdAt)
	if err != nil {
		if isNoRows(err) {
			return domain.Transcript{}, domain.ErrTranscriptNotFound
		}
		return domain.Transcript{}, fmt.Errorf("sqlite: get transcript: %w", err)
	}
	t.JobID = domain.JobID(jobID)
	t.CreatedAt = fromMillis(createdAt)
	return t, nil
}
