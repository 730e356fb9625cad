package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

// SaveTestCases upserts fixtures in one transaction.
func (s *Store) SaveTestCases(ctx context.Context, cases []domain.TestCase) error {
	batch := &pgx.Batch{}
	for _, c := range cases {
		created := c.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO test_cases (id, suite_id, name, audio_ref, expected_transcript, expected_duration, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				suite_id = EXCLUDED.suite_id,
				name = EXCLUDED.name,
				audio_ref = EXCLUDED.audio_ref,
				expected_transcript = EXCLUDED.expected_transcript,
				expected_duration = EXCLUDED.expected_duration`,
			c.ID, c.SuiteID, c.Name, c.AudioRef, c.ExpectedTranscript, c.ExpectedDuration.Milliseconds(), created,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: save test cases: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit test cases: %w", err)
	}
	return nil
}

// ListTestCases returns up to limit cases in a stable order.
func (s *Store) ListTestCases(ctx context.Context, suiteID string, limit int) ([]domain.TestCase, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, suite_id, name, audio_ref, expected_transcript, expected_duration, created_at
		FROM test_cases
		WHERE suite_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`,
		suiteID, limitOrDefault(limit, 50),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list test cases: %w", err)
	}
	defer rows.Close()

	var cases []domain.TestCase
	for rows.Next() {
		var (
			c  domain.TestCase
			ms int64
		)
		if err := rows.Scan(&c.ID, &c.SuiteID, &c.Name, &c.AudioRef, &c.ExpectedTranscript, &ms, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan test case: %w", err)
		}
		c.ExpectedDuration = time.Duration(ms) * time.Millisecond
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate test cases: %w", err)
	}
	return cases, nil
}

// CreateSuiteRun relies on idx_suite_runs_single_running to reject a
// second running row for the same suite.
func (s *Store) CreateSuiteRun(ctx context.Context, run domain.SuiteRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO suite_runs (id, suite_id, status, concurrency, case_limit, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(run.ID), run.SuiteID, string(run.Status), run.Concurrency, run.CaseLimit, run.StartedAt,
	)
	if err != nil {
		if isDuplicateKey(err) && constraintName(err) == "idx_suite_runs_single_running" {
			return domain.ErrSuiteAlreadyRunning
		}
		return fmt.Errorf("postgres: create suite run: %w", err)
	}
	return nil
}

func (s *Store) FinishSuiteRun(ctx context.Context, id domain.SuiteRunID, status domain.SuiteRunStatus, message *string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE suite_runs
		SET status = $2, error_message = $3, completed_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		string(id), string(status), message,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: finish suite run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FailStaleSuiteRuns(ctx context.Context, cutoff time.Time, message string) ([]domain.SuiteRunID, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE suite_runs
		SET status = 'failed', error_message = $2, completed_at = NOW()
		WHERE status = 'running' AND started_at < $1
		RETURNING id`,
		cutoff, message,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: fail stale suite runs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: collect stale suite runs: %w", err)
	}

	out := make([]domain.SuiteRunID, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.SuiteRunID(id))
	}
	return out, nil
}

func (s *Store) GetSuiteRun(ctx context.Context, id domain.SuiteRunID) (domain.SuiteRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, suite_id, status, concurrency, case_limit, error_message, started_at, completed_at
		FROM suite_runs WHERE id = $1`,
		string(id),
	)
	run, err := scanSuiteRun(row)
	if err != nil {
		if isNoRows(err) {
			return domain.SuiteRun{}, domain.ErrSuiteRunNotFound
		}
		return domain.SuiteRun{}, fmt.Errorf("postgres: get suite run: %w", err)
	}
	return run, nil
}

// ListSuiteRuns returns recent runs with per-run aggregates over test_runs.
func (s *Store) ListSuiteRuns(ctx context.Context, suiteID string, limit int) ([]domain.SuiteRunSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.suite_id, r.status, r.concurrency, r.case_limit, r.error_message, r.started_at, r.completed_at,
		       COUNT(t.id),
		       COUNT(t.id) FILTER (WHERE t.status = 'completed'),
		       COUNT(t.id) FILTER (WHERE t.status = 'failed'),
		       COUNT(t.id) FILTER (WHERE t.passed),
		       AVG(t.word_error_rate) FILTER (WHERE t.status = 'completed')
		FROM suite_runs r
		LEFT JOIN test_runs t ON t.suite_run_id = r.id
		WHERE r.suite_id = $1
		GROUP BY r.id
		ORDER BY r.started_at DESC
		LIMIT $2`,
		suiteID, limitOrDefault(limit, 20),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list suite runs: %w", err)
	}
	defer rows.Close()

	var out []domain.SuiteRunSummary
	for rows.Next() {
		var (
			sum    domain.SuiteRunSummary
			id     string
			status string
		)
		err := rows.Scan(
			&id, &sum.Run.SuiteID, &status, &sum.Run.Concurrency, &sum.Run.CaseLimit,
			&sum.Run.ErrorMessage, &sum.Run.StartedAt, &sum.Run.CompletedAt,
			&sum.Total, &sum.Completed, &sum.Failed, &sum.Passed, &sum.AvgWER,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan suite run summary: %w", err)
		}
		sum.Run.ID = domain.SuiteRunID(id)
		sum.Run.Status = domain.SuiteRunStatus(status)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate suite runs: %w", err)
	}
	return out, nil
}

// InsertTestRun appends one result. Test runs are never updated.
func (s *Store) InsertTestRun(ctx context.Context, tr domain.TestRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO test_runs (
			id, test_case_id, suite_run_id, status, actual_transcript, word_error_rate, passed,
			reference_words, hypothesis_words, processing_ms, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tr.ID, tr.TestCaseID, string(tr.SuiteRunID), string(tr.Status), tr.ActualTranscript, tr.WordErrorRate, tr.Passed,
		tr.ReferenceWords, tr.HypothesisWords, tr.ProcessingMs, tr.ErrorMessage, tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert test run: %w", err)
	}
	return nil
}

func (s *Store) ListTestRuns(ctx context.Context, runID domain.SuiteRunID) ([]domain.TestRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, test_case_id, suite_run_id, status, actual_transcript, word_error_rate, passed,
		       reference_words, hypothesis_words, processing_ms, error_message, created_at
		FROM test_runs
		WHERE suite_run_id = $1
		ORDER BY created_at ASC, id ASC`,
		string(runID),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list test runs: %w", err)
	}
	defer rows.Close()

	var out []domain.TestRun
	for rows.Next() {
		var (
			tr     domain.TestRun
			runID  string
			status string
		)
		err := rows.Scan(
			&tr.ID, &tr.TestCaseID, &runID, &status, &tr.ActualTranscript, &tr.WordErrorRate, &tr.Passed,
			&tr.ReferenceWords, &tr.HypothesisWords, &tr.ProcessingMs, &tr.ErrorMessage, &tr.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan test run: %w", err)
		}
		tr.SuiteRunID = domain.SuiteRunID(runID)
		tr.Status = domain.TestRunStatus(status)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate test runs: %w", err)
	}
	return out, nil
}

func scanSuiteRun(row pgx.Row) (domain.SuiteRun, error) {
	var (
		run    domain.SuiteRun
		id     string
		status string
	)
	err := row.Scan(&id, &run.SuiteID, &status, &run.Concurrency, &run.CaseLimit, &run.ErrorMessage, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return domain.SuiteRun{}, err
	}
	run.ID = domain.SuiteRunID(id)
	run.Status = domain.SuiteRunStatus(status)
	return run, nil
}
