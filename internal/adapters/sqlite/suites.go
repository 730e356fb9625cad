package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

func (s *Store) SaveTestCases(ctx context.Context, cases []domain.TestCase) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO test_cases (id, suite_id, name, audio_ref, expected_transcript, expected_duration, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			suite_id = excluded.suite_id,
			name = excluded.name,
			audio_ref = excluded.audio_ref,
			expected_transcript = excluded.expected_transcript,
			expected_duration = excluded.expected_duration`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare test case upsert: %w", err)
	}
	defer stmt.Close()

	for i, c := range cases {
		created := c.CreatedAt
		if created.IsZero() {
			// Keep file order stable for ListTestCases
			created = s.now().Add(time.Duration(i) * time.Millisecond)
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.SuiteID, c.Name, c.AudioRef, c.ExpectedTranscript, c.ExpectedDuration.Milliseconds(), toMillis(created),
		); err != nil {
			return fmt.Errorf("sqlite: save test case %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit test cases: %w", err)
	}
	return nil
}

func (s *Store) ListTestCases(ctx context.Context, suiteID string, limit int) ([]domain.TestCase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, suite_id, name, audio_ref, expected_transcript, expected_duration, created_at
		FROM test_cases
		WHERE suite_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		suiteID, limitOrDefault(limit, 50),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list test cases: %w", err)
	}
	defer rows.Close()

	var cases []domain.TestCase
	for rows.Next() {
		var (
			c             domain.TestCase
			ms, createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.SuiteID, &c.Name, &c.AudioRef, &c.ExpectedTranscript, &ms, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan test case: %w", err)
		}
		c.ExpectedDuration = time.Duration(ms) * time.Millisecond
		c.CreatedAt = fromMillis(createdAt)
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate test cases: %w", err)
	}
	return cases, nil
}

// CreateSuiteRun relies on idx_suite_runs_single_running.
func (s *Store) CreateSuiteRun(ctx context.Context, run domain.SuiteRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suite_runs (id, suite_id, status, concurrency, case_limit, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(run.ID), run.SuiteID, string(run.Status), run.Concurrency, run.CaseLimit, toMillis(run.StartedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return domain.ErrSuiteAlreadyRunning
		}
		return fmt.Errorf("sqlite: create suite run: %w", err)
	}
	return nil
}

func (s *Store) FinishSuiteRun(ctx context.Context, id domain.SuiteRunID, status domain.SuiteRunStatus, message *string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE suite_runs
		SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`,
		string(status), message, toMillis(s.now()), string(id),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: finish suite run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: finish suite run: %w", err)
	}
	return n == 1, nil
}

func (s *Store) FailStaleSuiteRuns(ctx context.Context, cutoff time.Time, message string) ([]domain.SuiteRunID, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE suite_runs
		SET status = 'failed', error_message = ?, completed_at = ?
		WHERE status = 'running' AND started_at < ?
		RETURNING id`,
		message, toMillis(s.now()), toMillis(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fail stale suite runs: %w", err)
	}
	defer rows.Close()

	var ids []domain.SuiteRunID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan stale suite run: %w", err)
		}
		ids = append(ids, domain.SuiteRunID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate stale suite runs: %w", err)
	}
	return ids, nil
}

func (s *Store) GetSuiteRun(ctx context.Context, id domain.SuiteRunID) (domain.SuiteRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, suite_id, status, concurrency, case_limit, error_message, started_at, completed_at
		FROM suite_runs WHERE id = ?`,
		string(id),
	)
	run, err := scanSuiteRun(row)
	if err != nil {
		if isNoRows(err) {
			return domain.SuiteRun{}, domain.ErrSuiteRunNotFound
		}
		return domain.SuiteRun{}, fmt.Errorf("sqlite: get suite run: %w", err)
	}
	return run, nil
}

func (s *Store) ListSuiteRuns(ctx context.Context, suiteID string, limit int) ([]domain.SuiteRunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.suite_id, r.status, r.concurrency, r.case_limit, r.error_message, r.started_at, r.completed_at,
		       COUNT(t.id),
		       COUNT(t.id) FILTER (WHERE t.status = 'completed'),
		       COUNT(t.id) FILTER (WHERE t.status = 'failed'),
		       COUNT(t.id) FILTER (WHERE t.passed = 1),
		       AVG(t.word_error_rate) FILTER (WHERE t.status = 'completed')
		FROM suite_runs r
		LEFT JOIN test_runs t ON t.suite_run_id = r.id
		WHERE r.suite_id = ?
		GROUP BY r.id
		ORDER BY r.started_at DESC
		LIMIT ?`,
		suiteID, limitOrDefault(limit, 20),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list suite runs: %w", err)
	}
	defer rows.Close()

	var out []domain.SuiteRunSummary
	for rows.Next() {
		var (
			sum         domain.SuiteRunSummary
			id, status  string
			errMsg      sql.NullString
			startedAt   int64
			completedAt sql.NullInt64
			avgWER      sql.NullFloat64
		)
		err := rows.Scan(
			&id, &sum.Run.SuiteID, &status, &sum.Run.Concurrency, &sum.Run.CaseLimit, &errMsg, &startedAt, &completedAt,
			&sum.Total, &sum.Completed, &sum.Failed, &sum.Passed, &avgWER,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan suite run summary: %w", err)
		}
		sum.Run.ID = domain.SuiteRunID(id)
		sum.Run.Status = domain.SuiteRunStatus(status)
		sum.Run.ErrorMessage = fromNullString(errMsg)
		sum.Run.StartedAt = fromMillis(startedAt)
		sum.Run.CompletedAt = fromNullMillis(completedAt)
		if avgWER.Valid {
			v := avgWER.Float64
			sum.AvgWER = &v
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate suite runs: %w", err)
	}
	return out, nil
}

func (s *Store) InsertTestRun(ctx context.Context, tr domain.TestRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_runs (
			id, test_case_id, suite_run_id, status, actual_transcript, word_error_rate, passed,
			reference_words, hypothesis_words, processing_ms, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.TestCaseID, string(tr.SuiteRunID), string(tr.Status), tr.ActualTranscript, tr.WordErrorRate, tr.Passed,
		tr.ReferenceWords, tr.HypothesisWords, tr.ProcessingMs, tr.ErrorMessage, toMillis(tr.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert test run: %w", err)
	}
	return nil
}

func (s *Store) ListTestRuns(ctx context.Context, runID domain.SuiteRunID) ([]domain.TestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_case_id, suite_run_id, status, actual_transcript, word_error_rate, passed,
		       reference_words, hypothesis_words, processing_ms, error_message, created_at
		FROM test_runs
		WHERE suite_run_id = ?
		ORDER BY created_at ASC, id ASC`,
		string(runID),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list test runs: %w", err)
	}
	defer rows.Close()

	var out []domain.TestRun
	for rows.Next() {
		var (
			tr          domain.TestRun
			rid, status string
			errMsg      sql.NullString
			createdAt   int64
		)
		err := rows.Scan(
			&tr.ID, &tr.TestCaseID, &rid, &status, &tr.ActualTranscript, &tr.WordErrorRate, &tr.Passed,
			&tr.ReferenceWords, &tr.HypothesisWords, &tr.ProcessingMs, &errMsg, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan test run: %w", err)
		}
		tr.SuiteRunID = domain.SuiteRunID(rid)
		tr.Status = domain.TestRunStatus(status)
		tr.ErrorMessage = fromNullString(errMsg)
		tr.CreatedAt = fromMillis(createdAt)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate test runs: %w", err)
	}
	return out, nil
}

func scanSuiteRun(row rowScanner) (domain.SuiteRun, error) {
	var (
		run         domain.SuiteRun
		id, status  string
		errMsg      sql.NullString
		startedAt   int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&id, &run.SuiteID, &status, &run.Concurrency, &run.CaseLimit, &errMsg, &startedAt, &completedAt); err != nil {
		return domain.SuiteRun{}, err
	}
	run.ID = domain.SuiteRunID(id)
	run.Status = domain.SuiteRunStatus(status)
	run.ErrorMessage = fromNullString(errMsg)
	run.StartedAt = fromMillis(startedAt)
	run.CompletedAt = fromNullMillis(completedAt)
	return run, nil
}
