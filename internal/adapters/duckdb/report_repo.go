package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

// ArchiveSuiteRun replaces any earlier copy of the run and its test runs.
func (r *Repository) ArchiveSuiteRun(ctx context.Context, run domain.SuiteRun, testRuns []domain.TestRun) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM test_runs WHERE suite_run_id = ?`, string(run.ID)); err != nil {
		return fmt.Errorf("clear archived test runs: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO suite_runs (id, suite_id, status, concurrency, case_limit, started_at, completed_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status       = excluded.status,
			completed_at = excluded.completed_at,
			archived_at  = excluded.archived_at`,
		string(run.ID), run.SuiteID, string(run.Status), run.Concurrency, run.CaseLimit, run.StartedAt, run.CompletedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert suite run: %w", err)
	}

	for _, tr := range testRuns {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO test_runs (id, suite_run_id, suite_id, test_case_id, status, word_error_rate, passed,
			                       reference_words, hypothesis_words, processing_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tr.ID, string(run.ID), run.SuiteID, tr.TestCaseID, string(tr.Status), tr.WordErrorRate, tr.Passed,
			tr.ReferenceWords, tr.HypothesisWords, tr.ProcessingMs, tr.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert test run %s: %w", tr.ID, err)
		}
	}

	return tx.Commit()
}

// SuiteAccuracy summarizes every archived run of the suite. WER figures
// cover completed test runs only; a suite with none leaves them nil.
func (r *Repository) SuiteAccuracy(ctx context.Context, suiteID string) (domain.AccuracyReport, error) {
	report := domain.AccuracyReport{SuiteID: suiteID}

	var mean, median, p90, passRate sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM suite_runs WHERE suite_id = ?),
			COUNT(*),
			AVG(word_error_rate) FILTER (WHERE status = 'completed'),
			quantile_cont(word_error_rate, 0.5) FILTER (WHERE status = 'completed'),
			quantile_cont(word_error_rate, 0.9) FILTER (WHERE status = 'completed'),
			AVG(CASE WHEN passed THEN 1.0 ELSE 0.0 END)
		FROM test_runs
		WHERE suite_id = ?`,
		suiteID, suiteID,
	).Scan(&report.Runs, &report.TestRuns, &mean, &median, &p90, &passRate)
	if err != nil {
		return domain.AccuracyReport{}, fmt.Errorf("suite accuracy: %w", err)
	}

	report.MeanWER = nullFloat(mean)
	report.MedianWER = nullFloat(median)
	report.P90WER = nullFloat(p90)
	report.PassRate = nullFloat(passRate)
	return report, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
