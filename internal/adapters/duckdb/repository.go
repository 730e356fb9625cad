// Package duckdb keeps the analytics archive of finished suite runs.
// Accuracy reports are computed with DuckDB aggregates over every archived
// test run of a suite.
package duckdb

import (
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/callpipe/internal/core/ports"
)

var _ ports.ReportRepository = (*Repository)(nil)

type Repository struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS suite_runs (
		id           VARCHAR PRIMARY KEY,
		suite_id     VARCHAR NOT NULL,
		status       VARCHAR NOT NULL,
		concurrency  INTEGER NOT NULL,
		case_limit   INTEGER NOT NULL,
		started_at   TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		archived_at  TIMESTAMP NOT NULL DEFAULT current_timestamp
	)`,
	// No key on test_runs: DuckDB rejects re-inserting a key deleted in
	// the same transaction.
	`CREATE TABLE IF NOT EXISTS test_runs (
		id               VARCHAR NOT NULL,
		suite_run_id     VARCHAR NOT NULL,
		suite_id         VARCHAR NOT NULL,
		test_case_id     VARCHAR NOT NULL,
		status           VARCHAR NOT NULL,
		word_error_rate  DOUBLE NOT NULL,
		passed           BOOLEAN NOT NULL,
		reference_words  INTEGER NOT NULL,
		hypothesis_words INTEGER NOT NULL,
		processing_ms    BIGINT NOT NULL,
		created_at       TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_test_runs_suite ON test_runs (suite_id)`,
}

// NewRepository opens the archive at path. An empty path is in-memory.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("duckdb: create schema: %w", err)
		}
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
