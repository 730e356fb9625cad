package ports

import (
	"context"
	"time"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

// JobStore abstracts the durable job table. Every method is a single atomic
// statement; mutual exclusion between claimers lives in the storage engine.
type JobStore interface {
	// InsertJob persists a queued job. Returns domain.ErrDuplicateActiveJob
	// when DedupeKey collides with a non-terminal job.
	InsertJob(ctx context.Context, job domain.Job) error

	// ClaimJob atomically moves the best eligible job to processing and
	// increments its attempts. A queued job is eligible once its AvailableAt
	// has passed. Returns (nil, nil) when nothing is eligible.
	ClaimJob(ctx context.Context, workerID string) (*domain.Job, error)

	// CompleteJob moves processing -> done. Completing a done job is a no-op.
	// A non-zero attempt fences the write to the claim that produced it;
	// a job reclaimed since then returns domain.ErrStaleClaim.
	CompleteJob(ctx context.Context, id domain.JobID, attempt int) error

	// FailJob moves processing -> failed when attempts are exhausted,
	// otherwise processing -> queued with AvailableAt set to retryAt.
	// attempt fences like CompleteJob. Returns the updated job.
	FailJob(ctx context.Context, id domain.JobID, attempt int, message string, retryAt time.Time) (domain.Job, error)

	// ReapJobs resets processing jobs started before cutoff. Jobs with no
	// attempts left are failed instead. Returns the number of rows touched.
	ReapJobs(ctx context.Context, cutoff time.Time) (int64, error)

	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
}

// TranscriptStore persists transcription results keyed by subject reference.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, t domain.Transcript) error
	GetTranscript(ctx context.Context, subjectRef string) (domain.Transcript, error)
}

// SuiteStore abstracts test fixtures, suite runs and test runs.
type SuiteStore interface {
	// SaveTestCases upserts fixtures. Used by the import path only.
	SaveTestCases(ctx context.Context, cases []domain.TestCase) error
	ListTestCases(ctx context.Context, suiteID string, limit int) ([]domain.TestCase, error)

	// CreateSuiteRun inserts a running SuiteRun. Returns
	// domain.ErrSuiteAlreadyRunning when the uniqueness constraint rejects it.
	CreateSuiteRun(ctx context.Context, run domain.SuiteRun) error

	// FinishSuiteRun transitions a running SuiteRun to status. Returns false
	// when the run was no longer running (e.g. swept as stale).
	FinishSuiteRun(ctx context.Context, id domain.SuiteRunID, status domain.SuiteRunStatus, message *string) (bool, error)

	// FailStaleSuiteRuns marks running SuiteRuns started before cutoff failed.
	FailStaleSuiteRuns(ctx context.Context, cutoff time.Time, message string) ([]domain.SuiteRunID, error)

	GetSuiteRun(ctx context.Context, id domain.SuiteRunID) (domain.SuiteRun, error)
	ListSuiteRuns(ctx context.Context, suiteID string, limit int) ([]domain.SuiteRunSummary, error)

	InsertTestRun(ctx context.Context, tr domain.TestRun) error
	ListTestRuns(ctx context.Context, runID domain.SuiteRunID) ([]domain.TestRun, error)
}

// QuarantineStore holds malformed inbound items awaiting operator action.
type QuarantineStore interface {
	InsertQuarantine(ctx context.Context, item domain.QuarantineItem) error
	GetQuarantine(ctx context.Context, id domain.QuarantineID) (domain.QuarantineItem, error)
	ListQuarantine(ctx context.Context, status domain.QuarantineStatus, limit int) ([]domain.QuarantineItem, error)

	// ResolveQuarantine moves a pending item to status. Returns
	// domain.ErrQuarantineResolved if it was not pending anymore.
	ResolveQuarantine(ctx context.Context, id domain.QuarantineID, status domain.QuarantineStatus, jobID *domain.JobID, payload string) error

	// ReopenQuarantine puts a replayed item back to pending, recording why.
	ReopenQuarantine(ctx context.Context, id domain.QuarantineID, lastError string) error
}

// SettingsRepository persists opaque settings blobs.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// Store is the full primary storage surface implemented by each adapter.
type Store interface {
	JobStore
	TranscriptStore
	SuiteStore
	QuarantineStore
	SettingsRepository

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// ReportRepository abstracts the analytics archive (DuckDB)
type ReportRepository interface {
	// ArchiveSuiteRun stores a finished run and its test runs. Re-archiving
	// the same run replaces the previous rows.
	ArchiveSuiteRun(ctx context.Context, run domain.SuiteRun, testRuns []domain.TestRun) error

	SuiteAccuracy(ctx context.Context, suiteID string) (domain.AccuracyReport, error)
}
