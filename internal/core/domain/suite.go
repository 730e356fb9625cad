package domain

import (
	"errors"
	"time"
)

type SuiteRunID string

type SuiteRunStatus string

const (
	SuiteRunStatusRunning   SuiteRunStatus = "running"
	SuiteRunStatusCompleted SuiteRunStatus = "completed"
	SuiteRunStatusFailed    SuiteRunStatus = "failed"
)

type TestRunStatus string

const (
	TestRunStatusCompleted TestRunStatus = "completed"
	TestRunStatusFailed    TestRunStatus = "failed"
)

// TestCase is a read-only accuracy fixture.
type TestCase struct {
	ID                 string        `json:"id" yaml:"id"`
	SuiteID            string        `json:"suite_id" yaml:"suite_id"`
	Name               string        `json:"name,omitempty" yaml:"name"`
	AudioRef           string        `json:"audio_ref" yaml:"audio_ref"`
	ExpectedTranscript string        `json:"expected_transcript" yaml:"expected_transcript"`
	ExpectedDuration   time.Duration `json:"expected_duration" yaml:"expected_duration"`
	CreatedAt          time.Time     `json:"created_at" yaml:"-"`
}

// SuiteRun is one execution attempt over a suite's test cases.
// Storage guarantees at most one running row per SuiteID.
type SuiteRun struct {
	ID           SuiteRunID     `json:"id"`
	SuiteID      string         `json:"suite_id"`
	Status       SuiteRunStatus `json:"status"`
	Concurrency  int            `json:"concurrency"`
	CaseLimit    int            `json:"case_limit"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// TestRun is the append-only outcome of one TestCase within one SuiteRun.
type TestRun struct {
	ID               string        `json:"id"`
	TestCaseID       string        `json:"test_case_id"`
	SuiteRunID       SuiteRunID    `json:"suite_run_id"`
	Status           TestRunStatus `json:"status"`
	ActualTranscript string        `json:"actual_transcript"`
	WordErrorRate    float64       `json:"word_error_rate"`
	Passed           bool          `json:"passed"`
	ReferenceWords   int           `json:"reference_words"`
	HypothesisWords  int           `json:"hypothesis_words"`
	ProcessingMs     int64         `json:"processing_ms"`
	ErrorMessage     *string       `json:"error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// SuiteRunSummary aggregates the TestRuns of a single SuiteRun.
type SuiteRunSummary struct {
	Run       SuiteRun `json:"run"`
	Total     int      `json:"total"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Passed    int      `json:"passed"`
	AvgWER    *float64 `json:"avg_wer,omitempty"`
}

// AccuracyReport is computed by the analytics archive over finished runs.
type AccuracyReport struct {
	SuiteID   string   `json:"suite_id"`
	Runs      int      `json:"runs"`
	TestRuns  int      `json:"test_runs"`
	MeanWER   *float64 `json:"mean_wer,omitempty"`
	MedianWER *float64 `json:"median_wer,omitempty"`
	P90WER    *float64 `json:"p90_wer,omitempty"`
	PassRate  *float64 `json:"pass_rate,omitempty"`
}

var (
	ErrSuiteAlreadyRunning = errors.New("suite_already_running")
	ErrNoTestCases         = errors.New("no eligible test cases")
	ErrSuiteRunNotFound    = errors.New("suite run not found")
)
