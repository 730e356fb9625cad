package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/internal/core/ports"
	"github.com/manthysbr/callpipe/pkg/wer"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// RunOptions bounds one suite run. Zero values fall back to the defaults.
type RunOptions struct {
	Concurrency int
	Limit       int
}

// RunResult is the outcome of a run that reached its end.
type RunResult struct {
	Run      domain.SuiteRun  `json:"run"`
	TestRuns []domain.TestRun `json:"test_runs"`
	Total    int              `json:"total"`
	Failed   int              `json:"failed"`
	Passed   int              `json:"passed"`
}

// SuiteRunner evaluates a suite's test cases against the transcriber with
// bounded parallelism. Single-flight per suite is the store's uniqueness
// constraint on running rows; the runner holds no lock of its own.
type SuiteRunner struct {
	logger      *slog.Logger
	store       ports.SuiteStore
	transcriber domain.Transcriber
	bus         *ProgressBus
	reports     ports.ReportRepository // optional
	telemetry   *Telemetry

	mu       sync.RWMutex
	defaults domain.SuiteDefaults

	running sync.WaitGroup
	now     func() time.Time
}

func NewSuiteRunner(
	logger *slog.Logger,
	store ports.SuiteStore,
	transcriber domain.Transcriber,
	bus *ProgressBus,
	reports ports.ReportRepository,
	telemetry *Telemetry,
	defaults domain.SuiteDefaults,
) *SuiteRunner {
	if telemetry == nil {
		telemetry = NewTelemetry()
	}
	r := &SuiteRunner{
		logger:      logger,
		store:       store,
		transcriber: transcriber,
		bus:         bus,
		reports:     reports,
		telemetry:   telemetry,
		now:         time.Now,
	}
	r.SetDefaults(defaults)
	return r
}

// SetDefaults replaces the defaults used by later runs.
func (r *SuiteRunner) SetDefaults(d domain.SuiteDefaults) {
	fallback := domain.DefaultConfig().Suite
	if d.Concurrency <= 0 {
		d.Concurrency = fallback.Concurrency
	}
	if d.Limit <= 0 {
		d.Limit = fallback.Limit
	}
	if d.PassThreshold <= 0 {
		d.PassThreshold = fallback.PassThreshold
	}
	r.mu.Lock()
	r.defaults = d
	r.mu.Unlock()
}

func (r *SuiteRunner) Defaults() domain.SuiteDefaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Start creates the run synchronously and evaluates it in the background.
// A concurrent run for the same suite fails fast with ErrSuiteAlreadyRunning.
func (r *SuiteRunner) Start(ctx context.Context, suiteID string, opts RunOptions) (domain.SuiteRun, error) {
	run, cases, threshold, err := r.begin(ctx, suiteID, opts)
	if err != nil {
		return run, err
	}

	r.running.Add(1)
	go func() {
		defer r.running.Done()
		// Runs are never preempted, so detach from the caller
		if _, err := r.execute(context.WithoutCancel(ctx), run, cases, threshold); err != nil {
			r.logger.Error("suite run finished with error", "suite_run_id", run.ID, "error", err)
		}
	}()
	return run, nil
}

// Run is Start without the background goroutine.
func (r *SuiteRunner) Run(ctx context.Context, suiteID string, opts RunOptions) (RunResult, error) {
	run, cases, threshold, err := r.begin(ctx, suiteID, opts)
	if err != nil {
		return RunResult{Run: run}, err
	}
	return r.execute(context.WithoutCancel(ctx), run, cases, threshold)
}

// Wait blocks until every run started with Start has finished.
func (r *SuiteRunner) Wait() {
	r.running.Wait()
}

func (r *SuiteRunner) begin(ctx context.Context, suiteID string, opts RunOptions) (domain.SuiteRun, []domain.TestCase, float64, error) {
	suiteID = strings.TrimSpace(suiteID)
	if suiteID == "" {
		return domain.SuiteRun{}, nil, 0, fmt.Errorf("suite id is required")
	}

	d := r.Defaults()
	if opts.Concurrency <= 0 {
		opts.Concurrency = d.Concurrency
	}
	if opts.Limit <= 0 {
		opts.Limit = d.Limit
	}

	run := domain.SuiteRun{
		ID:          domain.SuiteRunID(uuid.New().String()),
		SuiteID:     suiteID,
		Status:      domain.SuiteRunStatusRunning,
		Concurrency: opts.Concurrency,
		CaseLimit:   opts.Limit,
		StartedAt:   r.now().UTC(),
	}

	if err := r.store.CreateSuiteRun(ctx, run); err != nil {
		if errors.Is(err, domain.ErrSuiteAlreadyRunning) {
			r.telemetry.RecordSuiteRun(ctx, "rejected")
			r.logger.Info("suite run rejected, already running", "suite_id", suiteID)
			return domain.SuiteRun{}, nil, 0, err
		}
		return domain.SuiteRun{}, nil, 0, fmt.Errorf("create suite run: %w", err)
	}
	r.telemetry.RecordSuiteRun(ctx, "started")

	cases, err := r.store.ListTestCases(ctx, suiteID, opts.Limit)
	if err == nil && len(cases) == 0 {
		err = domain.ErrNoTestCases
	}
	if err != nil {
		msg := err.Error()
		run = r.finish(ctx, run, domain.SuiteRunStatusFailed, &msg)
		r.publishFinished(run, 0, 0, 0)
		if errors.Is(err, domain.ErrNoTestCases) {
			return run, nil, 0, err
		}
		return run, nil, 0, fmt.Errorf("load test cases: %w", err)
	}

	r.logger.Info("suite run started", "suite_run_id", run.ID, "suite_id", suiteID, "cases", len(cases), "concurrency", opts.Concurrency)
	return run, cases, d.PassThreshold, nil
}

// tally holds running totals shared by the pool.
type tally struct {
	mu          sync.Mutex
	processed   int
	failed      int
	passed      int
	persistErrs int
}

func (r *SuiteRunner) execute(ctx context.Context, run domain.SuiteRun, cases []domain.TestCase, threshold float64) (RunResult, error) {
	total := len(cases)
	r.publish(run, EventTypeSuiteRunStarted, map[string]any{
		"suite_run_id": run.ID,
		"suite_id":     run.SuiteID,
		"total":        total,
		"concurrency":  run.Concurrency,
	})

	work := make(chan domain.TestCase)
	var t tally

	workers := min(run.Concurrency, total)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for tc := range work {
				r.evaluate(ctx, run, tc, threshold, &t, total)
			}
			return nil
		})
	}
	for _, tc := range cases {
		work <- tc
	}
	close(work)
	_ = g.Wait() // workers never return errors

	status := domain.SuiteRunStatusCompleted
	var msg *string
	if t.persistErrs > 0 {
		m := fmt.Sprintf("%d of %d test runs could not be recorded", t.persistErrs, total)
		status, msg = domain.SuiteRunStatusFailed, &m
	}
	run = r.finish(ctx, run, status, msg)

	testRuns, err := r.store.ListTestRuns(ctx, run.ID)
	if err != nil {
		r.logger.Error("failed to load test runs", "suite_run_id", run.ID, "error", err)
	}
	if r.reports != nil && err == nil {
		if archErr := r.reports.ArchiveSuiteRun(ctx, run, testRuns); archErr != nil {
			r.logger.Warn("failed to archive suite run", "suite_run_id", run.ID, "error", archErr)
		}
	}

	r.publishFinished(run, total, t.failed, t.passed)
	r.logger.Info("suite run finished",
		"suite_run_id", run.ID,
		"status", run.Status,
		"total", total,
		"failed", t.failed,
		"passed", t.passed,
	)

	res := RunResult{Run: run, TestRuns: testRuns, Total: total, Failed: t.failed, Passed: t.passed}
	if t.persistErrs > 0 {
		return res, fmt.Errorf("suite run %s: %s", run.ID, *msg)
	}
	return res, nil
}

// evaluate runs one test case. Failures are recorded, never propagated,
// so a sibling worker is never aborted.
func (r *SuiteRunner) evaluate(ctx context.Context, run domain.SuiteRun, tc domain.TestCase, threshold float64, t *tally, total int) {
	ctx, span := r.telemetry.StartSpan(ctx, "callpipe.suite.case",
		attribute.String("callpipe.suite_run.id", string(run.ID)),
		attribute.String("callpipe.test_case.id", tc.ID),
	)

	start := r.now()
	tr := domain.TestRun{
		ID:         uuid.New().String(),
		TestCaseID: tc.ID,
		SuiteRunID: run.ID,
	}

	res, callErr := r.transcriber.Transcribe(ctx, tc.AudioRef)
	elapsed := r.now().Sub(start)
	tr.ProcessingMs = elapsed.Milliseconds()
	tr.CreatedAt = r.now().UTC()

	var rate *float64
	if callErr != nil {
		msg := callErr.Error()
		tr.Status = domain.TestRunStatusFailed
		tr.ErrorMessage = &msg
	} else {
		b := wer.Align(tc.ExpectedTranscript, res.Text)
		tr.Status = domain.TestRunStatusCompleted
		tr.ActualTranscript = res.Text
		tr.WordErrorRate = b.Rate
		tr.ReferenceWords = b.ReferenceWords
		tr.HypothesisWords = b.HypothesisWords
		tr.Passed = wer.Acceptable(b.Rate, threshold)
		rate = &b.Rate
	}
	r.telemetry.RecordCase(ctx, string(tr.Status), elapsed, rate)

	persistErr := r.store.InsertTestRun(ctx, tr)
	if persistErr != nil {
		r.logger.Error("failed to record test run", "suite_run_id", run.ID, "test_case_id", tc.ID, "error", persistErr)
	}
	spanErr := callErr
	if spanErr == nil {
		spanErr = persistErr
	}
	EndSpan(span, spanErr)

	t.mu.Lock()
	t.processed++
	if tr.Status == domain.TestRunStatusFailed {
		t.failed++
	}
	if tr.Passed {
		t.passed++
	}
	if persistErr != nil {
		t.persistErrs++
	}
	progress := map[string]any{
		"suite_run_id": run.ID,
		"test_case_id": tc.ID,
		"status":       tr.Status,
		"passed":       tr.Passed,
		"processed":    t.processed,
		"failed":       t.failed,
		"passed_total": t.passed,
		"total":        total,
	}
	t.mu.Unlock()

	if rate != nil {
		progress["word_error_rate"] = *rate
	}
	if tr.ErrorMessage != nil {
		progress["error"] = *tr.ErrorMessage
	}
	r.publish(run, EventTypeTestRunFinished, progress)
}

// finish applies the terminal status unless something else, such as the
// staleness sweep, already moved the run out of running.
func (r *SuiteRunner) finish(ctx context.Context, run domain.SuiteRun, status domain.SuiteRunStatus, msg *string) domain.SuiteRun {
	ok, err := r.store.FinishSuiteRun(ctx, run.ID, status, msg)
	if err != nil {
		r.logger.Error("failed to finish suite run", "suite_run_id", run.ID, "error", err)
	}
	if !ok && err == nil {
		r.logger.Warn("suite run was no longer running at finish", "suite_run_id", run.ID)
	}
	if ok {
		r.telemetry.RecordSuiteRun(ctx, string(status))
	}

	if stored, getErr := r.store.GetSuiteRun(ctx, run.ID); getErr == nil {
		return stored
	}
	now := r.now().UTC()
	run.Status, run.ErrorMessage, run.CompletedAt = status, msg, &now
	return run
}

// SweepStale fails running SuiteRuns older than threshold. It only corrects
// bookkeeping: workers still executing are not interrupted.
func (r *SuiteRunner) SweepStale(ctx context.Context, threshold time.Duration) ([]domain.SuiteRunID, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("staleness threshold must be positive, got %s", threshold)
	}
	msg := fmt.Sprintf("abandoned: still running after %s", threshold)
	ids, err := r.store.FailStaleSuiteRuns(ctx, r.now().Add(-threshold), msg)
	if err != nil {
		return nil, fmt.Errorf("sweep stale suite runs: %w", err)
	}
	for _, id := range ids {
		r.telemetry.RecordSuiteRun(ctx, "stale")
		r.logger.Warn("suite run marked stale", "suite_run_id", id, "threshold", threshold)
		if r.bus != nil {
			key := string(id)
			r.bus.Publish(key, NewEvent(key, EventTypeSuiteRunFinished, map[string]any{
				"suite_run_id": id,
				"status":       domain.SuiteRunStatusFailed,
				"error":        msg,
			}))
		}
	}
	return ids, nil
}

func (r *SuiteRunner) publishFinished(run domain.SuiteRun, total, failed, passed int) {
	payload := map[string]any{
		"suite_run_id": run.ID,
		"suite_id":     run.SuiteID,
		"status":       run.Status,
		"total":        total,
		"failed":       failed,
		"passed":       passed,
	}
	if run.ErrorMessage != nil {
		payload["error"] = *run.ErrorMessage
	}
	r.publish(run, EventTypeSuiteRunFinished, payload)
}

func (r *SuiteRunner) publish(run domain.SuiteRun, typ EventType, payload any) {
	if r.bus == nil {
		return
	}
	key := string(run.ID)
	r.bus.Publish(key, NewEvent(key, typ, payload))
}
