package services

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/stretchr/testify/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory store for service tests. A single mutex stands
// in for the storage engine's row locking.
type memStore struct {
	mu          sync.Mutex
	jobs        map[domain.JobID]domain.Job
	transcripts map[string]domain.Transcript
	cases       []domain.TestCase
	runs        map[domain.SuiteRunID]domain.SuiteRun
	testRuns    []domain.TestRun
	quarantine  map[domain.QuarantineID]domain.QuarantineItem

	insertTestRunErr error
	insertJobErr     error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:        map[domain.JobID]domain.Job{},
		transcripts: map[string]domain.Transcript{},
		runs:        map[domain.SuiteRunID]domain.SuiteRun{},
		quarantine:  map[domain.QuarantineID]domain.QuarantineItem{},
	}
}

func (m *memStore) InsertJob(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertJobErr != nil {
		return m.insertJobErr
	}
	if job.DedupeKey != nil {
		for _, j := range m.jobs {
			if j.DedupeKey != nil && *j.DedupeKey == *job.DedupeKey && !j.Status.Terminal() {
				return domain.ErrDuplicateActiveJob
			}
		}
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) ClaimJob(_ context.Context, workerID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var best *domain.Job
	for _, j := range m.jobs {
		if j.Status != domain.JobStatusQueued || j.Attempts >= j.MaxAttempts || j.AvailableAt.After(now) {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			c := j
			best = &c
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = domain.JobStatusProcessing
	best.Attempts++
	best.StartedAt = &now
	best.WorkerID = &workerID
	m.jobs[best.ID] = *best
	return best, nil
}

func (m *memStore) CompleteJob(_ context.Context, id domain.JobID, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	switch {
	case j.Status == domain.JobStatusDone:
		return nil
	case attempt > 0 && j.Attempts != attempt:
		return domain.ErrStaleClaim
	case j.Status != domain.JobStatusProcessing:
		return domain.ErrJobNotProcessing
	}
	now := time.Now().UTC()
	j.Status = domain.JobStatusDone
	j.CompletedAt = &now
	m.jobs[id] = j
	return nil
}

func (m *memStore) FailJob(_ context.Context, id domain.JobID, attempt int, message string, retryAt time.Time) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if attempt > 0 && j.Attempts != attempt && !j.Status.Terminal() {
		return domain.Job{}, domain.ErrStaleClaim
	}
	if j.Status != domain.JobStatusProcessing {
		return domain.Job{}, domain.ErrJobNotProcessing
	}
	j.ErrorMessage = &message
	if j.Attempts >= j.MaxAttempts {
		now := time.Now().UTC()
		j.Status = domain.JobStatusFailed
		j.CompletedAt = &now
	} else {
		j.Status = domain.JobStatusQueued
		j.StartedAt = nil
		j.AvailableAt = retryAt
	}
	m.jobs[id] = j
	return j, nil
}

func (m *memStore) ReapJobs(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.Status != domain.JobStatusProcessing || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		if j.Attempts >= j.MaxAttempts {
			j.Status = domain.JobStatusFailed
		} else {
			j.Status = domain.JobStatusQueued
		}
		j.StartedAt = nil
		j.AvailableAt = time.Now().UTC()
		m.jobs[id] = j
		n++
	}
	return n, nil
}

func (m *memStore) GetJob(_ context.Context, id domain.JobID) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return j, nil
}

func (m *memStore) ListJobs(_ context.Context, f domain.JobFilter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.SubjectRef != "" && j.SubjectRef != f.SubjectRef {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) SaveTranscript(_ context.Context, t domain.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts[t.SubjectRef] = t
	return nil
}

func (m *memStore) GetTranscript(_ context.Context, subjectRef string) (domain.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcripts[subjectRef]
	if !ok {
		return domain.Transcript{}, domain.ErrTranscriptNotFound
	}
	return t, nil
}

func (m *memStore) SaveTestCases(_ context.Context, cases []domain.TestCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases = append(m.cases, cases...)
	return nil
}

func (m *memStore) ListTestCases(_ context.Context, suiteID string, limit int) ([]domain.TestCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TestCase
	for _, c := range m.cases {
		if c.SuiteID == suiteID {
			out = append(out, c)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) CreateSuiteRun(_ context.Context, run domain.SuiteRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.SuiteID == run.SuiteID && r.Status == domain.SuiteRunStatusRunning {
			return domain.ErrSuiteAlreadyRunning
		}
	}
	m.runs[run.ID] = run
	return nil
}

func (m *memStore) FinishSuiteRun(_ context.Context, id domain.SuiteRunID, status domain.SuiteRunStatus, message *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.Status != domain.SuiteRunStatusRunning {
		return false, nil
	}
	now := time.Now().UTC()
	r.Status, r.ErrorMessage, r.CompletedAt = status, message, &now
	m.runs[id] = r
	return true, nil
}

func (m *memStore) FailStaleSuiteRuns(_ context.Context, cutoff time.Time, message string) ([]domain.SuiteRunID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []domain.SuiteRunID
	for id, r := range m.runs {
		if r.Status == domain.SuiteRunStatusRunning && r.StartedAt.Before(cutoff) {
			now := time.Now().UTC()
			msg := message
			r.Status, r.ErrorMessage, r.CompletedAt = domain.SuiteRunStatusFailed, &msg, &now
			m.runs[id] = r
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) GetSuiteRun(_ context.Context, id domain.SuiteRunID) (domain.SuiteRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.SuiteRun{}, domain.ErrSuiteRunNotFound
	}
	return r, nil
}

func (m *memStore) ListSuiteRuns(_ context.Context, suiteID string, _ int) ([]domain.SuiteRunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SuiteRunSummary
	for _, r := range m.runs {
		if r.SuiteID == suiteID {
			out = append(out, domain.SuiteRunSummary{Run: r})
		}
	}
	return out, nil
}

func (m *memStore) InsertTestRun(_ context.Context, tr domain.TestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertTestRunErr != nil {
		return m.insertTestRunErr
	}
	m.testRuns = append(m.testRuns, tr)
	return nil
}

func (m *memStore) ListTestRuns(_ context.Context, runID domain.SuiteRunID) ([]domain.TestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TestRun
	for _, tr := range m.testRuns {
		if tr.SuiteRunID == runID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (m *memStore) InsertQuarantine(_ context.Context, item domain.QuarantineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quarantine[item.ID] = item
	return nil
}

func (m *memStore) GetQuarantine(_ context.Context, id domain.QuarantineID) (domain.QuarantineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.quarantine[id]
	if !ok {
		return domain.QuarantineItem{}, domain.ErrQuarantineNotFound
	}
	return item, nil
}

func (m *memStore) ListQuarantine(_ context.Context, status domain.QuarantineStatus, _ int) ([]domain.QuarantineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.QuarantineItem
	for _, item := range m.quarantine {
		if status == "" || item.Status == status {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *memStore) ResolveQuarantine(_ context.Context, id domain.QuarantineID, status domain.QuarantineStatus, jobID *domain.JobID, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.quarantine[id]
	if !ok {
		return domain.ErrQuarantineNotFound
	}
	if item.Status != domain.QuarantinePending {
		return domain.ErrQuarantineResolved
	}
	now := time.Now().UTC()
	item.Status, item.JobID, item.Payload, item.ResolvedAt = status, jobID, payload, &now
	m.quarantine[id] = item
	return nil
}

func (m *memStore) ReopenQuarantine(_ context.Context, id domain.QuarantineID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.quarantine[id]
	if !ok {
		return domain.ErrQuarantineNotFound
	}
	item.Status, item.JobID, item.ResolvedAt, item.LastError = domain.QuarantinePending, nil, nil, &lastError
	m.quarantine[id] = item
	return nil
}

// transcriberFunc adapts a function into a domain.Transcriber.
type transcriberFunc func(ctx context.Context, audioRef string) (domain.TranscriptionResult, error)

func (f transcriberFunc) Transcribe(ctx context.Context, audioRef string) (domain.TranscriptionResult, error) {
	return f(ctx, audioRef)
}

// MockReports mocks ports.ReportRepository
type MockReports struct {
	mock.Mock
}

func (m *MockReports) ArchiveSuiteRun(ctx context.Context, run domain.SuiteRun, testRuns []domain.TestRun) error {
	args := m.Called(ctx, run, testRuns)
	return args.Error(0)
}

func (m *MockReports) SuiteAccuracy(ctx context.Context, suiteID string) (domain.AccuracyReport, error) {
	args := m.Called(ctx, suiteID)
	return args.Get(0).(domain.AccuracyReport), args.Error(1)
}

// MockStarter mocks the scheduler's suite starter
type MockStarter struct {
	mock.Mock
}

func (m *MockStarter) Start(ctx context.Context, suiteID string, opts RunOptions) (domain.SuiteRun, error) {
	args := m.Called(ctx, suiteID, opts)
	return args.Get(0).(domain.SuiteRun), args.Error(1)
}
