package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func seedCases(store *memStore, suiteID string, n int) {
	cases := make([]domain.TestCase, 0, n)
	for i := range n {
		cases = append(cases, domain.TestCase{
			ID:                 fmt.Sprintf("%s-tc-%d", suiteID, i),
			SuiteID:            suiteID,
			Name:               fmt.Sprintf("case %d", i),
			AudioRef:           fmt.Sprintf("https://x/%d.wav", i),
			ExpectedTranscript: "the quick brown fox",
		})
	}
	_ = store.SaveTestCases(context.Background(), cases)
}

func echoTranscriber(text string) transcriberFunc {
	return func(context.Context, string) (domain.TranscriptionResult, error) {
		return domain.TranscriptionResult{Text: text, Engine: "fake"}, nil
	}
}

func newTestRunner(store *memStore, tr domain.Transcriber, bus *ProgressBus, reports *MockReports) *SuiteRunner {
	var repo ports.ReportRepository
	if reports != nil {
		repo = reports
	}
	return NewSuiteRunner(testLogger(), store, tr, bus, repo, nil, domain.SuiteDefaults{})
}

func TestSuiteRunner_RunScoresEveryCase(t *testing.T) {
	store := newMemStore()
	seedCases(store, "s1", 5)

	reports := new(MockReports)
	reports.On("ArchiveSuiteRun", mock.Anything, mock.MatchedBy(func(r domain.SuiteRun) bool {
		return r.Status == domain.SuiteRunStatusCompleted
	}), mock.Anything).Return(nil)

	r := newTestRunner(store, echoTranscriber("the quick brown dog"), nil, reports)
	res, err := r.Run(context.Background(), "s1", RunOptions{Concurrency: 2})
	require.NoError(t, err)

	assert.Equal(t, domain.SuiteRunStatusCompleted, res.Run.Status)
	assert.NotNil(t, res.Run.CompletedAt)
	assert.Equal(t, 5, res.Total)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Passed, "0.25 is above the default threshold")
	require.Len(t, res.TestRuns, 5)

	seen := map[string]bool{}
	for _, tr := range res.TestRuns {
		assert.False(t, seen[tr.TestCaseID], "one test run per case")
		seen[tr.TestCaseID] = true
		assert.Equal(t, domain.TestRunStatusCompleted, tr.Status)
		assert.InDelta(t, 0.25, tr.WordErrorRate, 1e-9)
		assert.Equal(t, 4, tr.ReferenceWords)
		assert.Equal(t, 4, tr.HypothesisWords)
	}
	reports.AssertExpectations(t)
}

func TestSuiteRunner_FailedCallDoesNotAbortSiblings(t *testing.T) {
	store := newMemStore()
	seedCases(store, "s1", 4)

	tr := transcriberFunc(func(_ context.Context, ref string) (domain.TranscriptionResult, error) {
		if ref == "https://x/2.wav" {
			return domain.TranscriptionResult{}, errors.New("provider exploded")
		}
		return domain.TranscriptionResult{Text: "The quick, brown fox!"}, nil
	})
	r := newTestRunner(store, tr, nil, nil)

	res, err := r.Run(context.Background(), "s1", RunOptions{Concurrency: 4})
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusCompleted, res.Run.Status)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.Passed)
	require.Len(t, res.TestRuns, 4)

	for _, run := range res.TestRuns {
		if run.TestCaseID == "s1-tc-2" {
			assert.Equal(t, domain.TestRunStatusFailed, run.Status)
			require.NotNil(t, run.ErrorMessage)
			assert.Contains(t, *run.ErrorMessage, "provider exploded")
			assert.False(t, run.Passed)
			continue
		}
		assert.Zero(t, run.WordErrorRate)
		assert.True(t, run.Passed)
	}
}

func TestSuiteRunner_RespectsConcurrencyAndLimit(t *testing.T) {
	store := newMemStore()
	seedCases(store, "s1", 10)

	var inFlight, peak atomic.Int32
	tr := transcriberFunc(func(context.Context, string) (domain.TranscriptionResult, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return domain.TranscriptionResult{Text: "the quick brown fox"}, nil
	})
	r := newTestRunner(store, tr, nil, nil)

	res, err := r.Run(context.Background(), "s1", RunOptions{Concurrency: 2, Limit: 6})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Total)
	assert.Len(t, res.TestRuns, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 2, res.Run.Concurrency)
	assert.Equal(t, 6, res.Run.CaseLimit)
}

func TestSuiteRunner_NoTestCases(t *testing.T) {
	store := newMemStore()
	r := newTestRunner(store, echoTranscriber("x"), nil, nil)

	res, err := r.Run(context.Background(), "empty", RunOptions{})
	assert.ErrorIs(t, err, domain.ErrNoTestCases)
	assert.Equal(t, domain.SuiteRunStatusFailed, res.Run.Status)

	// The failed run releases the suite
	seedCases(store, "empty", 1)
	_, err = r.Run(context.Background(), "empty", RunOptions{})
	assert.NoError(t, err)
}

func TestSuiteRunner_SingleFlightPerSuite(t *testing.T) {
	store := newMemStore()
	seedCases(store, "s1", 3)
	seedCases(store, "s2", 1)

	release := make(chan struct{})
	tr := transcriberFunc(func(ctx context.Context, _ string) (domain.TranscriptionResult, error) {
		<-release
		return domain.TranscriptionResult{Text: "the quick brown fox"}, nil
	})
	r := newTestRunner(store, tr, nil, nil)
	ctx := context.Background()

	const callers = 8
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		rejected atomic.Int32
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Start(ctx, "s1", RunOptions{})
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, domain.ErrSuiteAlreadyRunning):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(callers-1), rejected.Load())

	// Other suites are unaffected
	_, err := r.Start(ctx, "s2", RunOptions{})
	assert.NoError(t, err)

	close(release)
	r.Wait()

	_, err = r.Start(ctx, "s1", RunOptions{})
	assert.NoError(t, err, "a finished run frees the suite")
	r.Wait()
}

func TestSuiteRunner_PublishesProgress(t *testing.T) {
	store := newMemStore()
	seedCases(store, "s1", 3)
	bus := newTestBus()

	gate := make(chan struct{})
	tr := transcriberFunc(func(context.Context, string) (domain.TranscriptionResult, error) {
		<-gate
		return domain.TranscriptionResult{Text: "the quick brown fox"}, nil
	})
	r := newTestRunner(store, tr, bus, nil)

	run, err := r.Start(context.Background(), "s1", RunOptions{Concurrency: 1})
	require.NoError(t, err)

	sink := NewChannelSink(20)
	bus.Subscribe(string(run.ID), sink)
	close(gate)
	r.Wait()

	var types []EventType
	for len(sink.Events()) > 0 {
		types = append(types, (<-sink.Events()).Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, EventTypeSuiteRunFinished, types[len(types)-1])
	assert.Contains(t, types, EventTypeTestRunFinished)
}

func TestSuiteRunner_PersistFailureFailsRun(t *testing.T) {
	store := newMemStore()
	seedCases(store, "s1", 2)
	store.insertTestRunErr = errors.New("disk full")

	r := newTestRunner(store, echoTranscriber("the quick brown fox"), nil, nil)
	res, err := r.Run(context.Background(), "s1", RunOptions{})
	require.Error(t, err)
	assert.Equal(t, domain.SuiteRunStatusFailed, res.Run.Status)
	require.NotNil(t, res.Run.ErrorMessage)
	assert.Contains(t, *res.Run.ErrorMessage, "2 of 2")
}

func TestSuiteRunner_SweepStale(t *testing.T) {
	store := newMemStore()
	seedCases(store, "s1", 1)

	release := make(chan struct{})
	tr := transcriberFunc(func(context.Context, string) (domain.TranscriptionResult, error) {
		<-release
		return domain.TranscriptionResult{Text: "the quick brown fox"}, nil
	})
	r := newTestRunner(store, tr, nil, nil)
	ctx := context.Background()

	run, err := r.Start(ctx, "s1", RunOptions{})
	require.NoError(t, err)

	_, err = r.SweepStale(ctx, 0)
	assert.Error(t, err)

	ids, err := r.SweepStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ids)

	time.Sleep(5 * time.Millisecond)
	ids, err = r.SweepStale(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []domain.SuiteRunID{run.ID}, ids)

	close(release)
	r.Wait()

	// The late finish does not overwrite the swept status
	got, err := store.GetSuiteRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "abandoned")
}

func TestSuiteRunner_SetDefaults(t *testing.T) {
	r := newTestRunner(newMemStore(), echoTranscriber(""), nil, nil)
	d := r.Defaults()
	assert.Equal(t, 3, d.Concurrency)
	assert.Equal(t, 50, d.Limit)
	assert.InDelta(t, 0.15, d.PassThreshold, 1e-9)

	r.SetDefaults(domain.SuiteDefaults{Concurrency: 7})
	d = r.Defaults()
	assert.Equal(t, 7, d.Concurrency)
	assert.Equal(t, 50, d.Limit)
}
