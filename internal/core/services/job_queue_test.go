package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/pkg/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestQueue retries immediately unless cfg asks for a backoff.
func newTestQueue(store *memStore, cfg QueueConfig) *JobQueue {
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.None{}
	}
	return NewJobQueue(testLogger(), store, nil, cfg)
}

func TestJobQueue_EnqueueValidates(t *testing.T) {
	q := newTestQueue(newMemStore(), QueueConfig{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "", "https://x/a.wav", 0)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)

	_, err = q.Enqueue(ctx, "rec-1", "  ", 0)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)

	id, err := q.Enqueue(ctx, "rec-1", "https://x/a.wav", 2)
	require.NoError(t, err)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, domain.DefaultMaxAttempts, job.MaxAttempts)
	assert.Equal(t, 2, job.Priority)
	assert.Nil(t, job.DedupeKey)
}

func TestJobQueue_DedupeActive(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store, QueueConfig{DedupeActive: true})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "rec-1", "https://x/a.wav", 0)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "rec-1", "https://x/a.wav", 0)
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveJob)

	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.NoError(t, q.Complete(ctx, id))

	// Terminal jobs no longer block the subject
	_, err = q.Enqueue(ctx, "rec-1", "https://x/a.wav", 0)
	assert.NoError(t, err)
}

func TestJobQueue_ClaimOrder(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store, QueueConfig{})
	ctx := context.Background()

	// Enqueue times stay in the past so every job is already claimable
	clock := time.Now().Add(-time.Hour)
	q.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	low, _ := q.Enqueue(ctx, "a", "p", 0)
	oldHigh, _ := q.Enqueue(ctx, "b", "p", 5)
	newHigh, _ := q.Enqueue(ctx, "c", "p", 5)

	var order []domain.JobID
	for range 3 {
		job, err := q.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []domain.JobID{oldHigh, newHigh, low}, order)

	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job, "empty queue claims nothing")
}

func TestJobQueue_FailRequeuesUntilExhausted(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store, QueueConfig{MaxAttempts: 3})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "rec-1", "p", 0)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		assert.Equal(t, attempt, job.Attempts)

		updated, err := q.Fail(ctx, id, errors.New("provider timeout"))
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, domain.JobStatusQueued, updated.Status)
		} else {
			assert.Equal(t, domain.JobStatusFailed, updated.Status)
		}
		require.NotNil(t, updated.ErrorMessage)
		assert.Equal(t, "provider timeout", *updated.ErrorMessage)
	}

	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job, "failed job is never claimed again")
}

func TestJobQueue_CompleteOnlyFromProcessing(t *testing.T) {
	q := newTestQueue(newMemStore(), QueueConfig{})
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "rec-1", "p", 0)
	assert.ErrorIs(t, q.Complete(ctx, id), domain.ErrJobNotProcessing)

	_, _ = q.ClaimNext(ctx, "w1")
	require.NoError(t, q.Complete(ctx, id))
	assert.NoError(t, q.Complete(ctx, id), "completing a done job is a no-op")

	_, err := q.Fail(ctx, id, errors.New("late"))
	assert.ErrorIs(t, err, domain.ErrJobNotProcessing)

	assert.ErrorIs(t, q.Complete(ctx, "missing"), domain.ErrJobNotFound)
}

func TestJobQueue_Reap(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store, QueueConfig{MaxAttempts: 2})
	ctx := context.Background()

	_, err := q.Reap(ctx, 0)
	assert.Error(t, err)

	retryable, _ := q.Enqueue(ctx, "a", "p", 1)
	_, _ = q.ClaimNext(ctx, "w1")

	exhausted, _ := q.Enqueue(ctx, "b", "p", 0)
	_, _ = q.ClaimNext(ctx, "w1")
	_, _ = q.Fail(ctx, exhausted, errors.New("x"))
	_, _ = q.ClaimNext(ctx, "w1") // second and last attempt

	// Nothing is older than an hour yet
	n, err := q.Reap(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = q.Reap(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	job, _ := q.Get(ctx, retryable)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Nil(t, job.StartedAt)
	assert.Equal(t, 1, job.Attempts, "reaping keeps the attempt count")

	job, _ = q.Get(ctx, exhausted)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
}

func TestJobQueue_ConcurrentClaimersNeverShareAJob(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store, QueueConfig{})
	ctx := context.Background()

	const jobs = 50
	for range jobs {
		_, err := q.Enqueue(ctx, "rec", "p", 0)
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[domain.JobID]int{}
		wg      sync.WaitGroup
	)
	for w := range 8 {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				job, err := q.ClaimNext(ctx, "w")
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestJobQueue_ListDefaults(t *testing.T) {
	q := newTestQueue(newMemStore(), QueueConfig{})
	ctx := context.Background()

	for range 3 {
		_, _ = q.Enqueue(ctx, "rec-1", "p", 0)
	}
	_, _ = q.Enqueue(ctx, "rec-2", "p", 0)

	jobs, err := q.List(ctx, domain.JobFilter{SubjectRef: "rec-1"})
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	jobs, err = q.List(ctx, domain.JobFilter{Status: domain.JobStatusQueued, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

type delayFunc func(attempt int) time.Duration

func (f delayFunc) Delay(attempt int) time.Duration { return f(attempt) }

func TestJobQueue_FailDelaysRetry(t *testing.T) {
	store := newMemStore()
	var seen []int
	q := newTestQueue(store, QueueConfig{
		MaxAttempts: 3,
		Backoff: delayFunc(func(attempt int) time.Duration {
			seen = append(seen, attempt)
			return time.Hour
		}),
	})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "rec-1", "p", 0)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	before := time.Now()
	updated, err := q.Fail(ctx, id, errors.New("provider timeout"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, updated.Status)
	assert.WithinDuration(t, before.Add(time.Hour), updated.AvailableAt, time.Minute)
	assert.Equal(t, []int{1}, seen)

	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job, "job waits out its backoff")

	// Once the delay has passed the job is claimable again
	store.mu.Lock()
	j := store.jobs[id]
	j.AvailableAt = time.Now().Add(-time.Second)
	store.jobs[id] = j
	store.mu.Unlock()

	job, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)

	_, err = q.FailClaim(ctx, *job, errors.New("provider timeout"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestJobQueue_ClaimFence(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store, QueueConfig{})
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "rec-1", "p", 0)
	first, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)

	// w1 stalls past the timeout and w2 picks the job up
	now := q.now
	q.now = func() time.Time { return now().Add(2 * time.Hour) }
	n, err := q.Reap(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	q.now = now

	second, err := q.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, id, second.ID)

	assert.ErrorIs(t, q.CompleteClaim(ctx, *first), domain.ErrStaleClaim)
	_, err = q.FailClaim(ctx, *first, errors.New("late"))
	assert.ErrorIs(t, err, domain.ErrStaleClaim)

	job, _ := q.Get(ctx, id)
	assert.Equal(t, domain.JobStatusProcessing, job.Status, "stale writes leave the new claim alone")

	require.NoError(t, q.CompleteClaim(ctx, *second))
	job, _ = q.Get(ctx, id)
	assert.Equal(t, domain.JobStatusDone, job.Status)
}
