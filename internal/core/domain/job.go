package domain

import (
	"errors"
	"time"
)

type JobID string

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// DefaultMaxAttempts is applied when a job is enqueued without an explicit limit.
const DefaultMaxAttempts = 5

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// Job is a durable unit of deferred work, typically "transcribe this recording".
type Job struct {
	ID           JobID      `json:"id"`
	SubjectRef   string     `json:"subject_ref"`
	Payload      string     `json:"payload"` // audio URL
	Status       JobStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	Priority     int        `json:"priority"`
	WorkerID     *string    `json:"worker_id,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
	// AvailableAt is the earliest time a queued job may be claimed. Failed
	// attempts push it forward by the queue's retry backoff.
	AvailableAt time.Time `json:"available_at"`

	// DedupeKey is set to SubjectRef when the enqueue policy allows a single
	// non-terminal job per subject. Storage enforces it with a partial index.
	DedupeKey *string `json:"-"`
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	Status     JobStatus
	SubjectRef string
	Limit      int
}

// Transcript is the persisted result of a transcription job, keyed by subject.
// Writes are upserts so a duplicate execution after a reap is harmless.
type Transcript struct {
	SubjectRef string    `json:"subject_ref"`
	JobID      JobID     `json:"job_id"`
	Engine     string    `json:"engine"`
	Text       string    `json:"text"`
	WordCount  int       `json:"word_count"`
	CreatedAt  time.Time `json:"created_at"`
}

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrDuplicateActiveJob = errors.New("duplicate_active_job")
	ErrJobNotProcessing   = errors.New("job is not processing")
	ErrStaleClaim         = errors.New("job was reclaimed by a later attempt")
	ErrTranscriptNotFound = errors.New("transcript not found")
)
