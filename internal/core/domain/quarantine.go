package domain

import (
	"errors"
	"time"
)

type QuarantineID string

type QuarantineStatus string

const (
	QuarantinePending   QuarantineStatus = "pending"
	QuarantineReplayed  QuarantineStatus = "replayed"
	QuarantineDiscarded QuarantineStatus = "discarded"
)

// QuarantineItem is a malformed inbound work item held for an operator.
// It is outside the job retry mechanism: nothing replays it automatically.
type QuarantineItem struct {
	ID         QuarantineID     `json:"id"`
	Source     string           `json:"source"`
	Payload    string           `json:"payload"`
	Reason     string           `json:"reason"`
	Status     QuarantineStatus `json:"status"`
	JobID      *JobID           `json:"job_id,omitempty"`
	LastError  *string          `json:"last_error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}

// RecordingNotification is the inbound shape accepted by intake.
type RecordingNotification struct {
	RecordingID  string `json:"recording_id"`
	RecordingURL string `json:"recording_url"`
	Priority     int    `json:"priority,omitempty"`
}

var (
	ErrQuarantineNotFound = errors.New("quarantine item not found")
	ErrQuarantineResolved = errors.New("quarantine item already resolved")
	ErrMalformedPayload   = errors.New("malformed payload")
)
