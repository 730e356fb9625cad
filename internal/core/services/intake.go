package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/internal/core/ports"
)

// AcceptResult reports where an inbound notification ended up. Exactly one
// of JobID or Quarantine is set.
type AcceptResult struct {
	JobID      *domain.JobID          `json:"job_id,omitempty"`
	Quarantine *domain.QuarantineItem `json:"quarantine,omitempty"`
}

// IntakeService turns inbound recording notifications into jobs. Anything
// it cannot parse is quarantined and waits for an operator.
type IntakeService struct {
	logger *slog.Logger
	queue  *JobQueue
	store  ports.QuarantineStore
	bus    *ProgressBus
	now    func() time.Time
}

func NewIntakeService(logger *slog.Logger, queue *JobQueue, store ports.QuarantineStore, bus *ProgressBus) *IntakeService {
	return &IntakeService{
		logger: logger,
		queue:  queue,
		store:  store,
		bus:    bus,
		now:    time.Now,
	}
}

// ParseNotification decodes and validates a raw notification body.
// Every failure wraps domain.ErrMalformedPayload.
func ParseNotification(raw []byte) (domain.RecordingNotification, error) {
	var n domain.RecordingNotification
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&n); err != nil {
		return n, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	n.RecordingID = strings.TrimSpace(n.RecordingID)
	n.RecordingURL = strings.TrimSpace(n.RecordingURL)
	if n.RecordingID == "" {
		return n, fmt.Errorf("%w: recording_id is required", domain.ErrMalformedPayload)
	}
	if n.RecordingURL == "" {
		return n, fmt.Errorf("%w: recording_url is required", domain.ErrMalformedPayload)
	}
	u, err := url.Parse(n.RecordingURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return n, fmt.Errorf("%w: recording_url must be an absolute http(s) url", domain.ErrMalformedPayload)
	}
	return n, nil
}

// Accept enqueues a valid notification or quarantines a malformed one.
// A duplicate active job is reported as an error, not quarantined.
func (s *IntakeService) Accept(ctx context.Context, source string, raw []byte) (AcceptResult, error) {
	n, parseErr := ParseNotification(raw)
	if parseErr != nil {
		item := domain.QuarantineItem{
			ID:        domain.QuarantineID(uuid.New().String()),
			Source:    source,
			Payload:   string(raw),
			Reason:    parseErr.Error(),
			Status:    domain.QuarantinePending,
			CreatedAt: s.now().UTC(),
		}
		if err := s.store.InsertQuarantine(ctx, item); err != nil {
			return AcceptResult{}, fmt.Errorf("quarantine payload: %w", err)
		}
		s.logger.Warn("inbound payload quarantined", "quarantine_id", item.ID, "source", source, "reason", item.Reason)
		return AcceptResult{Quarantine: &item}, nil
	}

	id, err := s.queue.Enqueue(ctx, n.RecordingID, n.RecordingURL, n.Priority)
	if err != nil {
		return AcceptResult{}, err
	}
	return AcceptResult{JobID: &id}, nil
}

// Replay re-submits a pending item as a fresh job. When override is non-empty
// it replaces the stored payload. The item is claimed with a conditional
// update first, so concurrent replays produce at most one job.
func (s *IntakeService) Replay(ctx context.Context, id domain.QuarantineID, override []byte) (domain.JobID, error) {
	item, err := s.store.GetQuarantine(ctx, id)
	if err != nil {
		return "", err
	}
	if item.Status != domain.QuarantinePending {
		return "", domain.ErrQuarantineResolved
	}

	payload := []byte(item.Payload)
	if len(bytes.TrimSpace(override)) > 0 {
		payload = override
	}
	n, err := ParseNotification(payload)
	if err != nil {
		return "", err
	}

	jobID := domain.JobID(uuid.New().String())
	if err := s.store.ResolveQuarantine(ctx, id, domain.QuarantineReplayed, &jobID, string(payload)); err != nil {
		return "", err
	}

	if _, err := s.queue.EnqueueWithID(ctx, jobID, n.RecordingID, n.RecordingURL, n.Priority); err != nil {
		if reopenErr := s.store.ReopenQuarantine(ctx, id, err.Error()); reopenErr != nil {
			s.logger.Error("failed to reopen quarantine item", "quarantine_id", id, "error", reopenErr)
		}
		return "", fmt.Errorf("replay %s: %w", id, err)
	}

	s.logger.Info("quarantine item replayed", "quarantine_id", id, "job_id", jobID)
	if s.bus != nil {
		s.bus.Publish(n.RecordingID, NewEvent(n.RecordingID, EventTypeQuarantineReplayed, map[string]any{
			"quarantine_id": id,
			"job_id":        jobID,
			"subject_ref":   n.RecordingID,
		}))
	}
	return jobID, nil
}

// Discard closes a pending item without creating a job.
func (s *IntakeService) Discard(ctx context.Context, id domain.QuarantineID) error {
	item, err := s.store.GetQuarantine(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.ResolveQuarantine(ctx, id, domain.QuarantineDiscarded, nil, item.Payload); err != nil {
		return err
	}
	s.logger.Info("quarantine item discarded", "quarantine_id", id)
	return nil
}

func (s *IntakeService) Get(ctx context.Context, id domain.QuarantineID) (domain.QuarantineItem, error) {
	return s.store.GetQuarantine(ctx, id)
}

// List returns quarantine items, newest first. An empty status lists all.
func (s *IntakeService) List(ctx context.Context, status domain.QuarantineStatus, limit int) ([]domain.QuarantineItem, error) {
	if limit <= 0 {
		limit = 50
	}
	switch status {
	case "", domain.QuarantinePending, domain.QuarantineReplayed, domain.QuarantineDiscarded:
	default:
		return nil, fmt.Errorf("unknown quarantine status %q", status)
	}
	items, err := s.store.ListQuarantine(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	return items, nil
}
