package domain

import (
	"context"
	"errors"
	"fmt"
)

// Transcriber defines the interface for speech-to-text services
type Transcriber interface {
	Transcribe(ctx context.Context, audioRef string) (TranscriptionResult, error)
}

// TranscriptionResult is what a Transcriber returns on success.
type TranscriptionResult struct {
	Text   string `json:"text"`
	Engine string `json:"engine"`
}

// ErrTranscriberUnavailable is returned while the provider circuit is open.
var ErrTranscriberUnavailable = errors.New("transcriber unavailable")

// ProviderError wraps a failed provider call with enough context to decide
// whether it counts against the circuit breaker.
type ProviderError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider call failed: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
