package services

import (
	"context"
	"sync/atomic"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

type transcriberBox struct {
	t domain.Transcriber
}

// SwappableTranscriber lets a settings change replace the provider while
// workers keep a stable reference. Calls in flight finish on the old one.
type SwappableTranscriber struct {
	current atomic.Pointer[transcriberBox]
}

func NewSwappableTranscriber(t domain.Transcriber) *SwappableTranscriber {
	s := &SwappableTranscriber{}
	s.Swap(t)
	return s
}

func (s *SwappableTranscriber) Swap(t domain.Transcriber) {
	s.current.Store(&transcriberBox{t: t})
}

func (s *SwappableTranscriber) Transcribe(ctx context.Context, audioRef string) (domain.TranscriptionResult, error) {
	box := s.current.Load()
	if box == nil || box.t == nil {
		return domain.TranscriptionResult{}, domain.ErrTranscriberUnavailable
	}
	return box.t.Transcribe(ctx, audioRef)
}
