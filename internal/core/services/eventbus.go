package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventTypeConnected          EventType = "connected"
	EventTypeKeepalive          EventType = "keepalive"
	EventTypeSuiteRunStarted    EventType = "suite_run.started"
	EventTypeTestRunFinished    EventType = "test_run.finished"
	EventTypeSuiteRunFinished   EventType = "suite_run.finished"
	EventTypeJobClaimed         EventType = "job.claimed"
	EventTypeJobDone            EventType = "job.done"
	EventTypeJobRetrying        EventType = "job.retrying"
	EventTypeJobFailed          EventType = "job.failed"
	EventTypeQuarantineReplayed EventType = "quarantine.replayed"
)

// DefaultKeepaliveInterval keeps idle proxies from closing quiet streams.
const DefaultKeepaliveInterval = 30 * time.Second

type Event struct {
	Key       string          `json:"key"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEvent builds an event with payload encoded as JSON.
func NewEvent(key string, typ EventType, payload any) Event {
	e := Event{Key: key, Type: typ, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			data, _ = json.Marshal(map[string]string{"error": err.Error()})
		}
		e.Data = data
	}
	return e
}

var (
	// ErrSinkClosed tells the bus to drop the subscription.
	ErrSinkClosed = errors.New("sink closed")
	// ErrSinkFull means this event was dropped but the sink stays subscribed.
	ErrSinkFull = errors.New("sink buffer full")
)

// Sink receives events for one observer connection.
type Sink interface {
	Send(e Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(e Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }

// Handle identifies one subscription.
type Handle uint64

// ProgressBus fans out events to live observers keyed by run id.
// Process-local: no backlog, no replay, nothing survives a restart.
type ProgressBus struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	subs      map[string]map[Handle]Sink
	next      atomic.Uint64
	keepalive time.Duration
}

func NewProgressBus(logger *slog.Logger, keepalive time.Duration) *ProgressBus {
	if keepalive <= 0 {
		keepalive = DefaultKeepaliveInterval
	}
	return &ProgressBus{
		logger:    logger,
		subs:      make(map[string]map[Handle]Sink),
		keepalive: keepalive,
	}
}

// Subscribe registers sink under key.
func (b *ProgressBus) Subscribe(key string, sink Sink) Handle {
	h := Handle(b.next.Add(1))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[key] == nil {
		b.subs[key] = make(map[Handle]Sink)
	}
	b.subs[key][h] = sink
	return h
}

// Unsubscribe removes a subscription. Calling it again is a no-op.
func (b *ProgressBus) Unsubscribe(key string, h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(key, h)
}

func (b *ProgressBus) removeLocked(key string, h Handle) {
	sinks, ok := b.subs[key]
	if !ok {
		return
	}
	delete(sinks, h)
	if len(sinks) == 0 {
		delete(b.subs, key)
	}
}

// Publish delivers e to every sink under key. A sink that errors is
// unsubscribed and delivery continues with the rest.
func (b *ProgressBus) Publish(key string, e Event) {
	if e.Key == "" {
		e.Key = key
	}

	// Snapshot so slow sinks never run under the lock
	b.mu.RLock()
	sinks := b.subs[key]
	if len(sinks) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make(map[Handle]Sink, len(sinks))
	for h, s := range sinks {
		targets[h] = s
	}
	b.mu.RUnlock()

	var failed []Handle
	for h, sink := range targets {
		err := sink.Send(e)
		switch {
		case err == nil:
		case errors.Is(err, ErrSinkFull):
			b.logger.Warn("progress sink full, dropping event", "key", key, "type", e.Type)
		default:
			b.logger.Debug("removing failed progress sink", "key", key, "error", err)
			failed = append(failed, h)
		}
	}

	if len(failed) == 0 {
		return
	}
	b.mu.Lock()
	for _, h := range failed {
		b.removeLocked(key, h)
	}
	b.mu.Unlock()
}

// Keys returns every key with at least one subscriber.
func (b *ProgressBus) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.subs))
	for k := range b.subs {
		keys = append(keys, k)
	}
	return keys
}

// SubscriberCount returns the number of sinks under key.
func (b *ProgressBus) SubscriberCount(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}

// Run publishes a keepalive to every active key until ctx is cancelled.
func (b *ProgressBus) Run(ctx context.Context) error {
	b.logger.Info("progress keepalive started", "interval", b.keepalive)
	ticker := time.NewTicker(b.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("progress keepalive stopped")
			return nil
		case <-ticker.C:
			for _, key := range b.Keys() {
				b.Publish(key, NewEvent(key, EventTypeKeepalive, nil))
			}
		}
	}
}

// ChannelSink buffers events for a reader loop such as an SSE handler.
// A full buffer drops the event rather than blocking the publisher.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 100
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

func (s *ChannelSink) Send(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- e:
		return nil
	default:
		return ErrSinkFull
	}
}

// Events is closed by Close.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close is safe to call more than once.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
