package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manthysbr/callpipe/internal/core/services"
)

const wsWriteTimeout = 10 * time.Second

// subscribe registers a buffered sink under key and returns it with its
// release func. The connected event is queued first.
func (s *Server) subscribe(key string) (*services.ChannelSink, func()) {
	sink := services.NewChannelSink(s.streamBuffer)
	_ = sink.Send(services.NewEvent(key, services.EventTypeConnected, map[string]string{"key": key}))
	h := s.bus.Subscribe(key, sink)
	return sink, func() {
		s.bus.Unsubscribe(key, h)
		sink.Close()
	}
}

// handleStreamSSE streams progress events for one run or subject as
// server-sent events. Nothing published before the connection is replayed.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	key, err := pathParam(r, "key")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink, release := s.subscribe(key)
	defer release()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sink.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("encode progress event", "key", key, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleStreamWS carries the same events as JSON text frames.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	key, err := pathParam(r, "key")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		s.logger.Debug("websocket upgrade failed", "key", key, "error", err)
		return
	}
	defer conn.Close()

	sink, release := s.subscribe(key)
	defer release()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Observers never send; reading only detects the close
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case evt, ok := <-sink.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("websocket write failed", "key", key, "error", err)
				return
			}
		}
	}
}
