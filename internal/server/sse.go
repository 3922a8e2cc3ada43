package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opencode-ai/sessionstream/internal/event"
	"github.com/opencode-ai/sessionstream/internal/logging"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

// SSEvent is the payload of every event frame:
// {"type": "...", "properties": {...}}.
type SSEvent struct {
	Type       string `json:"type"`
	Properties any    `json:"properties"`
}

// DeltaProperties carries one delta and the session state after it.
type DeltaProperties struct {
	SessionID string             `json:"sessionID"`
	Delta     types.Delta        `json:"delta"`
	State     types.SessionState `json:"state"`
}

// Event types sent on /event.
const (
	EventServerConnected = "server.connected"
	EventSessionDelta    = "session.delta"
	EventSessionRemoved  = "session.removed"
)

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second

	sseBuffer = 64
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

// writeEvent writes one SSE frame and flushes it.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	s.flush()
	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) flush() {
	// ResponseController sees through middleware wrappers.
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
}

func toSSEvent(e event.Event) SSEvent {
	typ := EventSessionDelta
	if e.Removed() {
		typ = EventSessionRemoved
	}
	return SSEvent{
		Type: typ,
		Properties: DeltaProperties{
			SessionID: e.SessionID(),
			Delta:     e.Delta,
			State:     e.State,
		},
	}
}

// events handles GET /event. With ?sessionID= only that session's deltas
// are sent.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flush()

	// Subscribers run on the façade's receive goroutine, so a slow client
	// loses events rather than stalling every session.
	events := make(chan event.Event, sseBuffer)
	deliver := func(e event.Event) {
		select {
		case events <- e:
		default:
			logging.Warn().
				Str("session_id", e.SessionID()).
				Str("kind", string(e.Delta.Kind)).
				Msg("SSE event dropped: channel full")
		}
	}

	var unsub func()
	if sessionID != "" {
		unsub = s.facade.Subscribe(sessionID, deliver)
	} else {
		unsub = s.facade.SubscribeAll(deliver)
	}
	defer unsub()

	// Sent after subscribing, so everything after it reaches the client.
	if err := sse.writeEvent("message", SSEvent{Type: EventServerConnected, Properties: map[string]any{}}); err != nil {
		return
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			if err := sse.writeEvent("message", toSSEvent(e)); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}
