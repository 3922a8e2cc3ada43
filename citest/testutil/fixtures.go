package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/opencode-ai/sessionstream/pkg/types"
)

// RandomString generates a random string of n characters
func RandomString(n int) string {
	bytes := make([]byte, n/2+1)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)[:n]
}

// ---- Test Session Manager ----

// SessionManager creates agent sessions, tracks them in the coordinator and
// deletes them on cleanup.
type SessionManager struct {
	client   *TestClient
	agent    *MockAgent
	sessions []string
}

// NewSessionManager creates a session manager
func NewSessionManager(client *TestClient, agent *MockAgent) *SessionManager {
	return &SessionManager{
		client: client,
		agent:  agent,
	}
}

// Create registers a session with the agent, then initializes and loads it.
func (m *SessionManager) Create(ctx context.Context, title string) (*types.SessionState, error) {
	id := m.agent.AddSession(title)
	if _, err := m.client.InitSession(ctx, id); err != nil {
		return nil, err
	}
	m.sessions = append(m.sessions, id)
	return m.client.LoadSession(ctx, id)
}

// Cleanup deletes all tracked sessions
func (m *SessionManager) Cleanup(ctx context.Context) {
	for _, id := range m.sessions {
		m.client.DeleteSession(ctx, id)
	}
	m.sessions = m.sessions[:0]
}

// ---- Assertion Matchers ----

// EventMatcher helps match SSE events
type EventMatcher struct {
	events []SSEEvent
}

// NewEventMatcher creates an event matcher
func NewEventMatcher(events []SSEEvent) *EventMatcher {
	return &EventMatcher{events: events}
}

// States returns the stream states sessionID passed through, with
// consecutive repeats collapsed.
func (m *EventMatcher) States(sessionID string) []types.StreamState {
	var states []types.StreamState
	for _, evt := range m.events {
		props, err := evt.Delta()
		if err != nil || props.SessionID != sessionID {
			continue
		}
		s := props.State.StreamState
		if len(states) == 0 || states[len(states)-1] != s {
			states = append(states, s)
		}
	}
	return states
}
