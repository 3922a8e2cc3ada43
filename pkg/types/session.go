// Package types provides the core data types shared by the coordinator,
// the façade and the transports.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// StreamState is the lifecycle state of a session's response stream.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamLoading
	StreamStreaming
	StreamPaused
	StreamError
)

var streamStateNames = map[StreamState]string{
	StreamIdle:      "idle",
	StreamLoading:   "loading",
	StreamStreaming: "streaming",
	StreamPaused:    "paused",
	StreamError:     "error",
}

func (s StreamState) String() string {
	if name, ok := streamStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StreamState(%d)", int(s))
}

// MarshalText encodes the state by name so it survives JSON round trips.
func (s StreamState) MarshalText() ([]byte, error) {
	name, ok := streamStateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown stream state %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a state name.
func (s *StreamState) UnmarshalText(text []byte) error {
	for state, name := range streamStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown stream state %q", string(text))
}

// SessionInfo is the remote conversation metadata.
type SessionInfo struct {
	ID        string            `json:"id"`
	Title     string            `json:"title,omitempty"`
	Directory string            `json:"directory,omitempty"`
	Created   time.Time         `json:"created,omitempty"`
	Updated   time.Time         `json:"updated,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (s *SessionInfo) Clone() *SessionInfo {
	if s == nil {
		return nil
	}
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// SessionSnapshot is what a transport returns when a session is loaded.
type SessionSnapshot struct {
	Session  SessionInfo `json:"session"`
	Messages []Message   `json:"messages"`
	Tokens   *TokenState `json:"tokens,omitempty"`
}

// TokenState holds token counters for a session.
type TokenState struct {
	Input            int64 `json:"input"`
	Output           int64 `json:"output"`
	Total            int64 `json:"total"`
	CumulativeInput  int64 `json:"cumulativeInput"`
	CumulativeOutput int64 `json:"cumulativeOutput"`
	CumulativeTotal  int64 `json:"cumulativeTotal"`
}

// Max returns the per-counter maximum of t and o.
func (t TokenState) Max(o TokenState) TokenState {
	return TokenState{
		Input:            max(t.Input, o.Input),
		Output:           max(t.Output, o.Output),
		Total:            max(t.Total, o.Total),
		CumulativeInput:  max(t.CumulativeInput, o.CumulativeInput),
		CumulativeOutput: max(t.CumulativeOutput, o.CumulativeOutput),
		CumulativeTotal:  max(t.CumulativeTotal, o.CumulativeTotal),
	}
}

// Accumulate makes usage the latest turn and adds it to t's running totals.
func (t TokenState) Accumulate(usage TokenState) TokenState {
	return TokenState{
		Input:            usage.Input,
		Output:           usage.Output,
		Total:            usage.Total,
		CumulativeInput:  t.CumulativeInput + usage.Input,
		CumulativeOutput: t.CumulativeOutput + usage.Output,
		CumulativeTotal:  t.CumulativeTotal + usage.Total,
	}
}

// Notification is an out-of-band event attached to a session, such as a
// tool progress ping.
type Notification struct {
	ID       string          `json:"id,omitempty"`
	Kind     string          `json:"kind"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Received time.Time       `json:"received"`
}

// SessionState is the authoritative record for one conversation.
type SessionState struct {
	SessionID     string         `json:"sessionID"`
	Session       *SessionInfo   `json:"session,omitempty"`
	Messages      []Message      `json:"messages"`
	Tokens        TokenState     `json:"tokens"`
	Notifications []Notification `json:"notifications,omitempty"`
	StreamState   StreamState    `json:"streamState"`
	Error         string         `json:"error,omitempty"`
	LastUpdated   time.Time      `json:"lastUpdated"`
}

// NewSessionState returns an idle state with empty history.
func NewSessionState(id string) SessionState {
	return SessionState{
		SessionID:   id,
		Messages:    []Message{},
		StreamState: StreamIdle,
	}
}

// Loaded reports whether remote session metadata has been hydrated.
func (s SessionState) Loaded() bool {
	return s.Session != nil
}

// Clone returns a deep copy that shares no mutable memory with s.
func (s SessionState) Clone() SessionState {
	c := s
	c.Session = s.Session.Clone()
	c.Messages = CloneMessages(s.Messages)
	if s.Notifications != nil {
		c.Notifications = make([]Notification, len(s.Notifications))
		for i, n := range s.Notifications {
			c.Notifications[i] = n
			if n.Data != nil {
				c.Notifications[i].Data = append(json.RawMessage(nil), n.Data...)
			}
		}
	}
	return c
}
