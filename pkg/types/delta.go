package types

import "time"

// DeltaKind names what a delta changes.
type DeltaKind string

const (
	DeltaState        DeltaKind = "state"
	DeltaSnapshot     DeltaKind = "snapshot"
	DeltaMessages     DeltaKind = "messages"
	DeltaUpsert       DeltaKind = "upsert"
	DeltaTokens       DeltaKind = "tokens"
	DeltaNotification DeltaKind = "notification"
	DeltaRemoved      DeltaKind = "removed"
)

// MessageUpsert writes Message at Index, appending when Index is the
// current length.
type MessageUpsert struct {
	Index   int     `json:"index"`
	Message Message `json:"message"`
}

// Delta is a partial update of one session. Only the non-nil fields are
// applied. The coordinator applies deltas to its own map and ships the very
// same values to the façade, which applies them to its mirror.
type Delta struct {
	SessionID       string         `json:"sessionID"`
	Kind            DeltaKind      `json:"kind"`
	StreamState     *StreamState   `json:"streamState,omitempty"`
	Error           *string        `json:"error,omitempty"`
	Session         *SessionInfo   `json:"session,omitempty"`
	ReplaceMessages bool           `json:"replaceMessages,omitempty"`
	Messages        []Message      `json:"messages,omitempty"`
	Upsert          *MessageUpsert `json:"upsert,omitempty"`
	Tokens          *TokenState    `json:"tokens,omitempty"`
	Notification    *Notification  `json:"notification,omitempty"`
	LastUpdated     time.Time      `json:"lastUpdated"`
}

// Removed reports whether the delta announces the session's destruction.
func (d Delta) Removed() bool {
	return d.Kind == DeltaRemoved
}

// Apply returns the state with d folded in. s is not modified.
func (s SessionState) Apply(d Delta) SessionState {
	out := s
	if d.StreamState != nil {
		out.StreamState = *d.StreamState
	}
	if d.Error != nil {
		out.Error = *d.Error
	}
	if d.Session != nil {
		out.Session = d.Session.Clone()
	}
	if d.ReplaceMessages {
		out.Messages = CloneMessages(d.Messages)
	}
	if d.Upsert != nil {
		msgs := make([]Message, len(s.Messages), len(s.Messages)+1)
		copy(msgs, s.Messages)
		if i := d.Upsert.Index; i >= 0 && i < len(msgs) {
			msgs[i] = d.Upsert.Message.Clone()
		} else {
			msgs = append(msgs, d.Upsert.Message.Clone())
		}
		out.Messages = msgs
	}
	if d.Tokens != nil {
		out.Tokens = *d.Tokens
	}
	if d.Notification != nil {
		notes := make([]Notification, len(s.Notifications), len(s.Notifications)+1)
		copy(notes, s.Notifications)
		out.Notifications = append(notes, *d.Notification)
	}
	if !d.LastUpdated.IsZero() {
		out.LastUpdated = d.LastUpdated
	}
	return out
}

// StatePtr is a helper for building deltas.
func StatePtr(s StreamState) *StreamState {
	return &s
}

// StringPtr is a helper for building deltas.
func StringPtr(s string) *string {
	return &s
}
