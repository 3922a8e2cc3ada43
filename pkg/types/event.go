package types

import "encoding/json"

// StreamEvent is one incoming unit of a reply stream.
type StreamEvent interface {
	streamEvent()
}

// MessageEvent carries a message fragment. Fragments sharing an id with the
// last message are merged into it.
type MessageEvent struct {
	Message Message
}

func (MessageEvent) streamEvent() {}

// TokenUsageEvent replaces the session's token counters.
type TokenUsageEvent struct {
	Tokens TokenState
}

func (TokenUsageEvent) streamEvent() {}

// TurnUsageEvent reports the usage of the turn being streamed so far. Only
// the per-turn counters are set; the cumulative ones are derived from the
// session's counters when the stream started.
type TurnUsageEvent struct {
	Usage TokenState
}

func (TurnUsageEvent) streamEvent() {}

// ReplaceEvent carries the authoritative conversation and overwrites the
// history wholesale.
type ReplaceEvent struct {
	Messages []Message
}

func (ReplaceEvent) streamEvent() {}

// NotificationEvent appends to the session's notification queue.
type NotificationEvent struct {
	Notification Notification
}

func (NotificationEvent) streamEvent() {}

// PingEvent keeps the channel from looking stalled.
type PingEvent struct{}

func (PingEvent) streamEvent() {}

// InfoEvent reports something like a model or mode change mid-session.
type InfoEvent struct {
	Kind   string
	Detail json.RawMessage
}

func (InfoEvent) streamEvent() {}

// ErrorEvent is a terminal, protocol-level error for the stream.
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) streamEvent() {}

// EventKind names an event for logs and metrics.
func EventKind(ev StreamEvent) string {
	switch ev.(type) {
	case MessageEvent:
		return "message"
	case TokenUsageEvent:
		return "token_usage"
	case TurnUsageEvent:
		return "turn_usage"
	case ReplaceEvent:
		return "replace"
	case NotificationEvent:
		return "notification"
	case PingEvent:
		return "ping"
	case InfoEvent:
		return "info"
	case ErrorEvent:
		return "error"
	default:
		return "unknown"
	}
}
