package headless

import (
	"time"

	"github.com/opencode-ai/sessionstream/pkg/types"
)

// OutputFormat defines the output format for headless mode.
type OutputFormat string

const (
	// OutputText is human-readable streaming text output.
	OutputText OutputFormat = "text"
	// OutputJSON is final JSON result summary.
	OutputJSON OutputFormat = "json"
	// OutputJSONL is streaming JSONL events.
	OutputJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat accepts "text", "json" or "jsonl".
func ParseOutputFormat(s string) (OutputFormat, bool) {
	switch f := OutputFormat(s); f {
	case OutputText, OutputJSON, OutputJSONL:
		return f, true
	case "":
		return OutputText, true
	}
	return "", false
}

// ExitCode defines exit codes for headless mode.
type ExitCode int

const (
	// ExitSuccess indicates successful completion.
	ExitSuccess ExitCode = 0
	// ExitError indicates a general/unknown error.
	ExitError ExitCode = 1
	// ExitTimeout indicates timeout exceeded.
	ExitTimeout ExitCode = 2
	// ExitAborted indicates the turn was stopped by the user.
	ExitAborted ExitCode = 3
	// ExitTransportError indicates the agent server could not be reached.
	ExitTransportError ExitCode = 4
	// ExitInvalidInput indicates bad prompt or missing required flags.
	ExitInvalidInput ExitCode = 5
	// ExitSessionNotFound indicates the agent server has no such session.
	ExitSessionNotFound ExitCode = 6
	// ExitStreamError indicates the reply stream failed.
	ExitStreamError ExitCode = 7
)

// Config holds configuration for headless mode execution.
type Config struct {
	// Prompt is the user turn to send.
	Prompt string
	// SessionID is the agent server session to continue.
	SessionID string
	// OutputFormat specifies the output format (text, json, jsonl).
	OutputFormat OutputFormat
	// Timeout is the maximum execution time. Zero means none.
	Timeout time.Duration
	// Quiet suppresses progress output, only shows reply text.
	Quiet bool
	// Verbose shows tool output and notifications.
	Verbose bool
	// NoColor disables colored text output.
	NoColor bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OutputFormat: OutputText,
		Timeout:      30 * time.Minute,
	}
}

// ToolCall represents a tool call in the result.
type ToolCall struct {
	ID     string `json:"id,omitempty"`
	Tool   string `json:"tool"`
	Output string `json:"output,omitempty"`
}

// Result holds the final result of a headless execution.
type Result struct {
	SessionID    string            `json:"session_id"`
	Status       string            `json:"status"` // "success", "error", "timeout", "aborted"
	DurationMS   int64             `json:"duration_ms"`
	Tokens       *types.TokenState `json:"tokens,omitempty"`
	Messages     int               `json:"messages"`
	ToolCalls    []ToolCall        `json:"tool_calls,omitempty"`
	FinalMessage string            `json:"final_message,omitempty"`
	Error        string            `json:"error,omitempty"`
	ExitCode     ExitCode          `json:"exit_code"`
}

// Event represents a JSONL event for streaming output.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Data      any       `json:"data"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType string, data any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}
