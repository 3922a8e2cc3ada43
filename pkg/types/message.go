package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Segment types.
const (
	SegmentText       = "text"
	SegmentReasoning  = "reasoning"
	SegmentToolUse    = "tool_use"
	SegmentToolResult = "tool_result"
	SegmentImage      = "image"
)

// Message is one entry of a conversation history.
type Message struct {
	ID      string    `json:"id"`
	Role    string    `json:"role"` // "user" | "assistant" | "system" | "tool"
	Content []Segment `json:"content"`
	Created time.Time `json:"created,omitempty"`
}

// Segment is one piece of message content.
type Segment struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallID,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// TextSegment is a shorthand for a text segment.
func TextSegment(text string) Segment {
	return Segment{Type: SegmentText, Text: text}
}

// NewTextMessage builds a single-segment text message.
func NewTextMessage(id, role, text string) Message {
	return Message{
		ID:      id,
		Role:    role,
		Content: []Segment{TextSegment(text)},
		Created: time.Now(),
	}
}

// Text joins the text of all text segments.
func (m Message) Text() string {
	var b strings.Builder
	for _, seg := range m.Content {
		if seg.Type == SegmentText {
			b.WriteString(seg.Text)
		}
	}
	return b.String()
}

// singleText reports whether the message is exactly one text segment.
func (m Message) singleText() bool {
	return len(m.Content) == 1 && m.Content[0].Type == SegmentText
}

// Merge folds a fragment carrying the same message id into m. When both
// sides are a single text segment the texts are concatenated; otherwise
// the fragment's segments are appended.
func (m Message) Merge(fragment Message) Message {
	out := m.Clone()
	if out.Role == "" {
		out.Role = fragment.Role
	}
	if m.singleText() && fragment.singleText() {
		out.Content[0].Text += fragment.Content[0].Text
		return out
	}
	out.Content = append(out.Content, cloneSegments(fragment.Content)...)
	return out
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	c := m
	c.Content = cloneSegments(m.Content)
	return c
}

func cloneSegments(in []Segment) []Segment {
	if in == nil {
		return nil
	}
	out := make([]Segment, len(in))
	for i, seg := range in {
		out[i] = seg
		if seg.Data != nil {
			out[i].Data = append(json.RawMessage(nil), seg.Data...)
		}
	}
	return out
}

// CloneMessages deep-copies a history. A nil input yields an empty slice.
func CloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// LastUserText returns the text of the most recent user message.
func LastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Text()
		}
	}
	return ""
}
