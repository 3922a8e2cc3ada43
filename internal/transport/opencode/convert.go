package opencode

import (
	"encoding/json"
	"time"

	sdk "github.com/sst/opencode-sdk-go"

	"github.com/opencode-ai/sessionstream/pkg/types"
)

func sessionInfo(s *sdk.Session) types.SessionInfo {
	return types.SessionInfo{
		ID:        s.ID,
		Title:     s.Title,
		Directory: s.Directory,
		Created:   millis(s.Time.Created),
		Updated:   millis(s.Time.Updated),
	}
}

func millis(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(v))
}

func convertMessage(info sdk.Message, parts []sdk.Part) types.Message {
	msg := types.Message{
		ID:      info.ID,
		Role:    string(info.Role),
		Content: make([]types.Segment, 0, len(parts)),
	}
	for _, p := range parts {
		msg.Content = append(msg.Content, segments(p)...)
	}
	return msg
}

// segments converts one part. Tool parts yield a tool_use segment and,
// once completed, a tool_result segment with the output.
func segments(p sdk.Part) []types.Segment {
	switch v := p.AsUnion().(type) {
	case sdk.TextPart:
		return []types.Segment{types.TextSegment(v.Text)}
	case sdk.ToolPart:
		use := types.Segment{
			Type:       types.SegmentToolUse,
			ToolCallID: v.CallID,
			ToolName:   v.Tool,
		}
		if raw, err := json.Marshal(v.State); err == nil {
			use.Data = raw
		}
		out := []types.Segment{use}
		if done, ok := v.State.AsUnion().(sdk.ToolStateCompleted); ok {
			out = append(out, types.Segment{
				Type:       types.SegmentToolResult,
				ToolCallID: v.CallID,
				ToolName:   v.Tool,
				Text:       done.Output,
			})
		}
		return out
	default:
		return nil
	}
}

// tokenUsage returns the counters of an assistant message.
func tokenUsage(info sdk.Message) (types.TokenState, bool) {
	a, ok := info.AsUnion().(sdk.AssistantMessage)
	if !ok {
		return types.TokenState{}, false
	}
	return assistantUsage(a), true
}

func assistantUsage(a sdk.AssistantMessage) types.TokenState {
	in, out := int64(a.Tokens.Input), int64(a.Tokens.Output)
	return types.TokenState{Input: in, Output: out, Total: in + out}
}

// addUsage sums the per-turn counters of two reports.
func addUsage(a, b types.TokenState) types.TokenState {
	return types.TokenState{Input: a.Input + b.Input, Output: a.Output + b.Output, Total: a.Total + b.Total}
}

func lastUserText(messages []types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			return messages[i].Text()
		}
	}
	return ""
}
