package headless

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/opencode-ai/sessionstream/internal/event"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

var (
	dim       = color.New(color.FgHiBlack)
	toolColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	doneColor = color.New(color.FgGreen)
)

// Printer renders one session's events in the configured format. It is
// driven from the façade's receive goroutine and must return quickly.
type Printer struct {
	mu        sync.Mutex
	writer    io.Writer
	format    OutputFormat
	quiet     bool
	verbose   bool
	startTime time.Time
	result    *Result

	// baseline is the history length before the turn; only later
	// messages are rendered.
	baseline  int
	printed   map[string]string
	seenTools map[string]bool
	lastState types.StreamState
	atLineEnd bool
}

// NewPrinter creates a new event printer.
func NewPrinter(writer io.Writer, format OutputFormat, quiet, verbose bool) *Printer {
	return &Printer{
		writer:    writer,
		format:    format,
		quiet:     quiet,
		verbose:   verbose,
		startTime: time.Now(),
		result: &Result{
			Status:   "running",
			ExitCode: ExitSuccess,
		},
		printed:   make(map[string]string),
		seenTools: make(map[string]bool),
		atLineEnd: true,
	}
}

// Begin records the state the turn starts from.
func (p *Printer) Begin(state types.SessionState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.SessionID = state.SessionID
	p.baseline = len(state.Messages)
	p.lastState = state.StreamState
	p.startTime = time.Now()

	if p.format == OutputText && !p.quiet {
		title := state.SessionID
		if state.Session != nil && state.Session.Title != "" {
			title = state.Session.Title
		}
		dim.Fprintf(p.writer, "[session:%s] %s (%d messages)\n", truncateID(state.SessionID), title, len(state.Messages))
	}
}

// HandleEvent processes one session event.
func (p *Printer) HandleEvent(e event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.track(e.State)

	switch p.format {
	case OutputText:
		p.handleTextEvent(e)
	case OutputJSONL:
		p.handleJSONLEvent(e)
	}
	p.lastState = e.State.StreamState
}

// handleTextEvent writes new reply text as it grows.
func (p *Printer) handleTextEvent(e event.Event) {
	if e.Removed() {
		p.newline()
		errColor.Fprintln(p.writer, "[error] session was destroyed")
		return
	}

	for _, m := range p.turn(e.State) {
		if m.Role != types.RoleAssistant {
			continue
		}
		p.writeText(m)
		if !p.quiet {
			p.writeTools(m)
		}
	}

	if p.quiet {
		return
	}

	if n := e.Delta.Notification; n != nil && p.verbose {
		p.newline()
		dim.Fprintf(p.writer, "[%s] %s\n", n.Kind, n.Message)
	}

	if e.State.StreamState == p.lastState {
		return
	}
	switch e.State.StreamState {
	case types.StreamStreaming:
		if p.verbose {
			dim.Fprintln(p.writer, "[assistant] Thinking...")
		}
	case types.StreamIdle:
		p.newline()
		doneColor.Fprintf(p.writer, "[done] Reply completed in %s", formatDuration(time.Since(p.startTime)))
		t := e.State.Tokens
		if t.Input > 0 || t.Output > 0 {
			fmt.Fprintf(p.writer, " (input: %d tokens, output: %d tokens)", t.Input, t.Output)
		}
		fmt.Fprintln(p.writer)
	case types.StreamError:
		p.newline()
		errColor.Fprintf(p.writer, "[error] %s\n", e.State.Error)
	}
}

// writeText prints the part of m's text not printed yet. A reply that was
// rewritten rather than extended is printed again on a new line.
func (p *Printer) writeText(m types.Message) {
	text := m.Text()
	prev := p.printed[m.ID]
	if text == prev {
		return
	}
	if strings.HasPrefix(text, prev) {
		p.write(text[len(prev):])
	} else {
		p.newline()
		p.write(text)
	}
	p.printed[m.ID] = text
}

func (p *Printer) writeTools(m types.Message) {
	for _, seg := range m.Content {
		key := seg.Type + ":" + seg.ToolCallID
		if seg.ToolCallID == "" || p.seenTools[key] {
			continue
		}
		switch seg.Type {
		case types.SegmentToolUse:
			p.seenTools[key] = true
			p.newline()
			toolColor.Fprintf(p.writer, "→ tool %s\n", seg.ToolName)
		case types.SegmentToolResult:
			p.seenTools[key] = true
			if p.verbose && seg.Text != "" {
				p.newline()
				dim.Fprintln(p.writer, truncateOutput(seg.Text, 200))
			}
		}
	}
}

func (p *Printer) write(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(p.writer, s)
	p.atLineEnd = strings.HasSuffix(s, "\n")
}

// newline ends a partially written line.
func (p *Printer) newline() {
	if !p.atLineEnd {
		fmt.Fprintln(p.writer)
		p.atLineEnd = true
	}
}

// handleJSONLEvent outputs events in JSONL format.
func (p *Printer) handleJSONLEvent(e event.Event) {
	typ := "session." + string(e.Delta.Kind)
	if !p.verbose && !isImportantDelta(e.Delta.Kind) {
		return
	}
	data, err := json.Marshal(NewEvent(typ, e.Delta))
	if err != nil {
		return
	}
	fmt.Fprintln(p.writer, string(data))
}

// track keeps the result current.
func (p *Printer) track(state types.SessionState) {
	turn := p.turn(state)
	p.result.Messages = len(state.Messages)
	if state.Tokens != (types.TokenState{}) {
		tokens := state.Tokens
		p.result.Tokens = &tokens
	}

	for _, m := range turn {
		if m.Role != types.RoleAssistant {
			continue
		}
		if text := m.Text(); text != "" {
			p.result.FinalMessage = text
		}
		for _, seg := range m.Content {
			if seg.Type == types.SegmentToolResult {
				p.trackToolCall(seg)
			}
		}
	}
}

func (p *Printer) trackToolCall(seg types.Segment) {
	for i, call := range p.result.ToolCalls {
		if call.ID == seg.ToolCallID {
			p.result.ToolCalls[i].Output = truncateOutput(seg.Text, 500)
			return
		}
	}
	p.result.ToolCalls = append(p.result.ToolCalls, ToolCall{
		ID:     seg.ToolCallID,
		Tool:   seg.ToolName,
		Output: truncateOutput(seg.Text, 500),
	})
}

// turn returns the messages added since Begin.
func (p *Printer) turn(state types.SessionState) []types.Message {
	if p.baseline >= len(state.Messages) {
		return nil
	}
	return state.Messages[p.baseline:]
}

// SetResult updates the result with final values.
func (p *Printer) SetResult(status string, exitCode ExitCode, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.Status = status
	p.result.ExitCode = exitCode
	if err != nil {
		p.result.Error = err.Error()
	}
	p.result.DurationMS = time.Since(p.startTime).Milliseconds()
}

// GetResult returns a copy of the current result.
func (p *Printer) GetResult() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := *p.result
	res.ToolCalls = append([]ToolCall(nil), p.result.ToolCalls...)
	if res.DurationMS == 0 {
		res.DurationMS = time.Since(p.startTime).Milliseconds()
	}
	return &res
}

// PrintFinalResult prints the final JSON result (for json format).
func (p *Printer) PrintFinalResult() {
	if p.format != OutputJSON {
		return
	}

	data, err := json.MarshalIndent(p.GetResult(), "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(p.writer, string(data))
}

// Helper functions

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func isImportantDelta(kind types.DeltaKind) bool {
	switch kind {
	case types.DeltaState, types.DeltaUpsert, types.DeltaMessages, types.DeltaRemoved:
		return true
	default:
		return false
	}
}
