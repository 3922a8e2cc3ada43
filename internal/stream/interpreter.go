// Package stream turns incoming reply-stream events into session deltas.
package stream

import (
	"github.com/opencode-ai/sessionstream/pkg/types"
)

// Interpreter interprets the events of one reply stream. Token counters
// are clamped only against what this stream has already reported, never
// against earlier streams or a loaded snapshot. It is not safe for
// concurrent use.
type Interpreter struct {
	base types.TokenState
	last types.TokenState
	seen bool
}

// New starts a stream for a session whose counters were start when the
// stream opened.
func New(start types.TokenState) *Interpreter {
	return &Interpreter{base: start}
}

// Interpret maps one event onto the deltas it causes for state. It never
// modifies state. A terminal error event yields a *types.Error with code
// CodeStream and no deltas.
func (in *Interpreter) Interpret(state types.SessionState, ev types.StreamEvent) ([]types.Delta, error) {
	var tokens types.TokenState
	switch e := ev.(type) {
	case types.TokenUsageEvent:
		tokens = e.Tokens
	case types.TurnUsageEvent:
		tokens = in.base.Accumulate(e.Usage)
	default:
		return interpret(state, ev)
	}

	if in.seen {
		tokens = in.last.Max(tokens)
	}
	in.seen, in.last = true, tokens
	return []types.Delta{{SessionID: state.SessionID, Kind: types.DeltaTokens, Tokens: &tokens}}, nil
}

// Interpret interprets ev as the first event of a stream opened on state.
func Interpret(state types.SessionState, ev types.StreamEvent) ([]types.Delta, error) {
	return New(state.Tokens).Interpret(state, ev)
}

func interpret(state types.SessionState, ev types.StreamEvent) ([]types.Delta, error) {
	id := state.SessionID

	switch e := ev.(type) {
	case types.MessageEvent:
		return []types.Delta{mergeFragment(state, e.Message)}, nil

	case types.ReplaceEvent:
		return []types.Delta{{
			SessionID:       id,
			Kind:            types.DeltaMessages,
			ReplaceMessages: true,
			Messages:        types.CloneMessages(e.Messages),
		}}, nil

	case types.NotificationEvent:
		n := e.Notification
		return []types.Delta{{SessionID: id, Kind: types.DeltaNotification, Notification: &n}}, nil

	case types.PingEvent, types.InfoEvent:
		return nil, nil

	case types.ErrorEvent:
		msg := e.Message
		if msg == "" {
			msg = "stream terminated by remote error"
		}
		return nil, types.NewError(types.CodeStream, id, "%s", msg)

	default:
		return nil, nil
	}
}

// mergeFragment extends the last message when the fragment continues it
// and appends otherwise.
func mergeFragment(state types.SessionState, fragment types.Message) types.Delta {
	n := len(state.Messages)
	upsert := &types.MessageUpsert{Index: n, Message: fragment.Clone()}

	if n > 0 && fragment.ID != "" && state.Messages[n-1].ID == fragment.ID {
		upsert.Index = n - 1
		upsert.Message = state.Messages[n-1].Merge(fragment)
	}

	return types.Delta{SessionID: state.SessionID, Kind: types.DeltaUpsert, Upsert: upsert}
}
