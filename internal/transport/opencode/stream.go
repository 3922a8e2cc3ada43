package opencode

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	sdk "github.com/sst/opencode-sdk-go"

	"github.com/opencode-ai/sessionstream/pkg/types"
)

// feed is the SDK's server-sent event stream.
type feed interface {
	Next() bool
	Current() sdk.EventListResponse
	Err() error
	Close() error
}

type promptResult struct {
	resp *sdk.SessionPromptResponse
	err  error
}

// reply accumulates the parts of one message produced during the turn.
type reply struct {
	id    string
	role  string
	order []string
	parts map[string][]types.Segment
}

func (r *reply) set(partID string, segs []types.Segment) {
	if _, ok := r.parts[partID]; !ok {
		r.order = append(r.order, partID)
	}
	r.parts[partID] = segs
}

func (r *reply) message() types.Message {
	msg := types.Message{ID: r.id, Role: r.role, Content: []types.Segment{}}
	for _, id := range r.order {
		msg.Content = append(msg.Content, r.parts[id]...)
	}
	return msg
}

// eventStream turns the server's global event feed into the session's
// reply stream. Part updates carry whole parts, so every change is
// reported as the full history: the sent messages followed by the
// assistant messages of this turn.
type eventStream struct {
	ctx    context.Context
	id     string
	src    feed
	cancel context.CancelFunc
	abort  func(id string)

	history []types.Message
	replies []*reply
	byID    map[string]*reply
	usage   map[string]types.TokenState

	frames   chan sdk.EventListResponse
	srcErr   error
	prompted chan promptResult

	pending   []types.StreamEvent
	cur       types.StreamEvent
	err       error
	done      bool
	completed bool

	closeOnce sync.Once
}

func newEventStream(ctx context.Context, id string, history []types.Message, src feed, cancel context.CancelFunc, abort func(string)) *eventStream {
	s := &eventStream{
		ctx:      ctx,
		id:       id,
		src:      src,
		cancel:   cancel,
		abort:    abort,
		history:  types.CloneMessages(history),
		byID:     make(map[string]*reply),
		usage:    make(map[string]types.TokenState),
		frames:   make(chan sdk.EventListResponse),
		prompted: make(chan promptResult, 1),
	}
	go s.read()
	return s
}

func (s *eventStream) read() {
	defer close(s.frames)
	for s.src.Next() {
		select {
		case s.frames <- s.src.Current():
		case <-s.ctx.Done():
			return
		}
	}
	s.srcErr = s.src.Err()
}

// answered folds the prompt's final response into the replies.
func (s *eventStream) answered(resp *sdk.SessionPromptResponse) {
	r := s.reply(resp.Info.ID)
	r.role = types.RoleAssistant
	for _, p := range resp.Parts {
		r.set(p.ID, segments(p))
	}
	s.usage[resp.Info.ID] = assistantUsage(resp.Info)
	s.pending = append(s.pending, s.replace(), s.turnUsage())
}

// turnUsage sums the usage of every assistant message of this turn.
func (s *eventStream) turnUsage() types.TurnUsageEvent {
	var sum types.TokenState
	for _, u := range s.usage {
		sum = addUsage(sum, u)
	}
	return types.TurnUsageEvent{Usage: sum}
}

func (s *eventStream) Next() bool {
	for {
		if len(s.pending) > 0 {
			s.cur = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		s.cur = nil
		if s.done {
			return false
		}

		select {
		case <-s.ctx.Done():
			s.finish(s.ctx.Err(), false)
		case res := <-s.prompted:
			// The server only answers once the turn is over.
			if res.err != nil {
				s.finish(res.err, false)
				continue
			}
			if res.resp != nil {
				s.answered(res.resp)
			}
			s.finish(nil, true)
		case ev, ok := <-s.frames:
			if !ok {
				s.finish(s.feedErr(), false)
				continue
			}
			s.translate(ev)
		}
	}
}

func (s *eventStream) Current() types.StreamEvent { return s.cur }
func (s *eventStream) Err() error                 { return s.err }

// Close stops reading and aborts the remote turn unless it already ended.
func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.src.Close()
		if !s.completed {
			s.abort(s.id)
		}
	})
	return nil
}

func (s *eventStream) finish(err error, completed bool) {
	s.done = true
	s.err = err
	s.completed = completed
}

func (s *eventStream) feedErr() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if s.srcErr != nil {
		return types.WrapError(types.CodeTransport, s.id, s.srcErr)
	}
	return types.WrapError(types.CodeTransport, s.id, errors.New("event feed closed before the reply finished"))
}

func (s *eventStream) reply(messageID string) *reply {
	r, ok := s.byID[messageID]
	if !ok {
		r = &reply{id: messageID, parts: make(map[string][]types.Segment)}
		s.byID[messageID] = r
		s.replies = append(s.replies, r)
	}
	return r
}

// replace reports the sent history plus every assistant reply so far.
func (s *eventStream) replace() types.StreamEvent {
	msgs := types.CloneMessages(s.history)
	for _, r := range s.replies {
		if r.role == types.RoleAssistant {
			msgs = append(msgs, r.message())
		}
	}
	return types.ReplaceEvent{Messages: msgs}
}

func (s *eventStream) sawReply() bool {
	for _, r := range s.replies {
		if r.role == types.RoleAssistant {
			return true
		}
	}
	return false
}

func (s *eventStream) translate(ev sdk.EventListResponse) {
	switch v := ev.AsUnion().(type) {
	case sdk.EventListResponseEventMessageUpdated:
		info := v.Properties.Info
		if info.SessionID != s.id {
			return
		}
		r := s.reply(info.ID)
		r.role = string(info.Role)
		if r.role != types.RoleAssistant {
			return
		}
		s.pending = append(s.pending, s.replace())
		if usage, ok := tokenUsage(info); ok {
			s.usage[info.ID] = usage
			s.pending = append(s.pending, s.turnUsage())
		}

	case sdk.EventListResponseEventMessagePartUpdated:
		part := v.Properties.Part
		if part.SessionID != s.id {
			return
		}
		r := s.reply(part.MessageID)
		r.set(part.ID, segments(part))
		if r.role == types.RoleAssistant {
			s.pending = append(s.pending, s.replace())
		}

	case sdk.EventListResponseEventSessionUpdated:
		if v.Properties.Info.ID != s.id {
			return
		}
		detail, _ := json.Marshal(v.Properties.Info)
		s.pending = append(s.pending, types.InfoEvent{Kind: "session.updated", Detail: detail})

	case sdk.EventListResponseEventSessionIdle:
		// An idle left over from an earlier turn can arrive before ours starts.
		if v.Properties.SessionID != s.id || !s.sawReply() {
			return
		}
		s.finish(nil, true)

	case sdk.EventListResponseEventSessionError:
		if v.Properties.SessionID != s.id {
			return
		}
		s.pending = append(s.pending, types.ErrorEvent{Message: string(v.Properties.Error.Name)})
		s.finish(nil, true)
	}
}
