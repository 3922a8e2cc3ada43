package session

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/sessionstream/internal/metrics"
	"github.com/opencode-ai/sessionstream/internal/stream"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

// startStream publishes the caller's messages, opens the reply stream and
// pumps it into the session. done fires when the stream ends: nil on
// completion or cancellation, the error otherwise.
func (c *Coordinator) startStream(id, prompt string, messages []types.Message, done func(Result)) {
	e, ok := c.sessions[id]
	if !ok {
		done(Result{Err: types.NewError(types.CodeSessionNotFound, id, "session not initialized")})
		return
	}
	if e.loading != nil {
		done(Result{Err: types.NewError(types.CodeState, id, "cannot start a stream while loading")})
		return
	}
	if !e.state.Loaded() {
		err := types.NewError(types.CodeState, id, "session must be loaded before streaming")
		c.fail(e, err)
		done(Result{Err: err})
		return
	}

	if len(messages) == 0 {
		if prompt == "" {
			done(Result{Err: types.NewError(types.CodeState, id, "nothing to send")})
			return
		}
		messages = append(types.CloneMessages(e.state.Messages),
			types.NewTextMessage(ulid.Make().String(), types.RoleUser, prompt))
	}

	// At most one stream per session: the previous caller resolves quietly.
	c.cancelStream(e)

	c.gen++
	ctx, cancel := context.WithCancel(c.ctx)
	h := &streamHandle{gen: c.gen, cancel: cancel, done: done, started: time.Now(), interp: stream.New(e.state.Tokens)}
	e.stream = h

	// The user turn is visible before any network activity.
	c.emit(e, types.Delta{
		Kind:            types.DeltaMessages,
		ReplaceMessages: true,
		Messages:        messages,
		StreamState:     types.StatePtr(types.StreamStreaming),
		Error:           types.StringPtr(""),
	})
	c.checkHistorySize(e)
	c.updateGauges()

	c.log.Debug().Str("session_id", id).Uint64("generation", h.gen).Int("messages", len(messages)).Msg("stream started")
	go c.pump(ctx, id, h.gen, types.CloneMessages(messages))
}

// stopStream cancels the active stream and returns the session to idle.
func (c *Coordinator) stopStream(id string) Result {
	e, ok := c.sessions[id]
	if !ok {
		return Result{}
	}
	c.cancelStream(e)
	return stateResult(e.state.Clone(), nil)
}

// cancelStream cancels e's active stream, if any. The stream's caller
// resolves without error and the session goes back to idle.
func (c *Coordinator) cancelStream(e *entry) {
	h := e.stream
	if h == nil {
		return
	}
	e.stream = nil
	h.cancel()

	c.emit(e, types.Delta{Kind: types.DeltaState, StreamState: types.StatePtr(types.StreamIdle)})
	c.metrics.RecordStreamOutcome(metrics.OutcomeCancelled)
	c.updateGauges()
	c.log.Debug().Str("session_id", e.state.SessionID).Uint64("generation", h.gen).Msg("stream cancelled")

	h.done(Result{})
}

// current returns the entry if gen is still its active stream.
func (c *Coordinator) current(id string, gen uint64) (*entry, bool) {
	if c.stopped {
		return nil, false
	}
	e, ok := c.sessions[id]
	if !ok || e.stream == nil || e.stream.gen != gen {
		return nil, false
	}
	return e, true
}

// pump runs off the loop. It reads one event at a time and waits for the
// loop to apply it before reading the next, so a cancellation posted in
// between is always seen before the next event is consumed.
func (c *Coordinator) pump(ctx context.Context, id string, gen uint64, messages []types.Message) {
	events, err := c.transport.OpenReplyStream(ctx, id, messages)
	if err != nil {
		c.post(func() { c.finishStream(id, gen, err) })
		return
	}
	defer events.Close()

	for ctx.Err() == nil && events.Next() {
		ev := events.Current()
		applied := make(chan bool, 1)
		if !c.post(func() { applied <- c.applyEvent(id, gen, ev) }) {
			return
		}
		select {
		case ok := <-applied:
			if !ok {
				return
			}
		case <-c.done:
			return
		}
	}

	err = events.Err()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	c.post(func() { c.finishStream(id, gen, err) })
}

// applyEvent folds one event into the session. It reports false when the
// pump should stop.
func (c *Coordinator) applyEvent(id string, gen uint64, ev types.StreamEvent) bool {
	e, ok := c.current(id, gen)
	if !ok {
		return false
	}
	c.metrics.RecordStreamEvent(types.EventKind(ev))

	if info, ok := ev.(types.InfoEvent); ok {
		c.log.Info().Str("session_id", id).Str("kind", info.Kind).RawJSON("detail", rawOrNull(info.Detail)).Msg("stream info")
	}

	deltas, err := e.stream.interp.Interpret(e.state, ev)
	if err != nil {
		c.endStream(e, err)
		return false
	}
	for _, d := range deltas {
		c.emit(e, d)
	}
	return true
}

// finishStream handles the end of the pump for generation gen.
func (c *Coordinator) finishStream(id string, gen uint64, err error) {
	e, ok := c.current(id, gen)
	if !ok {
		// Already cancelled, superseded or failed.
		return
	}
	if errors.Is(err, context.Canceled) {
		c.cancelStream(e)
		return
	}
	if err != nil {
		var se *types.Error
		if !errors.As(err, &se) {
			err = types.WrapError(types.CodeTransport, id, err)
		}
	}
	c.endStream(e, err)
}

// endStream releases the handle and resolves the caller exactly once.
func (c *Coordinator) endStream(e *entry, err error) {
	h := e.stream
	e.stream = nil
	h.cancel()

	log := c.log.With().Str("session_id", e.state.SessionID).Uint64("generation", h.gen).Dur("elapsed", time.Since(h.started)).Logger()
	if err != nil {
		c.fail(e, err)
		c.metrics.RecordStreamOutcome(metrics.OutcomeError)
		log.Error().Err(err).Msg("stream failed")
	} else {
		c.emit(e, types.Delta{Kind: types.DeltaState, StreamState: types.StatePtr(types.StreamIdle)})
		c.metrics.RecordStreamOutcome(metrics.OutcomeCompleted)
		log.Debug().Int("messages", len(e.state.Messages)).Msg("stream completed")
	}
	c.checkHistorySize(e)
	c.updateGauges()

	h.done(Result{Err: err})
}

func rawOrNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
