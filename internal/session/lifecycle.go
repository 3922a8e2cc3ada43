package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencode-ai/sessionstream/pkg/types"
)

func (c *Coordinator) init(id string) types.SessionState {
	return c.ensure(id).state.Clone()
}

// load starts a snapshot fetch, or joins the one already in flight.
func (c *Coordinator) load(id string, done func(Result)) {
	e := c.ensure(id)

	if e.stream != nil {
		// Rejected without touching the live stream's state.
		done(stateResult(e.state.Clone(), types.NewError(types.CodeState, id, "cannot load while streaming")))
		return
	}
	if e.loading != nil {
		e.loading.waiters = append(e.loading.waiters, done)
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	op := &loadOp{cancel: cancel, waiters: []func(Result){done}, started: time.Now()}
	e.loading = op
	c.emit(e, types.Delta{
		Kind:        types.DeltaState,
		StreamState: types.StatePtr(types.StreamLoading),
		Error:       types.StringPtr(""),
	})

	log := c.log.With().Str("session_id", id).Logger()
	log.Debug().Msg("loading session")

	go func() {
		snap, err := c.fetch(ctx, id)
		c.post(func() { c.finishLoad(id, op, snap, err) })
	}()
}

// fetch calls the transport, retrying transport errors with exponential
// backoff. A missing session is not retried.
func (c *Coordinator) fetch(ctx context.Context, id string) (*types.SessionSnapshot, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryWait
	policy.MaxElapsedTime = 0

	var b backoff.BackOff = policy
	if c.loadRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(c.loadRetries))
	}
	b = backoff.WithContext(b, ctx)

	var snap *types.SessionSnapshot
	operation := func() error {
		s, err := c.transport.LoadSnapshot(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrSessionNotFound) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		snap = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("session_id", id).Dur("retry_in", wait).Msg("snapshot load failed, retrying")
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, loadError(id, err)
	}
	return snap, nil
}

// loadError normalises a load failure into the session error taxonomy.
func loadError(id string, err error) error {
	var se *types.Error
	if errors.As(err, &se) {
		if se.SessionID == "" {
			out := *se
			out.SessionID = id
			return &out
		}
		return se
	}
	return types.WrapError(types.CodeTransport, id, err)
}

func (c *Coordinator) finishLoad(id string, op *loadOp, snap *types.SessionSnapshot, err error) {
	op.cancel()
	if c.stopped {
		return
	}

	e, ok := c.sessions[id]
	if !ok || e.loading != op {
		// Destroyed or evicted while loading.
		for _, w := range op.waiters {
			w(Result{Err: types.NewError(types.CodeSessionNotFound, id, "session destroyed while loading")})
		}
		return
	}
	e.loading = nil

	log := c.log.With().Str("session_id", id).Logger()
	c.metrics.RecordLoad(time.Since(op.started), err == nil)

	if err != nil {
		log.Error().Err(err).Msg("session load failed")
		c.fail(e, err)
		for _, w := range op.waiters {
			w(stateResult(e.state.Clone(), err))
		}
		return
	}

	d := types.Delta{
		Kind:            types.DeltaSnapshot,
		Session:         &snap.Session,
		ReplaceMessages: true,
		Messages:        snap.Messages,
		StreamState:     types.StatePtr(types.StreamIdle),
		Error:           types.StringPtr(""),
	}
	if snap.Tokens != nil {
		tokens := *snap.Tokens
		d.Tokens = &tokens
	}
	c.emit(e, d)
	c.checkHistorySize(e)
	log.Info().Int("messages", len(snap.Messages)).Msg("session loaded")

	for _, w := range op.waiters {
		w(stateResult(e.state.Clone(), nil))
	}
}

// updateSession overwrites session metadata and history. Token counters
// and notifications are kept.
func (c *Coordinator) updateSession(id string, snap *types.SessionSnapshot) Result {
	if snap == nil {
		return Result{Err: types.NewError(types.CodeState, id, "missing snapshot")}
	}
	e := c.ensure(id)
	switch {
	case e.stream != nil:
		return stateResult(e.state.Clone(), types.NewError(types.CodeState, id, "cannot update while streaming"))
	case e.loading != nil:
		return stateResult(e.state.Clone(), types.NewError(types.CodeState, id, "cannot update while loading"))
	}

	c.emit(e, types.Delta{
		Kind:            types.DeltaSnapshot,
		Session:         &snap.Session,
		ReplaceMessages: true,
		Messages:        snap.Messages,
	})
	c.checkHistorySize(e)
	return stateResult(e.state.Clone(), nil)
}

// destroy stops any stream, abandons any load and removes the entry.
func (c *Coordinator) destroy(id string) {
	e, ok := c.sessions[id]
	if !ok {
		return
	}
	c.cancelStream(e)
	if op := e.loading; op != nil {
		e.loading = nil
		op.cancel()
		waiters := op.waiters
		op.waiters = nil
		for _, w := range waiters {
			w(Result{Err: types.NewError(types.CodeSessionNotFound, id, "session destroyed while loading")})
		}
	}
	delete(c.sessions, id)
	c.sink(types.Delta{SessionID: id, Kind: types.DeltaRemoved, LastUpdated: c.tick()})
	c.log.Debug().Str("session_id", id).Msg("session destroyed")
	c.updateGauges()
}

// evictIdle removes the oldest non-streaming sessions until at most
// maxSessions remain. Streaming sessions are never candidates.
func (c *Coordinator) evictIdle(maxSessions int) []string {
	if maxSessions < 0 {
		maxSessions = 0
	}
	excess := len(c.sessions) - maxSessions
	if excess <= 0 {
		return nil
	}

	candidates := make([]types.SessionState, 0, len(c.sessions))
	for _, e := range c.sessions {
		if e.stream != nil || e.state.StreamState == types.StreamStreaming {
			continue
		}
		candidates = append(candidates, e.state)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.LastUpdated.Equal(b.LastUpdated) {
			return a.SessionID < b.SessionID
		}
		return a.LastUpdated.Before(b.LastUpdated)
	})

	if excess > len(candidates) {
		excess = len(candidates)
	}
	evicted := make([]string, 0, excess)
	for _, s := range candidates[:excess] {
		c.destroy(s.SessionID)
		evicted = append(evicted, s.SessionID)
	}

	if len(evicted) > 0 {
		c.log.Info().Strs("evicted", evicted).Int("remaining", len(c.sessions)).Msg("evicted idle sessions")
		c.metrics.RecordEvictions(len(evicted))
	}
	return evicted
}

func (c *Coordinator) checkHistorySize(e *entry) {
	if c.maxMessages > 0 && len(e.state.Messages) > c.maxMessages {
		c.log.Warn().
			Str("session_id", e.state.SessionID).
			Int("messages", len(e.state.Messages)).
			Int("limit", c.maxMessages).
			Msg("session history exceeds advisory limit")
	}
}
