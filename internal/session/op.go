package session

import (
	"context"

	"github.com/opencode-ai/sessionstream/pkg/types"
)

// OpKind names a coordinator operation.
type OpKind string

const (
	OpInit          OpKind = "init"
	OpLoad          OpKind = "load"
	OpStartStream   OpKind = "start_stream"
	OpStopStream    OpKind = "stop_stream"
	OpUpdateSession OpKind = "update_session"
	OpDestroy       OpKind = "destroy"
	OpEvictIdle     OpKind = "evict_idle"
	OpGetState      OpKind = "get_state"
	OpGetAll        OpKind = "get_all"
)

// Op is one request to the coordinator.
type Op struct {
	Kind      OpKind
	SessionID string

	// OpStartStream
	Prompt   string
	Messages []types.Message

	// OpUpdateSession
	Snapshot *types.SessionSnapshot

	// OpEvictIdle
	MaxSessions int
}

// Result is the outcome of an Op. Which fields are set depends on the kind.
type Result struct {
	State   *types.SessionState
	States  []types.SessionState
	Evicted []string
	Err     error
}

// Do submits op and arranges for done to be called once with its outcome.
// Ops are applied in submission order. done runs on the coordinator loop
// and must not block. OpStartStream completes only when the stream ends.
func (c *Coordinator) Do(op Op, done func(Result)) {
	if done == nil {
		done = func(Result) {}
	}
	if !c.mb.post(func() { c.dispatch(op, done) }) {
		done(Result{Err: ErrClosed})
	}
}

func (c *Coordinator) dispatch(op Op, done func(Result)) {
	if c.stopped {
		done(Result{Err: ErrClosed})
		return
	}

	switch op.Kind {
	case OpInit:
		done(stateResult(c.init(op.SessionID), nil))
	case OpLoad:
		c.load(op.SessionID, done)
	case OpStartStream:
		c.startStream(op.SessionID, op.Prompt, op.Messages, done)
	case OpStopStream:
		done(c.stopStream(op.SessionID))
	case OpUpdateSession:
		done(c.updateSession(op.SessionID, op.Snapshot))
	case OpDestroy:
		c.destroy(op.SessionID)
		done(Result{})
	case OpEvictIdle:
		done(Result{Evicted: c.evictIdle(op.MaxSessions)})
	case OpGetState:
		if e, ok := c.sessions[op.SessionID]; ok {
			done(stateResult(e.state.Clone(), nil))
			return
		}
		done(Result{})
	case OpGetAll:
		done(Result{States: c.snapshotAll()})
	default:
		done(Result{Err: types.NewError(types.CodeState, op.SessionID, "unknown operation %q", op.Kind)})
	}
}

func stateResult(state types.SessionState, err error) Result {
	return Result{State: &state, Err: err}
}

// call submits op and waits for its result or for ctx to end. When ctx
// ends first the op still runs to completion on the loop.
func (c *Coordinator) call(ctx context.Context, op Op) Result {
	ch := make(chan Result, 1)
	c.Do(op, func(r Result) { ch <- r })

	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

func (r Result) state() (types.SessionState, error) {
	if r.State == nil {
		return types.SessionState{}, r.Err
	}
	return *r.State, r.Err
}

// Init ensures an idle entry exists for id and returns it.
func (c *Coordinator) Init(ctx context.Context, id string) (types.SessionState, error) {
	return c.call(ctx, Op{Kind: OpInit, SessionID: id}).state()
}

// Load hydrates the session from the transport.
func (c *Coordinator) Load(ctx context.Context, id string) (types.SessionState, error) {
	return c.call(ctx, Op{Kind: OpLoad, SessionID: id}).state()
}

// StartStream publishes messages, streams the reply into the session and
// returns when the stream ends. A cancelled stream returns nil.
func (c *Coordinator) StartStream(ctx context.Context, id, prompt string, messages []types.Message) error {
	return c.call(ctx, Op{Kind: OpStartStream, SessionID: id, Prompt: prompt, Messages: messages}).Err
}

// StopStream cancels the session's active stream, if any.
func (c *Coordinator) StopStream(ctx context.Context, id string) error {
	return c.call(ctx, Op{Kind: OpStopStream, SessionID: id}).Err
}

// UpdateSession overwrites the session metadata and history.
func (c *Coordinator) UpdateSession(ctx context.Context, id string, snap types.SessionSnapshot) (types.SessionState, error) {
	return c.call(ctx, Op{Kind: OpUpdateSession, SessionID: id, Snapshot: &snap}).state()
}

// Destroy stops any stream and removes the session.
func (c *Coordinator) Destroy(ctx context.Context, id string) error {
	return c.call(ctx, Op{Kind: OpDestroy, SessionID: id}).Err
}

// EvictIdle destroys the least recently updated non-streaming sessions
// until at most maxSessions remain, and returns the evicted ids.
func (c *Coordinator) EvictIdle(ctx context.Context, maxSessions int) ([]string, error) {
	r := c.call(ctx, Op{Kind: OpEvictIdle, MaxSessions: maxSessions})
	return r.Evicted, r.Err
}

// State returns a copy of the session, or false if it does not exist.
func (c *Coordinator) State(ctx context.Context, id string) (types.SessionState, bool, error) {
	r := c.call(ctx, Op{Kind: OpGetState, SessionID: id})
	if r.Err != nil || r.State == nil {
		return types.SessionState{}, false, r.Err
	}
	return *r.State, true, nil
}

// All returns copies of every session ordered by id.
func (c *Coordinator) All(ctx context.Context) ([]types.SessionState, error) {
	r := c.call(ctx, Op{Kind: OpGetAll})
	return r.States, r.Err
}
