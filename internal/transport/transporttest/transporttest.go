// Package transporttest provides a scripted in-memory transport.Transport
// for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/opencode-ai/sessionstream/internal/transport"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

// Transport is a fake agent backend. Snapshots, load failures and reply
// streams are scripted per session id.
type Transport struct {
	mu        sync.Mutex
	snapshots map[string]*types.SessionSnapshot
	loadErrs  map[string][]error
	loadCalls map[string]int
	loadGate  chan struct{}
	scripts   map[string][]*Script
	opened    map[string][][]types.Message
}

// New returns an empty fake. Loads of unknown ids fail with
// session not found.
func New() *Transport {
	return &Transport{
		snapshots: make(map[string]*types.SessionSnapshot),
		loadErrs:  make(map[string][]error),
		loadCalls: make(map[string]int),
		scripts:   make(map[string][]*Script),
		opened:    make(map[string][][]types.Message),
	}
}

// SetSnapshot makes LoadSnapshot succeed for id.
func (t *Transport) SetSnapshot(id string, snap types.SessionSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshots[id] = &snap
}

// AddSession is SetSnapshot with an empty history.
func (t *Transport) AddSession(id, title string) {
	t.SetSnapshot(id, types.SessionSnapshot{Session: types.SessionInfo{ID: id, Title: title}})
}

// FailLoad queues errors returned by the next LoadSnapshot calls for id,
// one per call, before the scripted snapshot is served.
func (t *Transport) FailLoad(id string, errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loadErrs[id] = append(t.loadErrs[id], errs...)
}

// HoldLoads blocks every LoadSnapshot call until the returned release
// func is called.
func (t *Transport) HoldLoads() (release func()) {
	gate := make(chan struct{})
	t.mu.Lock()
	t.loadGate = gate
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if t.loadGate == gate {
				t.loadGate = nil
			}
			t.mu.Unlock()
			close(gate)
		})
	}
}

// LoadCalls reports how many times LoadSnapshot ran for id.
func (t *Transport) LoadCalls(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadCalls[id]
}

// Opened returns the message lists passed to OpenReplyStream for id.
func (t *Transport) Opened(id string) [][]types.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]types.Message, len(t.opened[id]))
	copy(out, t.opened[id])
	return out
}

func (t *Transport) LoadSnapshot(ctx context.Context, id string) (*types.SessionSnapshot, error) {
	t.mu.Lock()
	gate := t.loadGate
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.loadCalls[id]++
	if errs := t.loadErrs[id]; len(errs) > 0 {
		t.loadErrs[id] = errs[1:]
		return nil, errs[0]
	}
	snap, ok := t.snapshots[id]
	if !ok {
		return nil, types.NewError(types.CodeSessionNotFound, id, "session not found")
	}
	out := *snap
	out.Messages = types.CloneMessages(snap.Messages)
	return &out, nil
}

// Script queues a step-controlled reply stream for the next
// OpenReplyStream call on id.
func (t *Transport) Script(id string) *Script {
	s := newScript()
	t.mu.Lock()
	t.scripts[id] = append(t.scripts[id], s)
	t.mu.Unlock()
	return s
}

// Reply queues a reply stream that yields events and then ends with err.
func (t *Transport) Reply(id string, err error, events ...types.StreamEvent) {
	s := newScript()
	s.auto = events
	s.autoErr = err
	s.isAuto = true
	t.mu.Lock()
	t.scripts[id] = append(t.scripts[id], s)
	t.mu.Unlock()
}

// FailOpen queues an OpenReplyStream failure for id.
func (t *Transport) FailOpen(id string, err error) {
	s := newScript()
	s.openErr = err
	t.mu.Lock()
	t.scripts[id] = append(t.scripts[id], s)
	t.mu.Unlock()
}

func (t *Transport) OpenReplyStream(ctx context.Context, id string, messages []types.Message) (transport.EventStream, error) {
	t.mu.Lock()
	t.opened[id] = append(t.opened[id], types.CloneMessages(messages))
	var s *Script
	if queue := t.scripts[id]; len(queue) > 0 {
		s = queue[0]
		t.scripts[id] = queue[1:]
	}
	t.mu.Unlock()

	if s == nil {
		return transport.NewSliceStream(nil), nil
	}
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.markOpened()
	if s.isAuto {
		return &autoStream{ctx: ctx, script: s, inner: transport.NewSliceStream(s.autoErr, s.auto...)}, nil
	}
	return &stream{ctx: ctx, script: s}, nil
}

// Script drives one reply stream step by step from a test.
type Script struct {
	ch       chan step
	opened   chan struct{}
	closed   chan struct{}
	openOnce sync.Once
	closeOne sync.Once

	openErr error
	isAuto  bool
	auto    []types.StreamEvent
	autoErr error
}

type step struct {
	ev  types.StreamEvent
	end bool
	err error
}

func newScript() *Script {
	return &Script{
		ch:     make(chan step),
		opened: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Opened is closed once the coordinator has opened the stream.
func (s *Script) Opened() <-chan struct{} {
	return s.opened
}

// Closed is closed once the consumer has closed the stream.
func (s *Script) Closed() <-chan struct{} {
	return s.closed
}

// Send hands ev to the consumer and blocks until it is taken. It reports
// false if the stream was closed first.
func (s *Script) Send(ev types.StreamEvent) bool {
	select {
	case s.ch <- step{ev: ev}:
		return true
	case <-s.closed:
		return false
	}
}

// End finishes the stream with err (nil for a clean end).
func (s *Script) End(err error) bool {
	select {
	case s.ch <- step{end: true, err: err}:
		return true
	case <-s.closed:
		return false
	}
}

func (s *Script) markOpened() {
	s.openOnce.Do(func() { close(s.opened) })
}

func (s *Script) markClosed() {
	s.closeOne.Do(func() { close(s.closed) })
}

type stream struct {
	ctx    context.Context
	script *Script
	cur    types.StreamEvent
	err    error
	done   bool
}

func (st *stream) Next() bool {
	if st.done {
		return false
	}
	select {
	case <-st.ctx.Done():
		st.err = st.ctx.Err()
	case step := <-st.script.ch:
		if !step.end {
			st.cur = step.ev
			return true
		}
		st.err = step.err
	}
	st.done = true
	st.cur = nil
	return false
}

func (st *stream) Current() types.StreamEvent { return st.cur }
func (st *stream) Err() error                 { return st.err }

func (st *stream) Close() error {
	st.script.markClosed()
	return nil
}

type autoStream struct {
	ctx    context.Context
	script *Script
	inner  *transport.SliceStream
	err    error
}

func (a *autoStream) Next() bool {
	if err := a.ctx.Err(); err != nil {
		a.err = err
		return false
	}
	return a.inner.Next()
}

func (a *autoStream) Current() types.StreamEvent { return a.inner.Current() }

func (a *autoStream) Err() error {
	if a.err != nil {
		return a.err
	}
	return a.inner.Err()
}

func (a *autoStream) Close() error {
	a.script.markClosed()
	return nil
}
