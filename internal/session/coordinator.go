package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessionstream/internal/logging"
	"github.com/opencode-ai/sessionstream/internal/metrics"
	"github.com/opencode-ai/sessionstream/internal/stream"
	"github.com/opencode-ai/sessionstream/internal/transport"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

// ErrClosed is returned for operations submitted after the coordinator
// loop has stopped.
var ErrClosed = errors.New("session: coordinator closed")

// Sink receives every delta in the order it was applied. It is called on
// the coordinator loop and must not block.
type Sink func(types.Delta)

// Coordinator owns all session state. Every field below the mailbox is
// touched only by the loop goroutine started with Run.
type Coordinator struct {
	transport   transport.Transport
	log         zerolog.Logger
	metrics     *metrics.Metrics
	clock       func() time.Time
	sink        Sink
	loadRetries int
	retryWait   time.Duration
	maxMessages int

	mb   *mailbox
	done chan struct{}

	ctx      context.Context
	sessions map[string]*entry
	lastTick time.Time
	gen      uint64
	stopped  bool
}

// entry is the loop-owned record for one session.
type entry struct {
	state   types.SessionState
	stream  *streamHandle
	loading *loadOp
}

// streamHandle is the cancellation handle of an active stream.
type streamHandle struct {
	gen     uint64
	cancel  context.CancelFunc
	done    func(Result)
	started time.Time
	interp  *stream.Interpreter
}

// loadOp is an in-flight snapshot load that later callers join.
type loadOp struct {
	cancel  context.CancelFunc
	waiters []func(Result)
	started time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces time.Now for lastUpdated stamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithSink sets where deltas are published.
func WithSink(sink Sink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithLoadRetries sets how many times a failed load is retried on
// transport errors, and the initial wait between attempts. A zero wait
// keeps the default.
func WithLoadRetries(retries int, wait time.Duration) Option {
	return func(c *Coordinator) {
		c.loadRetries = retries
		if wait > 0 {
			c.retryWait = wait
		}
	}
}

// WithMaxMessages sets the advisory history size. Exceeding it only logs.
func WithMaxMessages(n int) Option {
	return func(c *Coordinator) { c.maxMessages = n }
}

// New creates a coordinator. Call Run to start processing.
func New(t transport.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport:   t,
		log:         logging.With().Str("component", "coordinator").Logger(),
		clock:       time.Now,
		sink:        func(types.Delta) {},
		loadRetries: types.DefaultLoadRetries,
		retryWait:   200 * time.Millisecond,
		maxMessages: types.DefaultMaxMessagesPerSession,
		mb:          newMailbox(),
		done:        make(chan struct{}),
		ctx:         context.Background(),
		sessions:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run processes operations until ctx is cancelled. Active streams and
// loads are cancelled on the way out and their callers get ErrClosed.
func (c *Coordinator) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctx = loopCtx
	defer close(c.done)

	c.log.Debug().Msg("coordinator loop started")
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.log.Debug().Msg("coordinator loop stopped")
			return nil
		case <-c.mb.notify:
			for _, fn := range c.mb.drain() {
				fn()
			}
		}
	}
}

// Done is closed when Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) shutdown() {
	c.stopped = true
	for _, e := range c.sessions {
		if h := e.stream; h != nil {
			e.stream = nil
			h.cancel()
			h.done(Result{Err: ErrClosed})
		}
		if op := e.loading; op != nil {
			e.loading = nil
			op.cancel()
			for _, w := range op.waiters {
				w(Result{Err: ErrClosed})
			}
		}
	}
	// Late posts, such as stream pumps reporting back, find stopped set.
	for _, fn := range c.mb.close() {
		fn()
	}
	c.updateGauges()
}

// post hands fn to the loop from another goroutine.
func (c *Coordinator) post(fn func()) bool {
	return c.mb.post(fn)
}

// tick returns a strictly increasing timestamp so that lastUpdated orders
// updates even when the clock does not advance between them.
func (c *Coordinator) tick() time.Time {
	now := c.clock()
	if !now.After(c.lastTick) {
		now = c.lastTick.Add(time.Nanosecond)
	}
	c.lastTick = now
	return now
}

// emit stamps d, folds it into the session and publishes it.
func (c *Coordinator) emit(e *entry, d types.Delta) {
	d.SessionID = e.state.SessionID
	d.LastUpdated = c.tick()
	e.state = e.state.Apply(d)
	c.sink(d)
}

// ensure returns the entry for id, creating an idle one on first reference.
func (c *Coordinator) ensure(id string) *entry {
	if e, ok := c.sessions[id]; ok {
		return e
	}
	e := &entry{state: types.NewSessionState(id)}
	c.sessions[id] = e
	c.emit(e, types.Delta{
		Kind:            types.DeltaSnapshot,
		StreamState:     types.StatePtr(types.StreamIdle),
		ReplaceMessages: true,
		Messages:        []types.Message{},
	})
	c.log.Debug().Str("session_id", id).Msg("session created")
	c.updateGauges()
	return e
}

// fail records err on the session and moves it to the error state.
func (c *Coordinator) fail(e *entry, err error) {
	c.emit(e, types.Delta{
		Kind:        types.DeltaState,
		StreamState: types.StatePtr(types.StreamError),
		Error:       types.StringPtr(errorMessage(err)),
	})
}

func (c *Coordinator) snapshotAll() []types.SessionState {
	out := make([]types.SessionState, 0, len(c.sessions))
	for _, e := range c.sessions {
		out = append(out, e.state.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (c *Coordinator) updateGauges() {
	if c.metrics == nil {
		return
	}
	streams := 0
	for _, e := range c.sessions {
		if e.stream != nil {
			streams++
		}
	}
	c.metrics.SetSessions(len(c.sessions))
	c.metrics.SetActiveStreams(streams)
}

// errorMessage is the text recorded in SessionState.Error.
func errorMessage(err error) string {
	var se *types.Error
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}
