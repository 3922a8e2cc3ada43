// Package facade is the caller-side proxy for the isolated host. It turns
// method calls into command messages, settles them when responses arrive,
// mirrors session state from deltas and fans deltas out to subscribers.
package facade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessionstream/internal/event"
	"github.com/opencode-ai/sessionstream/internal/logging"
	"github.com/opencode-ai/sessionstream/internal/protocol"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

// ErrClosed is returned by operations on a closed façade.
var ErrClosed = errors.New("facade: closed")

// Facade is safe for concurrent use. Subscribers run on the façade's
// receive goroutine and must not wait on façade operations.
type Facade struct {
	pub     message.Publisher
	log     zerolog.Logger
	pending *pendingTable
	bus     *event.Bus

	mu     sync.RWMutex
	mirror map[string]types.SessionState

	// sendMu orders publishing with the flush of queued commands.
	sendMu  sync.Mutex
	ready   bool
	queued  []*message.Message
	readyCh chan struct{}

	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(f *Facade) { f.log = log }
}

// New subscribes to the host's event topic and returns the façade. It must
// be called before the host starts, or the host's ready announcement is
// missed and commands stay queued.
func New(pub message.Publisher, sub message.Subscriber, opts ...Option) (*Facade, error) {
	f := &Facade{
		pub:     pub,
		log:     logging.With().Str("component", "facade").Logger(),
		pending: newPendingTable(),
		bus:     event.NewBus(),
		mirror:  make(map[string]types.SessionState),
		readyCh: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := sub.Subscribe(ctx, protocol.TopicEvents)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to events: %w", err)
	}
	f.cancel = cancel

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for msg := range events {
			f.dispatch(msg)
			msg.Ack()
		}
	}()
	return f, nil
}

// Ready is closed once the host has announced itself.
func (f *Facade) Ready() <-chan struct{} {
	return f.readyCh
}

// Close stops receiving, fails outstanding operations with ErrClosed and
// drops every subscriber.
func (f *Facade) Close() error {
	f.closeOnce.Do(func() {
		f.sendMu.Lock()
		close(f.closed)
		f.queued = nil
		f.sendMu.Unlock()

		f.cancel()
		f.wg.Wait()
		f.pending.drain()
		_ = f.bus.Close()
	})
	return nil
}

func (f *Facade) dispatch(msg *message.Message) {
	switch kind := protocol.KindOf(msg); kind {
	case protocol.KindDelta:
		var d types.Delta
		if err := protocol.Decode(msg, &d); err != nil {
			f.log.Error().Err(err).Msg("dropping malformed delta")
			return
		}
		f.apply(d)

	case protocol.KindResponse:
		var resp protocol.Response
		if err := protocol.Decode(msg, &resp); err != nil {
			f.log.Error().Err(err).Msg("dropping malformed response")
			return
		}
		if !f.pending.resolve(resp) {
			f.log.Debug().Str("request_id", resp.RequestID).Str("command", string(resp.Kind)).Msg("response without waiter")
		}

	case protocol.KindReady:
		var ready protocol.Ready
		_ = protocol.Decode(msg, &ready)
		f.markReady(ready.HostID)

	default:
		f.log.Warn().Str("kind", string(kind)).Msg("ignoring unexpected message")
	}
}

// apply folds d into the mirror and notifies subscribers.
func (f *Facade) apply(d types.Delta) {
	id := d.SessionID

	f.mu.Lock()
	var state types.SessionState
	if d.Removed() {
		// Subscribers see the session as it was last mirrored.
		last, ok := f.mirror[id]
		if !ok {
			last = types.NewSessionState(id)
		}
		delete(f.mirror, id)
		state = last
	} else {
		cur, ok := f.mirror[id]
		if !ok {
			cur = types.NewSessionState(id)
		}
		state = cur.Apply(d)
		f.mirror[id] = state
	}
	f.mu.Unlock()

	f.bus.PublishSync(event.Event{State: state, Delta: d})
	if d.Removed() {
		f.bus.Drop(id)
	}
}

func (f *Facade) markReady(hostID string) {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	if f.ready {
		return
	}
	f.ready = true
	close(f.readyCh)

	f.log.Debug().Str("host_id", hostID).Int("queued", len(f.queued)).Msg("host ready")
	for _, msg := range f.queued {
		if err := f.pub.Publish(protocol.TopicCommands, msg); err != nil {
			f.log.Error().Err(err).Msg("failed to flush queued command")
		}
	}
	f.queued = nil
}

// publish sends msg, or queues it until the host is ready.
func (f *Facade) publish(msg *message.Message) error {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	select {
	case <-f.closed:
		return ErrClosed
	default:
	}
	if !f.ready {
		f.queued = append(f.queued, msg)
		return nil
	}
	return f.pub.Publish(protocol.TopicCommands, msg)
}

// unqueue drops msg if it is still waiting for the host.
func (f *Facade) unqueue(msg *message.Message) {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	for i, m := range f.queued {
		if m == msg {
			f.queued = append(f.queued[:i], f.queued[i+1:]...)
			return
		}
	}
}

// send issues cmd and waits for its response.
func (f *Facade) send(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	cmd.RequestID = ulid.Make().String()
	key := pendingKey{Kind: cmd.Kind, SessionID: cmd.SessionID}
	req := f.pending.add(key, cmd.RequestID)

	msg, err := protocol.NewMessage(protocol.KindCommand, cmd)
	if err != nil {
		f.pending.take(key, req.id)
		return protocol.Response{}, err
	}
	if err := f.publish(msg); err != nil {
		f.pending.take(key, req.id)
		return protocol.Response{}, err
	}

	select {
	case resp := <-req.done:
		return resp, resp.Error.Err()
	case <-ctx.Done():
		f.unqueue(msg)
		f.pending.take(key, req.id)
		return protocol.Response{}, ctx.Err()
	case <-f.closed:
		return protocol.Response{}, ErrClosed
	}
}

func stateOf(resp protocol.Response, err error) (types.SessionState, error) {
	if resp.State == nil {
		return types.SessionState{}, err
	}
	return *resp.State, err
}

// InitSession ensures the session exists.
func (f *Facade) InitSession(ctx context.Context, id string) (types.SessionState, error) {
	return stateOf(f.send(ctx, protocol.Command{Kind: protocol.CommandInit, SessionID: id}))
}

// LoadSession hydrates the session from the agent backend.
func (f *Facade) LoadSession(ctx context.Context, id string) (types.SessionState, error) {
	return stateOf(f.send(ctx, protocol.Command{Kind: protocol.CommandLoad, SessionID: id}))
}

// StartStream sends the user turn and waits for the reply stream to end.
// It returns nil on completion and on cancellation. When messages is
// empty a user message is built from userMessage.
func (f *Facade) StartStream(ctx context.Context, id, userMessage string, messages []types.Message) error {
	_, err := f.send(ctx, protocol.Command{
		Kind:      protocol.CommandStartStream,
		SessionID: id,
		Prompt:    userMessage,
		Messages:  messages,
	})
	return err
}

// StopStream cancels the session's active stream.
func (f *Facade) StopStream(ctx context.Context, id string) error {
	_, err := f.send(ctx, protocol.Command{Kind: protocol.CommandStopStream, SessionID: id})
	return err
}

// UpdateSession overwrites the session's metadata and history.
func (f *Facade) UpdateSession(ctx context.Context, id string, snap types.SessionSnapshot) (types.SessionState, error) {
	return stateOf(f.send(ctx, protocol.Command{Kind: protocol.CommandUpdateSession, SessionID: id, Snapshot: &snap}))
}

// DestroySession stops any stream and removes the session.
func (f *Facade) DestroySession(ctx context.Context, id string) error {
	_, err := f.send(ctx, protocol.Command{Kind: protocol.CommandDestroy, SessionID: id})
	return err
}

// EvictIdle asks the host to evict down to maxSessions.
func (f *Facade) EvictIdle(ctx context.Context, maxSessions int) ([]string, error) {
	resp, err := f.send(ctx, protocol.Command{Kind: protocol.CommandEvictIdle, MaxSessions: maxSessions})
	return resp.Evicted, err
}

// GetSessionState returns a copy of the mirrored session.
func (f *Facade) GetSessionState(id string) (types.SessionState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.mirror[id]
	if !ok {
		return types.SessionState{}, false
	}
	return st.Clone(), true
}

// AllSessions returns copies of every mirrored session ordered by id.
func (f *Facade) AllSessions() []types.SessionState {
	f.mu.RLock()
	out := make([]types.SessionState, 0, len(f.mirror))
	for _, st := range f.mirror {
		out = append(out, st.Clone())
	}
	f.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Subscribe registers fn for one session's deltas.
func (f *Facade) Subscribe(id string, fn event.Subscriber) (unsubscribe func()) {
	return f.bus.Subscribe(id, fn)
}

// SubscribeAll registers fn for every session's deltas.
func (f *Facade) SubscribeAll(fn event.Subscriber) (unsubscribe func()) {
	return f.bus.SubscribeAll(fn)
}

// HasSubscribers reports whether anyone is subscribed to the session.
func (f *Facade) HasSubscribers(id string) bool {
	return f.bus.Has(id)
}
