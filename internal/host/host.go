// Package host runs the session coordinator in its own execution context,
// reachable only through watermill messages.
package host

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessionstream/internal/logging"
	"github.com/opencode-ai/sessionstream/internal/protocol"
	"github.com/opencode-ai/sessionstream/internal/session"
	"github.com/opencode-ai/sessionstream/internal/transport"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

// Config holds host settings.
type Config struct {
	// MaxSessions is the eviction target for periodic eviction.
	MaxSessions int
	// EvictInterval enables periodic eviction when positive.
	EvictInterval time.Duration
	// Coordinator options, e.g. metrics or retries. The host installs its
	// own sink.
	CoordinatorOptions []session.Option
	Logger             *zerolog.Logger
}

// Host owns a Coordinator and bridges it to the message channel.
type Host struct {
	id    string
	pub   message.Publisher
	sub   message.Subscriber
	coord *session.Coordinator
	out   *outbox
	log   zerolog.Logger

	evictEvery  time.Duration
	maxSessions atomic.Int64

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a host around a fresh coordinator for t. Commands are read
// from sub and everything else is published on pub.
func New(t transport.Transport, pub message.Publisher, sub message.Subscriber, cfg Config) *Host {
	log := logging.With().Str("component", "host").Logger()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	h := &Host{
		id:         watermill.NewShortUUID(),
		pub:        pub,
		sub:        sub,
		log:        log,
		evictEvery: cfg.EvictInterval,
	}
	h.out = newOutbox(pub, protocol.TopicEvents, log)

	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = types.DefaultMaxConcurrentSessions
	}
	h.maxSessions.Store(int64(maxSessions))

	opts := append([]session.Option{}, cfg.CoordinatorOptions...)
	opts = append(opts, session.WithSink(func(d types.Delta) {
		h.out.push(protocol.KindDelta, d)
	}))
	h.coord = session.New(t, opts...)
	return h
}

// Coordinator exposes the hosted coordinator.
func (h *Host) Coordinator() *session.Coordinator {
	return h.coord
}

// SetMaxSessions changes the periodic eviction target.
func (h *Host) SetMaxSessions(n int) {
	if n > 0 {
		h.maxSessions.Store(int64(n))
	}
}

// Run subscribes to the command topic, announces readiness and serves
// commands until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return fmt.Errorf("host already running")
	}

	commands, err := h.sub.Subscribe(ctx, protocol.TopicCommands)
	if err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}

	outCtx, stopOut := context.WithCancel(context.Background())
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.out.run(outCtx)
	}()
	go func() {
		defer h.wg.Done()
		_ = h.coord.Run(ctx)
	}()

	if h.evictEvery > 0 {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.evictLoop(ctx)
		}()
	}

	h.out.push(protocol.KindReady, protocol.Ready{HostID: h.id})
	h.log.Info().Str("host_id", h.id).Msg("host ready")

	for {
		select {
		case <-ctx.Done():
			<-h.coord.Done()
			stopOut()
			h.wg.Wait()
			h.log.Info().Msg("host stopped")
			return nil
		case msg, ok := <-commands:
			if !ok {
				// Subscriber closed underneath us.
				<-ctx.Done()
				continue
			}
			h.handle(msg)
			msg.Ack()
		}
	}
}

// handle decodes one command and submits it to the coordinator. The
// response is queued once the coordinator settles it.
func (h *Host) handle(msg *message.Message) {
	if kind := protocol.KindOf(msg); kind != protocol.KindCommand {
		h.log.Warn().Str("kind", string(kind)).Msg("ignoring unexpected message")
		return
	}

	var cmd protocol.Command
	if err := protocol.Decode(msg, &cmd); err != nil {
		h.log.Error().Err(err).Msg("dropping malformed command")
		return
	}

	op, err := toOp(cmd)
	if err != nil {
		h.respond(cmd, session.Result{Err: err})
		return
	}

	h.log.Debug().
		Str("request_id", cmd.RequestID).
		Str("command", string(cmd.Kind)).
		Str("session_id", cmd.SessionID).
		Msg("command received")

	h.coord.Do(op, func(r session.Result) { h.respond(cmd, r) })
}

func (h *Host) respond(cmd protocol.Command, r session.Result) {
	h.out.push(protocol.KindResponse, protocol.Response{
		RequestID: cmd.RequestID,
		Kind:      cmd.Kind,
		SessionID: cmd.SessionID,
		State:     r.State,
		Evicted:   r.Evicted,
		Error:     protocol.EncodeError(r.Err),
	})
}

func toOp(cmd protocol.Command) (session.Op, error) {
	op := session.Op{
		SessionID:   cmd.SessionID,
		Prompt:      cmd.Prompt,
		Messages:    cmd.Messages,
		Snapshot:    cmd.Snapshot,
		MaxSessions: cmd.MaxSessions,
	}
	switch cmd.Kind {
	case protocol.CommandInit:
		op.Kind = session.OpInit
	case protocol.CommandLoad:
		op.Kind = session.OpLoad
	case protocol.CommandStartStream:
		op.Kind = session.OpStartStream
	case protocol.CommandStopStream:
		op.Kind = session.OpStopStream
	case protocol.CommandUpdateSession:
		op.Kind = session.OpUpdateSession
	case protocol.CommandDestroy:
		op.Kind = session.OpDestroy
	case protocol.CommandEvictIdle:
		op.Kind = session.OpEvictIdle
	default:
		return op, types.NewError(types.CodeState, cmd.SessionID, "unknown command %q", cmd.Kind)
	}
	return op, nil
}

func (h *Host) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(h.evictEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limit := int(h.maxSessions.Load())
			h.coord.Do(session.Op{Kind: session.OpEvictIdle, MaxSessions: limit}, func(r session.Result) {
				if len(r.Evicted) > 0 {
					h.log.Debug().Int("count", len(r.Evicted)).Msg("periodic eviction")
				}
			})
		}
	}
}
