package host

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessionstream/internal/protocol"
)

// outbox queues outgoing messages without bounds and publishes them in
// order from a single goroutine, so the coordinator loop never waits on
// the façade.
type outbox struct {
	pub   message.Publisher
	topic string
	log   zerolog.Logger

	mu     sync.Mutex
	queue  []*message.Message
	notify chan struct{}
}

func newOutbox(pub message.Publisher, topic string, log zerolog.Logger) *outbox {
	return &outbox{
		pub:    pub,
		topic:  topic,
		log:    log,
		notify: make(chan struct{}, 1),
	}
}

// push encodes v and enqueues it.
func (o *outbox) push(kind protocol.Kind, v any) {
	msg, err := protocol.NewMessage(kind, v)
	if err != nil {
		o.log.Error().Err(err).Str("kind", string(kind)).Msg("dropping unencodable message")
		return
	}

	o.mu.Lock()
	o.queue = append(o.queue, msg)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// run publishes queued messages until ctx is done, then flushes what is
// left.
func (o *outbox) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.flush()
			return
		case <-o.notify:
			o.flush()
		}
	}
}

func (o *outbox) flush() {
	o.mu.Lock()
	batch := o.queue
	o.queue = nil
	o.mu.Unlock()

	for _, msg := range batch {
		if err := o.pub.Publish(o.topic, msg); err != nil {
			o.log.Error().Err(err).Str("kind", string(protocol.KindOf(msg))).Msg("publish failed")
		}
	}
}
