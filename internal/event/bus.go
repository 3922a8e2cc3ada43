package event

import (
	"sync"
	"sync/atomic"

	"github.com/opencode-ai/sessionstream/pkg/types"
)

// Event is delivered to subscribers for every delta of a session.
type Event struct {
	// State is the session after Delta was applied, or the last state of a
	// removed session. It is shared by every subscriber of the event and
	// must not be modified.
	State types.SessionState
	Delta types.Delta
}

// SessionID returns the session the event belongs to.
func (e Event) SessionID() string {
	return e.Delta.SessionID
}

// Removed reports whether the session was destroyed.
func (e Event) Removed() bool {
	return e.Delta.Removed()
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

// subscriberEntry wraps a subscriber with an ID.
type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus maps session ids to their subscribers. Entries exist only while a
// session has at least one subscriber.
type Bus struct {
	mu sync.RWMutex

	subscribers map[string][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
}

// NewBus creates an empty registry.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]subscriberEntry),
	}
}

// newID generates a unique subscriber ID.
func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers fn for one session. The returned function removes
// it; removing the last subscriber removes the session's entry.
func (b *Bus) Subscribe(sessionID string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[sessionID] = append(b.subscribers[sessionID], subscriberEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sessionID, id) })
	}
}

// SubscribeAll registers fn for every session.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribeGlobal(id) })
	}
}

func (b *Bus) unsubscribe(sessionID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sessionID]
	for i, entry := range subs {
		if entry.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
		return
	}
	b.subscribers[sessionID] = subs
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			break
		}
	}
}

// Has reports whether a session has any subscriber.
func (b *Bus) Has(sessionID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subscribers[sessionID]
	return ok
}

// Len returns the number of sessions with subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// PublishSync calls every subscriber of the event's session, then every
// global subscriber, on the calling goroutine.
func (b *Bus) PublishSync(event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}

	// Collect subscribers under read lock
	local := b.subscribers[event.SessionID()]
	subs := make([]Subscriber, 0, len(local)+len(b.global))
	for _, entry := range local {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(event)
	}
}

// Drop removes every subscriber of a session.
func (b *Bus) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sessionID)
}

// Close removes all subscribers. Later subscriptions are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.subscribers = make(map[string][]subscriberEntry)
	b.global = nil
	return nil
}
