// Package transport defines the contract between the coordinator and the
// remote agent service.
package transport

import (
	"context"

	"github.com/opencode-ai/sessionstream/pkg/types"
)

// Transport is the injected client for the agent backend.
type Transport interface {
	// LoadSnapshot fetches a session's metadata and history. It fails with
	// a *types.Error of code CodeSessionNotFound when the backend rejects
	// the id, and CodeTransport for anything else.
	LoadSnapshot(ctx context.Context, sessionID string) (*types.SessionSnapshot, error)

	// OpenReplyStream asks the backend for a reply to messages and returns
	// the lazy event sequence. Cancelling ctx stops the stream.
	OpenReplyStream(ctx context.Context, sessionID string, messages []types.Message) (EventStream, error)
}

// EventStream is a lazy, pull-based sequence of events.
//
//	for stream.Next() {
//		ev := stream.Current()
//	}
//	if err := stream.Err(); err != nil { ... }
type EventStream interface {
	// Next blocks until the next event is available. It returns false at
	// the end of the stream or on failure.
	Next() bool
	Current() types.StreamEvent
	// Err returns the failure that ended the stream, if any.
	Err() error
	Close() error
}

// SliceStream is an EventStream over a fixed list of events.
type SliceStream struct {
	events []types.StreamEvent
	pos    int
	err    error
}

// NewSliceStream returns a stream that yields events and then ends with
// err (nil for a clean end).
func NewSliceStream(err error, events ...types.StreamEvent) *SliceStream {
	return &SliceStream{events: events, pos: -1, err: err}
}

func (s *SliceStream) Next() bool {
	if s.pos+1 >= len(s.events) {
		s.pos = len(s.events)
		return false
	}
	s.pos++
	return true
}

func (s *SliceStream) Current() types.StreamEvent {
	if s.pos < 0 || s.pos >= len(s.events) {
		return nil
	}
	return s.events[s.pos]
}

func (s *SliceStream) Err() error {
	if s.pos >= len(s.events) {
		return s.err
	}
	return nil
}

func (s *SliceStream) Close() error {
	return nil
}
