// Package protocol defines the messages exchanged between the façade and
// the isolated host over watermill topics.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/opencode-ai/sessionstream/pkg/types"
)

// Topics. Commands flow façade → host, everything else host → façade.
const (
	TopicCommands = "sessionstream.commands"
	TopicEvents   = "sessionstream.events"
)

// MetadataKind is the metadata key naming the envelope kind.
const MetadataKind = "kind"

// Kind names an envelope.
type Kind string

const (
	KindCommand  Kind = "command"
	KindResponse Kind = "response"
	KindDelta    Kind = "delta"
	KindReady    Kind = "ready"
)

// CommandKind names an operation requested by the façade.
type CommandKind string

const (
	CommandInit          CommandKind = "init"
	CommandLoad          CommandKind = "load"
	CommandStartStream   CommandKind = "start_stream"
	CommandStopStream    CommandKind = "stop_stream"
	CommandUpdateSession CommandKind = "update_session"
	CommandDestroy       CommandKind = "destroy"
	CommandEvictIdle     CommandKind = "evict_idle"
)

// Command is a façade → host request.
type Command struct {
	RequestID   string                 `json:"requestID"`
	Kind        CommandKind            `json:"kind"`
	SessionID   string                 `json:"sessionID,omitempty"`
	Prompt      string                 `json:"prompt,omitempty"`
	Messages    []types.Message        `json:"messages,omitempty"`
	Snapshot    *types.SessionSnapshot `json:"snapshot,omitempty"`
	MaxSessions int                    `json:"maxSessions,omitempty"`
}

// Response settles exactly one Command.
type Response struct {
	RequestID string              `json:"requestID"`
	Kind      CommandKind         `json:"kind"`
	SessionID string              `json:"sessionID,omitempty"`
	State     *types.SessionState `json:"state,omitempty"`
	Evicted   []string            `json:"evicted,omitempty"`
	Error     *Error              `json:"error,omitempty"`
}

// Ready announces that the host is subscribed and serving commands.
type Ready struct {
	HostID string `json:"hostID"`
}

// Error is the wire form of a failure.
type Error struct {
	Code      types.ErrorCode `json:"code,omitempty"`
	Message   string          `json:"message"`
	SessionID string          `json:"sessionID,omitempty"`
}

// EncodeError converts err for the wire. It returns nil for a nil error.
func EncodeError(err error) *Error {
	if err == nil {
		return nil
	}
	var se *types.Error
	if errors.As(err, &se) {
		return &Error{Code: se.Code, Message: se.Message, SessionID: se.SessionID}
	}
	return &Error{Message: err.Error()}
}

// Err rebuilds the error on the receiving side. Coded errors come back as
// *types.Error so errors.Is against the sentinels keeps working.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	if e.Code == "" {
		return errors.New(e.Message)
	}
	return &types.Error{Code: e.Code, SessionID: e.SessionID, Message: e.Message}
}

// NewMessage encodes v as a watermill message of the given kind.
func NewMessage(kind Kind, v any) (*message.Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataKind, string(kind))
	return msg, nil
}

// KindOf returns the envelope kind of msg.
func KindOf(msg *message.Message) Kind {
	return Kind(msg.Metadata.Get(MetadataKind))
}

// Decode unmarshals msg's payload into v.
func Decode(msg *message.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", KindOf(msg), err)
	}
	return nil
}
