package types

import "fmt"

// ErrorCode classifies session errors.
type ErrorCode string

const (
	CodeSessionNotFound ErrorCode = "session_not_found"
	CodeTransport       ErrorCode = "transport_error"
	CodeStream          ErrorCode = "stream_error"
	CodeState           ErrorCode = "state_error"
)

// Error is a failure scoped to one session.
type Error struct {
	Code      ErrorCode `json:"code"`
	SessionID string    `json:"sessionID,omitempty"`
	Message   string    `json:"message"`
	Err       error     `json:"-"`
}

// Sentinels for errors.Is.
var (
	ErrSessionNotFound = &Error{Code: CodeSessionNotFound, Message: "session not found"}
	ErrTransport       = &Error{Code: CodeTransport, Message: "transport error"}
	ErrStream          = &Error{Code: CodeStream, Message: "stream error"}
	ErrState           = &Error{Code: CodeState, Message: "invalid session state"}
)

func (e *Error) Error() string {
	if e.SessionID == "" {
		return e.Message
	}
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError builds a session error with a formatted message.
func NewError(code ErrorCode, sessionID, format string, args ...any) *Error {
	return &Error{Code: code, SessionID: sessionID, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a session error around a cause. The cause's text becomes
// the message.
func WrapError(code ErrorCode, sessionID string, err error) *Error {
	return &Error{Code: code, SessionID: sessionID, Message: err.Error(), Err: err}
}
