package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opencode-ai/sessionstream/internal/facade"
	"github.com/opencode-ai/sessionstream/internal/logging"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	SessionID string         `json:"sessionID,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeTransport      = "TRANSPORT_ERROR"
	ErrCodeStream         = "STREAM_ERROR"
	ErrCodeUnavailable    = "UNAVAILABLE"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Debug().Err(err).Msg("write response")
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeErrorWithDetails writes an error response with details.
func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// writeSuccess writes a success response.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeSessionError maps an operation error to a status and code.
func writeSessionError(w http.ResponseWriter, err error) {
	var serr *types.Error
	if errors.As(err, &serr) {
		status, code := statusOf(serr.Code)
		writeJSON(w, status, ErrorResponse{
			Error: ErrorDetail{
				Code:      code,
				Message:   serr.Message,
				SessionID: serr.SessionID,
			},
		})
		return
	}

	switch {
	case errors.Is(err, facade.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

func statusOf(code types.ErrorCode) (int, string) {
	switch code {
	case types.CodeSessionNotFound:
		return http.StatusNotFound, ErrCodeNotFound
	case types.CodeState:
		return http.StatusConflict, ErrCodeConflict
	case types.CodeTransport:
		return http.StatusBadGateway, ErrCodeTransport
	case types.CodeStream:
		return http.StatusBadGateway, ErrCodeStream
	default:
		return http.StatusInternalServerError, ErrCodeInternalError
	}
}
