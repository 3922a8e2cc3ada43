package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opencode-ai/sessionstream/internal/logging"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

// SendMessageRequest is the body of POST /session/{sessionID}/message.
type SendMessageRequest struct {
	Text     string          `json:"text"`
	Messages []types.Message `json:"messages,omitempty"`
}

// EvictResponse lists the sessions removed by an eviction.
type EvictResponse struct {
	Evicted []string `json:"evicted"`
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.facade.AllSessions())
}

// getSession handles GET /session/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	state, ok := s.facade.GetSessionState(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// initSession handles POST /session/{sessionID}/init
func (s *Server) initSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.facade.InitSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// loadSession handles POST /session/{sessionID}/load
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.facade.LoadSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// updateSession handles PUT /session/{sessionID}
func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	var snap types.SessionSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	state, err := s.facade.UpdateSession(r.Context(), chi.URLParam(r, "sessionID"), snap)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// deleteSession handles DELETE /session/{sessionID}
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.DestroySession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// sendMessage handles POST /session/{sessionID}/message. The stream runs
// past the request; its progress and outcome arrive on /event.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.Text == "" && len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text or messages is required")
		return
	}
	// Checked against the mirror so the common mistakes fail synchronously.
	// A newer stream replaces a running one.
	state, ok := s.facade.GetSessionState(sessionID)
	if !ok {
		writeSessionError(w, types.NewError(types.CodeSessionNotFound, sessionID, "session not initialized"))
		return
	}
	if !state.Loaded() {
		writeSessionError(w, types.NewError(types.CodeState, sessionID, "session must be loaded before streaming"))
		return
	}

	log := logging.With().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("session_id", sessionID).
		Logger()

	s.streams.Add(1)
	go func() {
		defer s.streams.Done()
		if err := s.facade.StartStream(s.streamCtx, sessionID, req.Text, req.Messages); err != nil {
			log.Warn().Err(err).Msg("stream failed")
			return
		}
		log.Debug().Msg("stream finished")
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"sessionID": sessionID})
}

// abortSession handles POST /session/{sessionID}/abort
func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.StopStream(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// evictSessions handles POST /session/evict?max=N
func (s *Server) evictSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("max"))
	if err != nil || limit < 0 {
		writeErrorWithDetails(w, http.StatusBadRequest, ErrCodeInvalidRequest, "max must be a non-negative integer",
			map[string]any{"max": r.URL.Query().Get("max")})
		return
	}

	evicted, err := s.facade.EvictIdle(r.Context(), limit)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if evicted == nil {
		evicted = []string{}
	}
	writeJSON(w, http.StatusOK, EvictResponse{Evicted: evicted})
}
