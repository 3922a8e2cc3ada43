package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/evict", s.evictSessions)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Put("/", s.updateSession)
			r.Delete("/", s.deleteSession)

			r.Post("/init", s.initSession)
			r.Post("/load", s.loadSession)
			r.Post("/message", s.sendMessage)
			r.Post("/abort", s.abortSession)
		})
	})

	// Event streaming (SSE)
	r.Get("/event", s.events)

	if s.metrics != nil {
		r.Method("GET", "/metrics", s.metrics.Handler())
	}
}
