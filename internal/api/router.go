package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// NewRouter assembles the HTTP routes with the standard middleware chain.
func NewRouter(s *Server, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))
	r.Use(CORS)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/ready", s.handleWaitReady)
		r.Get("/events", s.handleEvents)

		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Post("/restore", s.handleRestore)

		r.Post("/sync", s.handleSync)
		r.Post("/role", s.handleSwitchRole)
		r.Post("/project", s.handleSwitchProject)
		r.Post("/rotate", s.handleRotate)

		r.Post("/messages", s.handleSendMessage)
		r.Get("/roles/{roleID}/projects", s.handleProjects)
	})

	return r
}
