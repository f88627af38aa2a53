package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required; the engine's connectivity
		// probe must work before credentials are configured)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Route("/collections/{collection}", func(r chi.Router) {
				r.Get("/", h.GetCollection)
				r.Delete("/", h.ClearCollection)
				r.Put("/documents", h.SaveDocument)
				r.Get("/documents/{id}", h.GetDocument)
				r.Delete("/documents/{id}", h.DeleteDocument)
			})
		})
	})

	return r
}
