package handlers

import (
	"github.com/go-chi/chi/v5"
)

// Mount registers the proxy endpoints. Global middleware must already be
// installed on r.
func Mount(r chi.Router, h *Handler, mw *Middleware) {
	// Health check (no auth required)
	r.Get("/health", h.HandleHealth)

	// API routes (with auth and rate limiting)
	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.AuthMiddleware)
		r.Use(mw.RateLimitMiddleware)

		r.Post("/chat/completions", h.HandleChatCompletion)
		r.Post("/messages", h.HandleMessages)
		r.Post("/embeddings", h.HandleEmbeddings)
		r.Post("/audio/transcriptions", h.HandleTranscription)
		r.Get("/providers", h.HandleProviders)
	})
}
