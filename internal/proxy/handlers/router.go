package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/pysugar/anygate/internal/proxy"
	"github.com/pysugar/anygate/internal/proxy/middleware"
	"github.com/pysugar/anygate/internal/store"
	"github.com/pysugar/anygate/internal/version"
)

// Health serves GET /health.
func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version.Version,
		})
	}
}

// NewRouter wires the full route table.
func NewRouter(d *proxy.Dispatcher, s *store.Store) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.MethodNotAllowed(MethodNotAllowed())

	r.Get("/health", Health())

	r.Group(func(g chi.Router) {
		g.Use(middleware.Authenticate(s))

		g.Post("/v1/chat/completions", ChatCompletions(d))
		g.Post("/v1/messages", ClaudeMessages(d))

		g.Route("/v1beta/models", func(gm chi.Router) {
			gm.Get("/", Forwarded(d))
			gm.Post("/{model}:generateContent", GeminiGenerate(d))
			gm.Post("/{model}:streamGenerateContent", GeminiStreamGenerate(d))
			gm.Get("/{model}", Forwarded(d))
		})

		g.Get("/v1/models", Forwarded(d))

		// Unknown provider paths forward with header fixup only.
		g.Get("/v1/*", Forwarded(d))
		g.Post("/v1/*", Forwarded(d))
	})

	return r
}
