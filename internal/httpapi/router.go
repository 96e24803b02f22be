package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// RouterOptions are the transport-boundary guards: a request body cap
// protects the pipeline from unbounded payloads, and a per-IP request
// rate shields it from floods independent of per-project limits.
type RouterOptions struct {
	RequestBodyLimit int64
	RequestsPerMin   int
}

// DefaultBodyLimit caps request bodies at 1 MiB.
const DefaultBodyLimit = 1 << 20

// NewRouter builds the chi router. CORS is enabled on every route; an
// OPTIONS pre-flight returns only CORS headers.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	if opts.RequestBodyLimit <= 0 {
		opts.RequestBodyLimit = DefaultBodyLimit
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(opts.RequestBodyLimit))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Admin-Key"},
		MaxAge:         300,
	}))
	if opts.RequestsPerMin > 0 {
		r.Use(httprate.LimitByIP(opts.RequestsPerMin, time.Minute))
	}

	r.Get("/health", h.handleHealth)

	r.Post("/track", h.handleTrack)
	r.Post("/track/batch", h.handleTrackBatch)

	r.Get("/stats", h.handleStats)
	r.Get("/events", h.handleEvents)
	r.Post("/query", h.handleQuery)
	r.Get("/properties", h.handleProperties)

	r.Route("/admin/projects", func(r chi.Router) {
		r.Post("/", h.handleCreateProject)
		r.Get("/", h.handleListProjects)
		r.Delete("/{id}", h.handleDeleteProject)
	})

	return r
}
