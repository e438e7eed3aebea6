/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Structured request logging (zerolog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/sites/{siteID}/*  Engine operations (see handlers.go)
  /metrics               Prometheus scrape endpoint
  /healthz               Liveness/readiness probe

SECURITY NOTE:
  No authentication middleware. The deployment's gateway authenticates and
  forwards X-User-ID / X-User-Role; requireActor only checks they arrived.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/cultivationd: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterOptions configures the parts of the router that differ per deployment.
type RouterOptions struct {
	// CORSOrigins defaults to the local development frontends.
	CORSOrigins []string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Ready is probed by /healthz. Nil always reports healthy.
	Ready func(ctx context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerUserID, headerRole},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Ready(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, "Not ready", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api/sites/{siteID}", func(r chi.Router) {
		r.Use(requireActor)

		// Stage graph routes
		r.Get("/stages", h.ListStages)
		r.Post("/stages", h.CreateStage)
		r.Get("/transitions", h.ListTransitions)
		r.Post("/transitions", h.CreateTransition)

		// Batch routes
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Post("/", h.CreateBatch)
			r.Get("/{id}", h.GetBatch)
			r.Post("/{id}/advance", h.AdvanceBatch)
			r.Post("/{id}/split", h.SplitBatch)
			r.Post("/{id}/harvest", h.RecordHarvest)
			r.Post("/{id}/plant-count", h.AdjustPlantCount)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/descendants", h.GetDescendants)
			r.Get("/{id}/ancestors", h.GetAncestors)
			r.Get("/{id}/relationships", h.ListRelationships)
		})
		r.Post("/relationships", h.RecordRelationship)

		// Mother plant routes
		r.Route("/mothers", func(r chi.Router) {
			r.Get("/", h.ListMothers)
			r.Post("/", h.DesignateMother)
			r.Get("/{id}", h.GetMother)
			r.Post("/{id}/retire", h.RetireMother)
			r.Post("/{id}/cull", h.CullMother)
			r.Post("/{id}/propagate", h.Propagate)
		})

		// Quota routes
		r.Route("/propagation", func(r chi.Router) {
			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.PutSettings)
			r.Get("/usage", h.GetUsage)
			r.Get("/ledger", h.GetLedger)
		})

		// Override routes
		r.Route("/overrides", func(r chi.Router) {
			r.Get("/", h.ListOverrides)
			r.Post("/", h.RequestOverride)
			r.Get("/{id}", h.GetOverride)
			r.Post("/{id}/resolve", h.ResolveOverride)
			r.Post("/{id}/execute", h.ExecuteOverride)
		})
	})

	return r
}

// requireActor refuses writes that carry no caller identity.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Header.Get(headerUserID) == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+headerUserID+" header", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger writes one structured line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Str("user_id", r.Header.Get(headerUserID)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
