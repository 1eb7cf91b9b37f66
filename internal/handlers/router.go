package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"engram-backend/internal/middleware"
	"engram-backend/pkg/observability"
)

// Dependencies bundles everything the router mounts.
type Dependencies struct {
	Memory    *MemoryHandler
	Search    *SearchHandler
	Entity    *EntityHandler
	Community *CommunityHandler
	Health    *HealthHandler
	Logger    *zap.Logger
	Metrics   *observability.Collector
}

// NewRouter assembles the chi router with the standard middleware chain.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.Logging(deps.Logger, deps.Metrics))
	// Batches run items sequentially with per-item drain caps; the request
	// timeout has to accommodate a full batch.
	r.Use(middleware.Timeout(120*time.Second, deps.Logger))
	r.Use(middleware.CircuitBreaker(middleware.DefaultCircuitBreakerConfig("api"), deps.Logger))

	r.Get("/healthz", deps.Health.Healthz)
	r.Get("/readyz", deps.Health.Readyz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/memories", func(r chi.Router) {
			r.Post("/", deps.Memory.AddMemories)
			r.Get("/", deps.Memory.ListMemories)
			r.Put("/", deps.Memory.UpdateMemory)
			r.Get("/{memoryId}", deps.Memory.GetMemory)
			r.Delete("/{memoryId}", deps.Memory.DeleteMemory)
		})

		r.Post("/search", deps.Search.Search)
		r.Post("/search/graph", deps.Search.GraphSearch)

		r.Route("/entities", func(r chi.Router) {
			r.Get("/", deps.Entity.ListEntities)
			r.Post("/relations", deps.Entity.CreateRelation)
			r.Get("/{entityId}", deps.Entity.GetEntity)
			r.Delete("/{entityId}", deps.Entity.DeleteEntity)
		})

		r.Route("/communities", func(r chi.Router) {
			r.Get("/", deps.Community.List)
			r.Post("/rebuild", deps.Community.Rebuild)
		})
	})

	return r
}
