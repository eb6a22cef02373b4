package api

import (
	"net/http"
	"pyris/internal/health"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Authenticator   Authenticator
	Dispatcher      StatusDispatcher
	Variants        VariantLister
	Events          EventPublisher
	HealthChecker   *health.Checker
	Metrics         HTTPMetrics
	APIKey          string
	EventSigningKey string
	CORSOrigins     []string
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Authenticator, cfg.Dispatcher, cfg.Variants, cfg.Events, cfg.HealthChecker, cfg.EventSigningKey)

	r := chi.NewRouter()

	// Outermost first.
	r.Use(RecoveryMiddleware())
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware(cfg.CORSOrigins))
	r.Use(ContentTypeMiddleware())

	// Probes - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	// Event ingress - network-isolated, optionally signed
	r.Post("/internal/events", handler.IngestEvent)

	r.Route("/api/pyris", func(r chi.Router) {
		// Callbacks from the pipeline service, authenticated by job token
		r.Post("/internal/pipelines/{kind}/runs/{runId}/status", handler.PipelineStatus)
		r.Post("/internal/webhooks/{kind}/runs/{runId}/status", handler.WebhookStatus)

		r.With(AuthMiddleware(cfg.APIKey)).Get("/variants/{feature}", handler.ListVariants)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return r
}
