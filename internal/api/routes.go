package api

import (
	"ades/internal/health"
	"ades/internal/observability"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service       Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	ADESID        string
	APIKey        string
	CORSOrigins   []string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.HealthChecker, cfg.ADESID)

	r := chi.NewRouter()

	// Middleware chain, outermost first
	r.Use(RecoveryMiddleware())
	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware(cfg.CORSOrigins))
	r.Use(ContentTypeMiddleware())

	r.NotFound(handler.NotFound)
	r.MethodNotAllowed(handler.MethodNotAllowed)

	// Health check endpoints (liveness/readiness probes) - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	// WPS-T endpoints - auth required
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))

		r.Get("/", handler.LandingPage)
		r.Route("/processes", func(r chi.Router) {
			r.Get("/", handler.ListProcesses)
			r.Post("/", handler.DeployProcess)
			r.Route("/{procID}", func(r chi.Router) {
				r.Get("/", handler.GetProcess)
				r.Delete("/", handler.UndeployProcess)
				r.Get("/jobs", handler.ListJobs)
				r.Post("/jobs", handler.Execute)
				r.Route("/jobs/{jobID}", func(r chi.Router) {
					r.Get("/", handler.GetJob)
					r.Delete("/", handler.DismissJob)
					r.Get("/result", handler.GetResult)
				})
			})
		})
	})

	return r
}
