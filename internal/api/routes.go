package api

import (
	"dockerjobs/internal/health"
	"dockerjobs/internal/job"
	"dockerjobs/internal/observability"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService     *job.Service
	HealthChecker  *health.Checker
	Metrics        *observability.Metrics // optional
	MetricsHandler http.Handler           // optional, served at /metrics
	APIKey         string
	Logger         *zap.Logger
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	handler := NewHandler(cfg.JobService, cfg.HealthChecker, logger)

	r := chi.NewRouter()
	r.Use(RecoveryMiddleware(logger))
	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware(logger))
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(ContentTypeMiddleware())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handler.writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		handler.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// probes and metrics are unauthenticated
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))
		r.Get("/", handler.ListJobs)
		r.Post("/", handler.SubmitJob)
		r.Get("/{jobId}", handler.GetJob)
		r.Post("/{jobId}/stop", handler.StopJob)
	})

	return r
}
