package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/engine"
)

// RouterDeps are the collaborators the HTTP API is assembled from
type RouterDeps struct {
	Engine  *engine.Engine
	Store   engine.Store
	Webhook *WebhookHandler
	Health  *HealthHandler
	// Auth guards /api/v1; nil leaves it open
	Auth func(http.Handler) http.Handler
	// Metrics serves /metrics when set
	Metrics http.Handler
	// Observe records request metrics when set
	Observe middleware.ObserveFunc
	// AllowedOrigins limits browser access; empty allows any origin
	AllowedOrigins []string
	ServiceName    string
	Logger         *zap.Logger
}

// NewRouter assembles the reminder API. Engine and Store are required.
func NewRouter(d RouterDeps) chi.Router {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := d.Engine.Config().Now

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(d.AllowedOrigins...))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.ServiceName))
	if d.Observe != nil {
		r.Use(middleware.Metrics(d.Observe))
	}

	if d.Health != nil {
		r.Get("/health", d.Health.Health)
		r.Get("/ready", d.Health.Ready)
		r.Get("/breakers", d.Health.Breakers)
	}
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}
	// gateways authenticate with a body signature, not an API key
	if d.Webhook != nil {
		r.Post("/webhooks/messages", d.Webhook.ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if d.Auth != nil {
			r.Use(d.Auth)
		}
		r.Mount("/schedules", NewScheduleHandler(d.Engine, d.Store, logger).Routes())
		r.Mount("/instances", NewInstanceHandler(d.Store, d.Engine.Escalator, now).Routes())
		r.Mount("/patients", NewPatientHandler(d.Store, d.Engine.Tracker).Routes())
		r.Mount("/ops", NewOpsHandler(d.Engine, logger).Routes())
	})
	return r
}
