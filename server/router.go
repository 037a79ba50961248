package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the HTTP router with the login flow and protected resources.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/", a.handleIndex)
	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(a.Metrics.Registry, promhttp.HandlerOpts{}))

	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)

	// The pipeline hangs off each method route so that an unrouted method
	// answers 405 before any idempotency key is consumed.
	protected := r.With(
		RequireSession(a.Sessions),
		RequireScope(a.Config.Session.RequiredScope),
		RequireIdempotencyKey(a.Idempotency, a.Logger, a.Metrics),
	)
	protected.Delete("/resource/{resource_id}", a.handleDeleteResource)
	protected.Put("/resource/{resource_id}", a.handleUpdateResource)
	protected.Patch("/resource/{resource_id}", a.handlePatchResource)

	return r
}
