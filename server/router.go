package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the login endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(a.Metrics.Middleware)
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Route("/auth/oidc", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/login", a.handleLogin)
		r.Get("/callback", a.handleCallback)
		r.Get("/logout", a.handleLogout)
		r.Post("/logout", a.handleLogout)
	})

	r.Get("/api/me", a.handleMe)
	r.Get("/healthz", a.handleHealthz)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	return r
}
