/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. Metrics:    Prometheus request counters/latency

ROUTE GROUPS:
  /api/auth/*           Registration and login (public)
  /api/referrals/validate/{code}  Code pre-flight (public)
  /api/*                Everything else behind bearer auth
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness probe

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/refnet/referral-engine/monitoring"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(monitoring.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
		})
		r.Get("/referrals/validate/{code}", h.ValidateCode)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(h.Auth.Middleware)

			r.Route("/referrals", func(r chi.Router) {
				r.Get("/tree", h.Tree)
				r.Get("/stats", h.Stats)
			})

			r.Route("/purchases", func(r chi.Router) {
				r.Post("/", h.CreatePurchase)
				r.Get("/", h.ListPurchases)
			})

			r.Route("/transactions", func(r chi.Router) {
				r.Get("/{id}", h.GetTransaction)
				r.Post("/{id}/retry", h.RetryTransaction)
			})

			r.Get("/earnings/report", h.EarningsReport)

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", h.ListNotifications)
				r.Post("/read", h.MarkNotificationsRead)
			})

			r.Get("/analytics", h.Analytics)
			r.Get("/leaderboard", h.Leaderboard)
		})
	})

	// Operational endpoints
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
