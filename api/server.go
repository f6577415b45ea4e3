/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the host frontend

ROUTE GROUPS:
  /api/users/{id}/*     Per-user compliance, fund, and signal operations
  /api/admin/*          Operator endpoints (outbox flush)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/users/{id}", func(r chi.Router) {
			// Compliance
			r.Get("/compliance", h.GetCompliance)
			r.Get("/summary", h.GetSummary)
			r.Get("/decisions", h.ListDecisions)
			r.Post("/check", h.Check)
			r.Post("/tasks/{taskID}/complete", h.CompleteTask)
			r.Post("/deescalate", h.Deescalate)
			r.Post("/consequences/ack", h.AckConsequences)
			r.Post("/bleeding/settle", h.SettleBleeding)
			r.Post("/bleeding/stop", h.StopBleeding)

			// Fund
			r.Get("/fund", h.GetFund)
			r.Get("/fund/transactions", h.GetFundTransactions)
			r.Post("/fund/delta", h.ApplyFundDelta)
			r.Post("/fund/audit", h.AuditFund)

			// Signals
			r.Get("/signals", h.ListSignals)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/signals/flush", h.FlushSignals)
		})
	})

	return r
}
