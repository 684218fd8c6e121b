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

ROUTE GROUPS:
  /api/transaction/*    Transaction creation, reversal, event stream
  /api/accounts/*       Account listing, creation, balance close
  /api/products         Product catalog
  /api/ping             Liveness probe

IDEMPOTENCY:
  All four mutating transaction routes sit behind the idempotency guard
  with a required key. The stream and read endpoints are not guarded.

SECURITY NOTE:
  The engine trusts the X-Issuer-* headers; authentication belongs to the
  fronting layer. Do not expose this service directly.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/clubtab/ledger-engine/idempotency"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, guard *idempotency.Guard) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "Last-Event-ID", "X-Issuer", "X-Issuer-Name", "X-Issuer-Privileged", "X-Issuer-Permissions"},
		AllowCredentials: true,
	}))

	guarded := guard.Wrap(true, issuerID)

	r.Route("/api", func(r chi.Router) {
		// Transaction routes
		r.Route("/transaction", func(r chi.Router) {
			r.Get("/events", h.StreamEvents)
			r.Group(func(r chi.Router) {
				r.Use(guarded)
				r.Post("/deposit", h.Deposit)
				r.Post("/withdraw", h.Withdraw)
				r.Post("/order", h.Order)
				r.Post("/revert", h.Revert)
			})
		})

		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Post("/{id}/close", h.CloseBalance)
		})

		// Product routes
		r.Get("/products", h.ListProducts)

		r.Get("/ping", h.Ping)
	})

	return r
}
