/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters and latency, by route pattern
  5. CORS:       Only when origins are configured

ROUTE GROUPS:
  /api/loans/*         Quoting, origination, lifecycle, payments
  /api/proposals/*     Rate proposals
  /api/installments/*  Cross-loan due queries
  /api/rates/*         Reference rate
  /api/scenarios/*     Demo loaders (opt-in)
  /metrics             Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

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

	"github.com/warp/loan-engine/metrics"
)

type RouterOptions struct {
	AllowedOrigins []string
	Metrics        *metrics.Collector
	PaymentLimiter *PaymentLimiter
	// Scenarios mounts the demo loaders under /api/scenarios.
	Scenarios      bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.InstrumentHandler)
	}
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
			AllowCredentials: true,
		}))
	}

	limit := func(next http.Handler) http.Handler { return next }
	if opts.PaymentLimiter != nil {
		limit = opts.PaymentLimiter.Handler
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Loan routes
		r.Route("/loans", func(r chi.Router) {
			r.Post("/quote", h.Quote)
			r.Post("/", h.CreateLoan)
			r.Get("/", h.ListLoans)
			r.Get("/{id}", h.GetLoan)
			r.Post("/{id}/approve", h.ApproveLoan)
			r.Post("/{id}/reject", h.RejectLoan)
			r.Post("/{id}/default", h.DefaultLoan)
			r.Post("/{id}/proposals", h.ProposeRate)
			r.Get("/{id}/installments", h.ListInstallments)
			r.Get("/{id}/statement", h.GetStatement)
			r.With(limit).Post("/{id}/payments", h.SubmitPayment)
			r.Get("/{id}/payments", h.ListPayments)
		})

		// Proposal routes
		r.Route("/proposals", func(r chi.Router) {
			r.Get("/", h.ListProposals)
			r.Post("/{id}/respond", h.RespondToProposal)
		})

		r.Get("/installments/due", h.InstallmentsDue)
		r.Get("/rates/reference", h.ReferenceRate)

		if opts.Scenarios {
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		}
	})

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	return r
}
