/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /healthz                              Liveness probe
  /api/tenants/{tenantID}/sessions/*    Session tracking
  /api/tenants/{tenantID}/workers/*     Per-worker views and actions
  /api/tenants/{tenantID}/settlement/*  Settlement runs
  /api/tenants/{tenantID}/transactions/* Ledger review

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/settled/main.go: Server startup
*/
package api

import (
	"net/http"

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

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/tenants/{tenantID}", func(r chi.Router) {
		// Session routes
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.FindSessions)
			r.Post("/", h.RecordSession)
			r.Post("/batch", h.RecordSessions)
			r.Post("/start", h.StartSession)
			r.Post("/{serialID}/stop", h.StopSession)
		})
		r.Get("/busy", h.IsAnyTaskBusy)
		r.Post("/corrections", h.ApplyCorrections)

		// Worker routes
		r.Route("/workers/{workerID}", func(r chi.Router) {
			r.Get("/sessions/unsettled", h.ListUnsettled)
			r.Post("/sessions/reject", h.RejectSessions)
			r.Post("/approve", h.ApproveDay)
			r.Get("/transactions", h.ListTransactions)
			r.Get("/transactions/last", h.LastTransaction)
		})

		// Settlement routes
		r.Get("/buckets", h.PreviewBuckets)
		r.Route("/settlement", func(r chi.Router) {
			r.Get("/runs", h.ListRuns)
			r.Post("/runs", h.RunSettlement)
		})

		// Ledger routes
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/{number}", h.GetTransaction)
			r.Post("/{number}/review", h.ReviewTransaction)
		})
	})

	return r
}
