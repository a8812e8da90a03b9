package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mmeshcher/bonus-ledger/internal/metrics"
	custommiddleware "github.com/mmeshcher/bonus-ledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware бонусного реестра.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))

	r.Handle("/metrics", metrics.Handler())
	r.Get("/ping", h.Ping)

	r.Route("/api", func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)
		r.Use(h.authMiddleware.Middleware)
		r.Use(h.rateLimiter.Middleware)

		r.Route("/internal", func(r chi.Router) {
			r.Use(custommiddleware.RequireRole(custommiddleware.RoleService, custommiddleware.RoleAdmin))

			r.Post("/users", h.CreateUser)
			r.Put("/users/{id}/inviter", h.RelinkUser)

			r.Post("/orders", h.IngestOrder)
			r.Get("/orders/{id}", h.GetOrder)
			r.Post("/orders/{id}/status", h.TransitionOrder)
			r.Post("/orders/{id}/returns", h.ProcessReturn)

			r.Get("/reserve", h.Reserve)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.RequireRole(custommiddleware.RoleAdmin))

			r.Get("/users/{id}", h.AdminUser)
			r.Get("/users/{id}/ledger", h.AdminLedger)
			r.Get("/users/{id}/kpi", h.TeamKPI)
			r.Post("/users/{id}/adjustments", h.Adjust)
			r.Get("/users/{id}/reconcile", h.ReconcileUser)
			r.Post("/reconcile", h.ReconcileAll)

			r.Get("/reserve", h.Reserve)
			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.UpdateSettings)
			r.Post("/tokens", h.IssueToken)
		})

		r.Route("/user", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/ledger", h.GetLedger)
			r.Get("/slots/price", h.GetSlotPrice)
			r.Post("/slots", h.PurchaseSlot)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
