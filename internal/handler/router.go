package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/keypool-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.CORS(h.corsOrigins))
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger, h.metrics))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", h.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/keys/products", h.GetProducts)

		r.With(custommiddleware.WebhookToken(h.webhookToken)).Post("/payments/webhook", h.PaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/keys", h.GetKeys)
			r.Get("/orders", h.GetOrders)
			r.Get("/orders/{orderID}", h.GetOrder)

			if h.limiter != nil {
				r.With(custommiddleware.RateLimit(h.limiter, h.limitWindow, h.logger)).Post("/orders", h.CreateOrder)
			} else {
				r.Post("/orders", h.CreateOrder)
			}

			r.Route("/admin/keys", func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(custommiddleware.RoleAdmin))

				r.Get("/stats", h.Stats)
				r.Post("/", h.AddKeys)
				r.Get("/pool/{tier}", h.ListPool)
				r.Delete("/pool/{tier}", h.RemoveKey)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "")
	})

	return r
}
