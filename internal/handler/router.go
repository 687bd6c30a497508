package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/consultbilling-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса биллинга.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.StartSession)
			r.Get("/{sessionID}", h.GetSessionStatus)
			r.Post("/{sessionID}/confirm", h.ConfirmSession)
			r.Post("/{sessionID}/end", h.EndSession)
		})

		r.Put("/rates", h.SetRate)

		r.Route("/wallet", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Post("/topup", h.TopUp)
			r.Get("/entries", h.GetLedger)
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
