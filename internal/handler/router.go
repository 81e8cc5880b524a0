package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/virtnum/otpbuyer/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса покупки номеров.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/catalog/countries", h.GetCountries)
		r.Get("/catalog/products/{country}", h.GetProducts)

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.Identity)

			r.Get("/user/balance", h.GetBalance)
			r.Get("/user/history", h.GetHistory)

			r.Post("/buy", h.Buy)
			r.Get("/check/{orderId}", h.Check)
			r.Post("/cancel/{orderId}", h.Cancel)
			r.Post("/ban/{orderId}", h.Ban)
			r.Post("/finish/{orderId}", h.Finish)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	})

	return r
}
