package http

import (
	"github.com/go-chi/chi/v5"

	"github.com/YaganovValera/market-stream/common/httpserver"
)

// Routes монтирует /stream/* на общий роутер.
func Routes(h *Handler) httpserver.RouteMounter {
	return func(r chi.Router) {
		r.Route("/stream", func(r chi.Router) {
			r.Get("/prices", h.Prices)
			r.Get("/positions", h.Positions)
			r.Get("/status", h.Status)
			r.Post("/subscriptions", h.Subscribe)
			r.Delete("/subscriptions", h.Unsubscribe)
		})
	}
}
