/**
 * @description
 * This file sets up the HTTP router for the outgoing-payment-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * authentication middleware per route group.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the credentials the route groups authenticate with.
type RouterConfig struct {
	GrantTokenSecret string
	InternalAPIKey   string
	Metrics          http.Handler
}

// NewRouter creates and returns a new router for the outgoing payment service.
func NewRouter(h *OutgoingPaymentHandlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/internal/outgoing-payments", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/", h.CreateInternalHandler)
		r.Post("/process-next", h.ProcessNextHandler)
		r.Post("/{id}/fund", h.FundHandler)
		r.Post("/{id}/cancel", h.CancelHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(GrantTokenMiddleware(cfg.GrantTokenSecret))

		r.Post("/outgoing-payments", h.CreateHandler)
		r.Get("/outgoing-payments", h.ListHandler)
		r.Get("/outgoing-payments/{id}", h.GetHandler)
		r.Get("/grants/spent-amounts", h.GrantSpentAmountsHandler)
	})

	return r
}
