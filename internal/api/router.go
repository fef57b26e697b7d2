/**
 * @description
 * This file sets up the HTTP router for the connector. It defines the API
 * endpoints, associates them with their handlers and applies the standard
 * middleware stack.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Router and middleware.
 * - github.com/go-chi/cors: CORS for the browser-facing quote endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// ConnectorRoutes creates and returns the router for the connector.
func ConnectorRoutes(h *ConnectorHandlers, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Ledgers push notifications here.
	r.Post("/notifications", h.NotificationHandler)
	r.Get("/payments", h.PaymentHandler)

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
		r.Get("/quote", h.QuoteHandler)
	})

	return r
}
