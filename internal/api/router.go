/**
 * @description
 * This file sets up the HTTP router for the payments-service using the chi
 * framework. The webhook ingress and the operator surface have different
 * authentication: the ingress is guarded by the source-IP allow-list, the
 * operator endpoints by JWT bearer tokens.
 */

package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates and configures the main router for the service.
func NewRouter(handlers *PaymentHandlers, sourceAuth *SourceAuthenticator, operatorAuth *JWTAuthenticator) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", HealthHandler)

	// Webhook ingress: source authentication runs before anything touches the
	// payload. chi answers non-POST methods with 405.
	r.Group(func(r chi.Router) {
		r.Use(sourceAuth.Middleware)
		r.Post("/webhooks/mpesa/c2b", handlers.C2BWebhookHandler)
	})

	// Operator surface.
	r.Group(func(r chi.Router) {
		r.Use(operatorAuth.Middleware)
		r.Get("/review", handlers.ListReviewQueueHandler)
		r.Get("/events/{eventID}", handlers.GetEventHandler)
		r.Post("/events/{eventID}/manual-match", handlers.ManualMatchHandler)
	})

	return r
}
