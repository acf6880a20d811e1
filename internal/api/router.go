/**
 * @description
 * This file sets up the HTTP router for the gift-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// GiftRoutes creates and returns a new router for the gift service.
func GiftRoutes(h *GiftHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Provider-facing webhook; authenticated by signature, not by key.
	r.Post("/webhooks/payment", h.PaymentWebhookHandler)

	// Public claim surface.
	r.Get("/gifts/{giftID}", h.GetGiftDetailsHandler)
	r.Post("/gifts/{giftID}/claim", h.ClaimGiftHandler)

	// Internal operator surface.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))
		r.Post("/internal/reconcile", h.ReconcileHandler)
		r.Post("/internal/gifts/{giftID}/resend-code", h.ResendCodeHandler)
	})

	return r
}
