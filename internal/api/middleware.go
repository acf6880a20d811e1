/**
 * @description
 * This file contains custom middleware for the HTTP router. The internal
 * endpoints (reconcile, resend-code) are gated on a shared API key rather
 * than end-user auth: they are called by operators and sibling services,
 * never by browsers.
 *
 * @dependencies
 * - crypto/subtle, net/http, strings: Standard Go libraries.
 */

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const internalAPIKeyHeader = "X-Internal-Api-Key"

// InternalAuthMiddleware creates a middleware that validates the internal
// API key header. When no key is configured, the internal surface is
// disabled outright instead of being left open.
func InternalAuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	apiKey = strings.TrimSpace(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				http.Error(w, "Internal API is not configured", http.StatusServiceUnavailable)
				return
			}
			provided := strings.TrimSpace(r.Header.Get(internalAPIKeyHeader))
			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
