/**
 * @description
 * This file contains the HTTP handlers for the gift-service's public and
 * internal endpoints: claiming a gift, fetching the redacted gift details,
 * triggering a reconciliation sweep, and rotating a claim code. Webhook
 * ingestion lives in handlers_webhook.go.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For URL parameter extraction.
 * - github.com/google/uuid: For gift ID validation.
 * - internal/app: The core service and claim refusal types.
 */

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/giftwave/gift-service/internal/app"
	"github.com/giftwave/gift-service/internal/domain"
	"github.com/giftwave/gift-service/internal/store"
)

// GiftHandlers holds the dependencies for the HTTP handlers.
type GiftHandlers struct {
	service            *app.Service
	rateGuard          *app.RateGuard
	detailsLimitPerMin int
	reconcileLookback  time.Duration
	webhookSigningKey  string
	logger             *slog.Logger
}

// NewGiftHandlers creates a new set of handlers.
func NewGiftHandlers(service *app.Service, rateGuard *app.RateGuard, detailsLimitPerMin int, reconcileLookback time.Duration, webhookSigningKey string, logger *slog.Logger) *GiftHandlers {
	return &GiftHandlers{
		service:            service,
		rateGuard:          rateGuard,
		detailsLimitPerMin: detailsLimitPerMin,
		reconcileLookback:  reconcileLookback,
		webhookSigningKey:  webhookSigningKey,
		logger:             logger,
	}
}

// ClaimGiftHandler handles POST /gifts/{giftID}/claim.
func (h *GiftHandlers) ClaimGiftHandler(w http.ResponseWriter, r *http.Request) {
	giftID, err := uuid.Parse(chi.URLParam(r, "giftID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid gift ID format")
		return
	}

	var req domain.ClaimGiftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Code == "" {
		h.writeError(w, http.StatusBadRequest, "Claim code is required")
		return
	}

	response, err := h.service.ClaimGift(r.Context(), giftID, req.Code, clientIP(r))
	if err != nil {
		var claimErr *app.ClaimError
		if errors.As(err, &claimErr) {
			h.writeClaimError(w, claimErr)
			return
		}
		h.logger.Error("claim failed", "component", "api", "gift_id", giftID.String(), "err", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to claim gift")
		return
	}

	h.writeJSON(w, http.StatusOK, response)
}

// GetGiftDetailsHandler handles GET /gifts/{giftID}. The view is redacted
// and rate limited per source IP so the endpoint cannot be used to probe
// the gift corpus.
func (h *GiftHandlers) GetGiftDetailsHandler(w http.ResponseWriter, r *http.Request) {
	decision, err := h.rateGuard.CheckAndIncrement(r.Context(), "details", clientIP(r), h.detailsLimitPerMin, time.Minute)
	if err != nil {
		h.logger.Error("details rate check failed", "component", "api", "err", err)
	} else if !decision.Allowed {
		w.Header().Set("Retry-After", retryAfterSeconds(time.Until(decision.ResetAt)))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	giftID, err := uuid.Parse(chi.URLParam(r, "giftID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid gift ID format")
		return
	}

	details, err := h.service.GetGiftDetails(r.Context(), giftID)
	if err != nil {
		if errors.Is(err, store.ErrGiftNotFound) {
			h.writeError(w, http.StatusNotFound, "Gift not found")
			return
		}
		h.logger.Error("details lookup failed", "component", "api", "gift_id", giftID.String(), "err", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load gift")
		return
	}

	h.writeJSON(w, http.StatusOK, details)
}

// ReconcileHandler handles POST /internal/reconcile. The optional body may
// carry a "since" watermark; absent that, the configured lookback applies.
func (h *GiftHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-h.reconcileLookback)

	var req struct {
		Since string `json:"since"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Since != "" {
		parsed, parseErr := time.Parse(time.RFC3339, req.Since)
		if parseErr != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid since timestamp, expected RFC3339")
			return
		}
		since = parsed
	}

	summary, err := h.service.Reconcile(r.Context(), since)
	if err != nil {
		if errors.Is(err, app.ErrReconcileInProgress) {
			h.writeError(w, http.StatusConflict, "A reconciliation sweep is already running")
			return
		}
		h.logger.Error("reconcile failed", "component", "api", "err", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// ResendCodeHandler handles POST /internal/gifts/{giftID}/resend-code.
func (h *GiftHandlers) ResendCodeHandler(w http.ResponseWriter, r *http.Request) {
	giftID, err := uuid.Parse(chi.URLParam(r, "giftID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid gift ID format")
		return
	}

	if err := h.service.ResendGiftCode(r.Context(), giftID); err != nil {
		switch {
		case errors.Is(err, store.ErrGiftNotFound):
			h.writeError(w, http.StatusNotFound, "Gift not found")
		case errors.Is(err, store.ErrGiftAlreadyClaimed):
			h.writeError(w, http.StatusConflict, "Gift has already been claimed")
		default:
			h.logger.Error("resend code failed", "component", "api", "gift_id", giftID.String(), "err", err)
			h.writeError(w, http.StatusInternalServerError, "Failed to resend claim code")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// writeClaimError maps a claim refusal onto an HTTP status and body. The
// machine-readable code is part of the API contract.
func (h *GiftHandlers) writeClaimError(w http.ResponseWriter, claimErr *app.ClaimError) {
	body := map[string]interface{}{
		"error": claimErr.Message,
		"code":  string(claimErr.Code),
	}

	var status int
	switch claimErr.Code {
	case app.RejectNotFound:
		status = http.StatusNotFound
	case app.RejectInvalidCode:
		status = http.StatusForbidden
	case app.RejectAlreadyClaimed, app.RejectAccountNotReady:
		status = http.StatusConflict
	case app.RejectOnboardingRequired:
		status = http.StatusConflict
		body["onboarding_url"] = claimErr.OnboardingURL
	case app.RejectQuotaExceeded:
		status = http.StatusUnprocessableEntity
	case app.RejectRateLimited, app.RejectBlocked:
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", retryAfterSeconds(claimErr.RetryAfter))
		body["retry_after_seconds"] = int(math.Ceil(claimErr.RetryAfter.Seconds()))
	default:
		status = http.StatusBadRequest
	}

	h.writeJSON(w, status, body)
}

// writeJSON is a helper for writing JSON responses.
func (h *GiftHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *GiftHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// clientIP returns the request's source IP. The RealIP middleware has
// already folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
