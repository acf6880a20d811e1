/**
 * @description
 * This file contains the payment provider webhook handler. The signature is
 * verified over the raw request body before anything is parsed; a bad
 * signature is the only condition that refuses the delivery. Every verified
 * delivery is acknowledged with 200, including ones that fail to process:
 * the provider's retry policy punishes nacks harshly, and the
 * reconciliation sweep re-drives anything the handler could not land.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/base64, encoding/hex: For webhook
 *   signature validation.
 */

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/giftwave/gift-service/internal/domain"
)

const maxWebhookBodyBytes = 1 << 20

// PaymentWebhookHandler handles POST /webhooks/payment.
func (h *GiftHandlers) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	if !h.isValidSignature(r.Header.Get("X-Provider-Signature"), body) {
		h.logger.Warn("webhook signature verification failed", "component", "webhook", "remote", clientIP(r))
		h.writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var event domain.PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("verified webhook carried malformed json", "component", "webhook", "err", err)
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if _, err := h.service.IngestPaymentEvent(r.Context(), event); err != nil {
		h.logger.Error("failed to process payment event", "component", "webhook", "event_id", event.EventID, "event_type", event.Type, "err", err)
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// isValidSignature checks the HMAC-SHA256 of the raw body against the
// signature header. Both hex and base64 encodings are accepted, with an
// optional "sha256=" prefix, since the provider has used both.
func (h *GiftHandlers) isValidSignature(signatureHeader string, body []byte) bool {
	if h.webhookSigningKey == "" {
		h.logger.Warn("webhook signing key is not set, refusing delivery", "component", "webhook")
		return false
	}

	header := strings.TrimSpace(signatureHeader)
	header = strings.TrimPrefix(header, "sha256=")
	if header == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.webhookSigningKey))
	mac.Write(body)
	expected := mac.Sum(nil)

	if decoded, err := hex.DecodeString(header); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	if decoded, err := base64.StdEncoding.DecodeString(header); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	return false
}
