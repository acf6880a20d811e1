/**
 * @description
 * This package provides a client for the payment provider's API: issuing
 * transfers to recipient payout accounts, checking payout-account readiness,
 * creating onboarding links, and listing settled payments for
 * reconciliation. It encapsulates authenticated HTTP requests, request body
 * construction, and response parsing.
 *
 * The provider has shipped two incompatible account representations over
 * time; RetrieveAccountStatus normalizes both into the engine's canonical
 * AccountStatus here, at the adapter boundary, so nothing downstream ever
 * branches on the wire shape.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, net/url, time:
 *   Standard Go libraries.
 * - internal/domain: For the canonical AccountStatus and PaymentEvent.
 */
package payprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/giftwave/gift-service/internal/domain"
)

// Client is a client for the payment provider API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new payment provider client.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// TransferRequest is the payload for a payout transfer. IdempotencyKey is
// sent as a header so the provider collapses accidental re-submissions of
// the same logical transfer.
type TransferRequest struct {
	DestinationAccountID string
	Amount               int64
	Currency             string
	Description          string
	GiftID               string
	IdempotencyKey       string
}

type transferWireRequest struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Destination string            `json:"destination"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// TransferResponse is the provider's reply to a transfer request.
type TransferResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrorResponse represents an error reply from the provider API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("provider api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("provider api error (status %d)", e.StatusCode)
}

// IsExplicitRejection reports whether the provider definitively rejected the
// request. Only 4xx replies count: timeouts and 5xx leave the outcome
// ambiguous and must not be treated as a definitive failure.
func (e *ErrorResponse) IsExplicitRejection() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// accountWire accepts both account representations the provider has shipped:
// the legacy flat boolean shape and the newer capability-map shape.
type accountWire struct {
	// legacy shape
	ChargesEnabled   *bool `json:"charges_enabled"`
	PayoutsEnabled   *bool `json:"payouts_enabled"`
	DetailsSubmitted *bool `json:"details_submitted"`

	// current shape
	Capabilities *struct {
		Charges string `json:"charges"`
		Payouts string `json:"payouts"`
	} `json:"capabilities"`
	Requirements *struct {
		DetailsSubmitted bool `json:"details_submitted"`
	} `json:"requirements"`
}

func normalizeAccount(w accountWire) domain.AccountStatus {
	var status domain.AccountStatus
	if w.Capabilities != nil {
		status.ChargesEnabled = w.Capabilities.Charges == "active"
		status.PayoutsEnabled = w.Capabilities.Payouts == "active"
		if w.Requirements != nil {
			status.DetailsSubmitted = w.Requirements.DetailsSubmitted
		}
		return status
	}
	if w.ChargesEnabled != nil {
		status.ChargesEnabled = *w.ChargesEnabled
	}
	if w.PayoutsEnabled != nil {
		status.PayoutsEnabled = *w.PayoutsEnabled
	}
	if w.DetailsSubmitted != nil {
		status.DetailsSubmitted = *w.DetailsSubmitted
	}
	return status
}

// CreateTransfer sends a payout transfer request to the provider.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResponse, error) {
	payload := transferWireRequest{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Destination: req.DestinationAccountID,
		Description: req.Description,
	}
	if req.GiftID != "" {
		payload.Metadata = map[string]string{"gift_id": req.GiftID}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal transfer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("create transfer request: %w", err)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	var resp TransferResponse
	if err := c.do(httpReq, "transfer", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RetrieveAccountStatus fetches a payout account and returns its normalized
// readiness status.
func (c *Client) RetrieveAccountStatus(ctx context.Context, accountID string) (*domain.AccountStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/accounts/"+url.PathEscape(accountID), nil)
	if err != nil {
		return nil, fmt.Errorf("create account request: %w", err)
	}

	var wire accountWire
	if err := c.do(httpReq, "account_status", &wire); err != nil {
		return nil, err
	}
	status := normalizeAccount(wire)
	return &status, nil
}

// CreateOnboardingLink asks the provider for a hosted onboarding URL for the
// recipient.
func (c *Client) CreateOnboardingLink(ctx context.Context, recipientEmail string) (string, error) {
	body, err := json.Marshal(map[string]string{"email": recipientEmail})
	if err != nil {
		return "", fmt.Errorf("marshal onboarding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/onboarding_links", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("create onboarding request: %w", err)
	}

	var resp struct {
		URL string `json:"url"`
	}
	if err := c.do(httpReq, "onboarding_link", &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// ListSucceededPayments returns settled gift payments since the watermark.
// This is the authoritative record the reconcile sweep re-drives gift
// creation from when a webhook delivery was lost.
func (c *Client) ListSucceededPayments(ctx context.Context, since time.Time) ([]domain.PaymentEvent, error) {
	endpoint := c.BaseURL + "/v1/payments?status=succeeded&since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create payments request: %w", err)
	}

	var resp struct {
		Data []domain.PaymentEvent `json:"data"`
	}
	if err := c.do(httpReq, "list_payments", &resp); err != nil {
		return nil, err
	}
	for i := range resp.Data {
		resp.Data[i].Type = domain.EventPaymentSucceeded
	}
	return resp.Data, nil
}

// do executes an authenticated request and decodes the reply into out.
func (c *Client) do(req *http.Request, op string, out interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil && c.logger != nil {
			c.logger.Warn("provider returned non-2xx with unparsable body", "component", "payprovider", "op", op, "status", resp.StatusCode)
		}
		if c.logger != nil {
			c.logger.Warn("provider request rejected", "component", "payprovider", "op", op, "status", resp.StatusCode, "err", errResp.Error())
		}
		return errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
