/**
 * @description
 * This package provides a minimal client for the transactional email
 * service used to deliver claim codes to recipients. Email delivery is
 * best-effort everywhere it is used: callers log failures and move on, they
 * never fail the surrounding operation.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package mailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is a client for the transactional email API.
type Client struct {
	BaseURL     string
	APIKey      string
	FromAddress string
	HTTPClient  *http.Client
}

// NewClient creates a new email client.
func NewClient(baseURL, apiKey, fromAddress string) *Client {
	return &Client{
		BaseURL:     baseURL,
		APIKey:      apiKey,
		FromAddress: fromAddress,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Send delivers a plain-text email to a single recipient.
func (c *Client) Send(ctx context.Context, to, subject, body string) error {
	payload, err := json.Marshal(sendRequest{
		From:    c.FromAddress,
		To:      to,
		Subject: subject,
		Text:    body,
	})
	if err != nil {
		return fmt.Errorf("marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/emails", bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}
	return nil
}
