package payprovider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/giftwave/gift-service/internal/domain"
)

func testClient(serverURL string) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(serverURL, "sk_test_key", logger)
}

func TestCreateTransferSendsIdempotencyKeyAndMetadata(t *testing.T) {
	var gotAuth, gotIdem string
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/transfers" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		json.NewEncoder(w).Encode(TransferResponse{ID: "trf_1", Status: "succeeded"})
	}))
	defer server.Close()

	client := testClient(server.URL)
	resp, err := client.CreateTransfer(context.Background(), TransferRequest{
		DestinationAccountID: "acct_7",
		Amount:               12_500,
		Currency:             "USD",
		GiftID:               "9f1b7d0e-0000-0000-0000-000000000001",
		IdempotencyKey:       "9f1b7d0e-0000-0000-0000-000000000001",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "trf_1" || resp.Status != "succeeded" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if gotAuth != "Bearer sk_test_key" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotIdem != "9f1b7d0e-0000-0000-0000-000000000001" {
		t.Fatalf("Idempotency-Key = %q", gotIdem)
	}
	if gotBody["destination"] != "acct_7" || gotBody["amount"] != float64(12_500) {
		t.Fatalf("unexpected wire body: %+v", gotBody)
	}
	meta, ok := gotBody["metadata"].(map[string]interface{})
	if !ok || meta["gift_id"] != "9f1b7d0e-0000-0000-0000-000000000001" {
		t.Fatalf("gift_id metadata missing: %+v", gotBody)
	}
}

func TestCreateTransferSurfacesProviderErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"errors":[{"title":"insufficient_funds","detail":"the platform balance is too low"}]}`)
	}))
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.CreateTransfer(context.Background(), TransferRequest{DestinationAccountID: "acct_7", Amount: 100, Currency: "USD"})

	var errResp *ErrorResponse
	if !errors.As(err, &errResp) {
		t.Fatalf("expected an *ErrorResponse, got %v", err)
	}
	if errResp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("StatusCode = %d", errResp.StatusCode)
	}
	if !errResp.IsExplicitRejection() {
		t.Fatal("a 422 is an explicit rejection")
	}
}

func TestIsExplicitRejection(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{status: 400, want: true},
		{status: 409, want: true},
		{status: 499, want: true},
		{status: 500, want: false},
		{status: 503, want: false},
	}
	for _, tc := range tests {
		e := &ErrorResponse{StatusCode: tc.status}
		if got := e.IsExplicitRejection(); got != tc.want {
			t.Errorf("IsExplicitRejection(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestNormalizeAccountBothWireShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want domain.AccountStatus
	}{
		{
			name: "legacy flat booleans",
			body: `{"charges_enabled":true,"payouts_enabled":true,"details_submitted":false}`,
			want: domain.AccountStatus{ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: false},
		},
		{
			name: "capability map",
			body: `{"capabilities":{"charges":"active","payouts":"active"},"requirements":{"details_submitted":true}}`,
			want: domain.AccountStatus{ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true},
		},
		{
			name: "capability map with pending payouts",
			body: `{"capabilities":{"charges":"active","payouts":"pending"},"requirements":{"details_submitted":true}}`,
			want: domain.AccountStatus{ChargesEnabled: true, PayoutsEnabled: false, DetailsSubmitted: true},
		},
		{
			name: "capability map wins over stray legacy fields",
			body: `{"payouts_enabled":true,"capabilities":{"charges":"active","payouts":"inactive"}}`,
			want: domain.AccountStatus{ChargesEnabled: true, PayoutsEnabled: false, DetailsSubmitted: false},
		},
		{
			name: "empty body",
			body: `{}`,
			want: domain.AccountStatus{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var wire accountWire
			if err := json.Unmarshal([]byte(tc.body), &wire); err != nil {
				t.Fatalf("failed to decode fixture: %v", err)
			}
			if got := normalizeAccount(wire); got != tc.want {
				t.Fatalf("normalizeAccount = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestRetrieveAccountStatusEscapesAccountID(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		io.WriteString(w, `{"charges_enabled":true,"payouts_enabled":true,"details_submitted":true}`)
	}))
	defer server.Close()

	client := testClient(server.URL)
	status, err := client.RetrieveAccountStatus(context.Background(), "acct/odd id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.PayoutsEnabled {
		t.Fatal("expected payouts enabled")
	}
	if gotPath != "/v1/accounts/acct%2Fodd%20id" {
		t.Fatalf("account id was not path-escaped: %q", gotPath)
	}
}

func TestListSucceededPaymentsSetsEventType(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		io.WriteString(w, `{"data":[{"id":"pay_1","amount":5000,"currency":"usd","recipient_email":"a@example.com"},{"id":"pay_2","amount":2500,"currency":"usd","recipient_email":"b@example.com"}]}`)
	}))
	defer server.Close()

	client := testClient(server.URL)
	since := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	payments, err := client.ListSucceededPayments(context.Background(), since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(payments) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(payments))
	}
	for _, p := range payments {
		if p.Type != domain.EventPaymentSucceeded {
			t.Fatalf("payment %s missing the synthesized type: %q", p.EventID, p.Type)
		}
	}
	if gotQuery != "status=succeeded&since=2026-08-01T00%3A00%3A00Z" {
		t.Fatalf("unexpected query: %q", gotQuery)
	}
}

func TestCreateOnboardingLink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		if body["email"] != "recipient@example.com" {
			t.Fatalf("unexpected email: %q", body["email"])
		}
		io.WriteString(w, `{"url":"https://onboarding.example.com/start"}`)
	}))
	defer server.Close()

	client := testClient(server.URL)
	link, err := client.CreateOnboardingLink(context.Background(), "recipient@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link != "https://onboarding.example.com/start" {
		t.Fatalf("link = %q", link)
	}
}
