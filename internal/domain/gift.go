/**
 * @description
 * This file defines the core domain models for the gift-service: the gift
 * record and its lifecycle states, the persisted monthly payout quota, the
 * recipient payout account, and the request/response shapes exchanged with
 * the API layer.
 *
 * @dependencies
 * - time: Standard Go library.
 * - github.com/google/uuid: For gift identifiers.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Gift lifecycle states. A gift is created in StateAwaitingClaim, moves to
// StatePayoutPending once its claim code has been verified, and ends in
// StateClaimed once a transfer has definitively succeeded. StatePayoutBlocked
// is entered from StatePayoutPending when the recipient's payout account
// exists but is not yet ready to receive transfers; the reconcile sweep
// completes those claims later without re-verifying the code.
const (
	StateAwaitingClaim = "awaiting_claim"
	StatePayoutPending = "payout_pending"
	StatePayoutBlocked = "payout_blocked"
	StateClaimed       = "claimed"
)

// Gift is the central record linking a confirmed payment to a recipient and
// a claim code. The claim code itself is never stored: verification runs
// against the bcrypt CodeHash, and CodeFingerprint (an unsalted SHA-256 of
// the normalized code) exists only so the generator can collision-check new
// codes against the corpus.
type Gift struct {
	ID              uuid.UUID  `json:"id"`
	Amount          int64      `json:"amount"` // minor currency units
	Currency        string     `json:"currency"`
	Message         *string    `json:"message,omitempty"`
	SenderEmail     string     `json:"sender_email"`
	RecipientEmail  string     `json:"recipient_email"`
	CodeHash        string     `json:"-"`
	CodeFingerprint string     `json:"-"`
	PaymentRef      string     `json:"payment_ref"`
	PayoutAccountID *string    `json:"payout_account_id,omitempty"`
	TransferID      *string    `json:"transfer_id,omitempty"`
	State           string     `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
}

// MonthlyQuota tracks per-payout-account claim volume for one calendar month.
// Rows are created lazily on first claim in a period and only ever
// incremented.
type MonthlyQuota struct {
	PayoutAccountID string    `json:"payout_account_id"`
	Year            int       `json:"year"`
	Month           int       `json:"month"`
	TotalAmount     int64     `json:"total_amount"`
	GiftCount       int       `json:"gift_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PayoutAccount maps a recipient email to their provider-side payout account.
// Rows are written by the onboarding flow, which is outside this service.
type PayoutAccount struct {
	RecipientEmail    string    `json:"recipient_email"`
	ProviderAccountID string    `json:"provider_account_id"`
	CreatedAt         time.Time `json:"created_at"`
}

// AccountStatus is the canonical payout-readiness shape used inside the
// engine. The provider adapter normalizes whatever wire representation the
// provider returns into this struct; nothing downstream branches on the raw
// provider payload.
type AccountStatus struct {
	ChargesEnabled   bool `json:"charges_enabled"`
	PayoutsEnabled   bool `json:"payouts_enabled"`
	DetailsSubmitted bool `json:"details_submitted"`
}

// PaymentEvent is the decoded provider notification after signature
// verification. EventID doubles as the idempotency key for gift creation.
type PaymentEvent struct {
	EventID        string  `json:"id"`
	Type           string  `json:"type"`
	Amount         int64   `json:"amount"`
	Currency       string  `json:"currency"`
	SenderEmail    string  `json:"sender_email"`
	RecipientEmail string  `json:"recipient_email"`
	Message        *string `json:"message,omitempty"`
}

// Payment event types the ingestor acts on. Everything else is acknowledged
// and ignored.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentReversed  = "payment.reversed"
)

// ClaimGiftRequest is the body of a claim attempt.
type ClaimGiftRequest struct {
	Code string `json:"code"`
}

// ClaimGiftResponse is returned on a successful claim.
type ClaimGiftResponse struct {
	GiftID     uuid.UUID `json:"gift_id"`
	TransferID string    `json:"transfer_id"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	ClaimedAt  time.Time `json:"claimed_at"`
}

// GiftDetails is the redacted public view of a gift. It never exposes the
// code hash, the payment reference, or the sender's email address.
type GiftDetails struct {
	ID        uuid.UUID  `json:"id"`
	Amount    int64      `json:"amount"`
	Currency  string     `json:"currency"`
	Message   *string    `json:"message,omitempty"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// ReconcileResponse summarizes one reconciliation sweep run.
type ReconcileResponse struct {
	PaymentsChecked  int `json:"payments_checked"`
	GiftsCreated     int `json:"gifts_created"`
	PayoutsRetried   int `json:"payouts_retried"`
	PayoutsCompleted int `json:"payouts_completed"`
	PayoutsSkipped   int `json:"payouts_skipped"`
	Failures         int `json:"failures"`
}

// GiftEvent is published to the message broker on gift lifecycle changes.
type GiftEvent struct {
	GiftID         uuid.UUID `json:"gift_id"`
	RecipientEmail string    `json:"recipient_email"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	State          string    `json:"state"`
	Timestamp      time.Time `json:"timestamp"`
}
