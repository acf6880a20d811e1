package app

import (
	"fmt"
	"time"
)

// ClaimRejectionCode identifies why a claim attempt was refused. The codes
// are stable API surface: clients branch on them.
type ClaimRejectionCode string

const (
	RejectInvalidCode        ClaimRejectionCode = "invalid_code"
	RejectAlreadyClaimed     ClaimRejectionCode = "already_claimed"
	RejectNotFound           ClaimRejectionCode = "not_found"
	RejectOnboardingRequired ClaimRejectionCode = "onboarding_required"
	RejectAccountNotReady    ClaimRejectionCode = "account_not_ready"
	RejectQuotaExceeded      ClaimRejectionCode = "quota_exceeded"
	RejectRateLimited        ClaimRejectionCode = "rate_limited"
	RejectBlocked            ClaimRejectionCode = "blocked"
)

// ClaimError is the typed refusal returned by the claim flow. RetryAfter is
// set only for rate_limited and blocked outcomes; OnboardingURL only for
// onboarding_required.
type ClaimError struct {
	Code          ClaimRejectionCode
	Message       string
	RetryAfter    time.Duration
	OnboardingURL string
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("claim rejected (%s): %s", e.Code, e.Message)
}

func newClaimError(code ClaimRejectionCode, message string) *ClaimError {
	return &ClaimError{Code: code, Message: message}
}
