package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/giftwave/gift-service/internal/domain"
	"github.com/giftwave/gift-service/internal/store"
	"github.com/giftwave/gift-service/pkg/payprovider"
)

const testClaimCode = "AB12CD34"

// claimableGift returns a gift in awaiting_claim whose code is testClaimCode.
func claimableGift(t *testing.T) *domain.Gift {
	t.Helper()
	hash, err := NewCodeGenerator(0).Hash(testClaimCode)
	if err != nil {
		t.Fatalf("failed to hash test code: %v", err)
	}
	return &domain.Gift{
		ID:              uuid.New(),
		Amount:          25_000,
		Currency:        "USD",
		SenderEmail:     "sender@example.com",
		RecipientEmail:  "recipient@example.com",
		CodeHash:        hash,
		CodeFingerprint: Fingerprint(testClaimCode),
		PaymentRef:      "pay_123",
		State:           domain.StateAwaitingClaim,
		CreatedAt:       time.Now().UTC().Add(-time.Hour),
	}
}

func claimErrorCode(t *testing.T, err error) ClaimRejectionCode {
	t.Helper()
	var claimErr *ClaimError
	if !errors.As(err, &claimErr) {
		t.Fatalf("expected a *ClaimError, got %v", err)
	}
	return claimErr.Code
}

func TestClaimGiftHappyPath(t *testing.T) {
	gift := claimableGift(t)

	var boundAccount string
	var markedPending, committedAmount bool
	var transferReq payprovider.TransferRequest

	repo := &stubRepository{
		findGiftByID: func(_ context.Context, id uuid.UUID) (*domain.Gift, error) {
			copied := *gift
			return &copied, nil
		},
		findPayoutAccountByEmail: func(_ context.Context, email string) (*domain.PayoutAccount, error) {
			if email != gift.RecipientEmail {
				t.Fatalf("looked up the wrong recipient: %s", email)
			}
			return &domain.PayoutAccount{RecipientEmail: email, ProviderAccountID: "acct_7"}, nil
		},
		setGiftPayoutAccount: func(_ context.Context, _ uuid.UUID, accountID string) error {
			boundAccount = accountID
			return nil
		},
		markGiftPayoutPending: func(_ context.Context, _ uuid.UUID) error {
			markedPending = true
			return nil
		},
		incrementMonthlyQuota: func(_ context.Context, accountID string, _ int, _ time.Month, amount int64) error {
			if accountID != "acct_7" || amount != gift.Amount {
				t.Fatalf("unexpected quota commit: account=%s amount=%d", accountID, amount)
			}
			committedAmount = true
			return nil
		},
		markGiftClaimed: func(_ context.Context, id uuid.UUID, transferID string, claimedAt time.Time) (*domain.Gift, error) {
			claimed := *gift
			claimed.State = domain.StateClaimed
			claimed.TransferID = &transferID
			claimed.ClaimedAt = &claimedAt
			return &claimed, nil
		},
	}

	provider := &stubProvider{
		createTransfer: func(_ context.Context, req payprovider.TransferRequest) (*payprovider.TransferResponse, error) {
			transferReq = req
			return &payprovider.TransferResponse{ID: "trf_42", Status: "succeeded"}, nil
		},
	}

	publisher := &stubPublisher{}
	svc := newTestService(repo, provider, newStubMailer(), publisher)

	resp, err := svc.ClaimGift(context.Background(), gift.ID, testClaimCode, "203.0.113.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.TransferID != "trf_42" {
		t.Fatalf("expected transfer trf_42, got %s", resp.TransferID)
	}
	if resp.Amount != gift.Amount || resp.Currency != "USD" {
		t.Fatalf("response does not mirror the gift: %+v", resp)
	}
	if boundAccount != "acct_7" || !markedPending {
		t.Fatal("expected the payout account to be bound and the gift marked payout_pending")
	}
	if !committedAmount {
		t.Fatal("expected the monthly quota to be committed")
	}
	if transferReq.IdempotencyKey != gift.ID.String() {
		t.Fatalf("transfer idempotency key must be the gift id, got %q", transferReq.IdempotencyKey)
	}
	if transferReq.DestinationAccountID != "acct_7" {
		t.Fatalf("transfer went to the wrong account: %s", transferReq.DestinationAccountID)
	}

	events := publisher.published()
	if len(events) != 1 || events[0].routingKey != "gift.claimed" {
		t.Fatalf("expected one gift.claimed event, got %+v", events)
	}
}

func TestClaimGiftLowercaseCodeIsAccepted(t *testing.T) {
	gift := claimableGift(t)
	repo := &stubRepository{
		findGiftByID: func(_ context.Context, _ uuid.UUID) (*domain.Gift, error) {
			copied := *gift
			return &copied, nil
		},
		findPayoutAccountByEmail: func(_ context.Context, email string) (*domain.PayoutAccount, error) {
			return &domain.PayoutAccount{RecipientEmail: email, ProviderAccountID: "acct_7"}, nil
		},
		markGiftClaimed: func(_ context.Context, _ uuid.UUID, transferID string, claimedAt time.Time) (*domain.Gift, error) {
			claimed := *gift
			claimed.State = domain.StateClaimed
			claimed.TransferID = &transferID
			claimed.ClaimedAt = &claimedAt
			return &claimed, nil
		},
	}
	svc := newTestService(repo, &stubProvider{}, newStubMailer(), &stubPublisher{})

	if _, err := svc.ClaimGift(context.Background(), gift.ID, strings.ToLower(testClaimCode), "203.0.113.1"); err != nil {
		t.Fatalf("lowercase code should verify: %v", err)
	}
}

func TestClaimGiftNotFound(t *testing.T) {
	svc := newTestService(&stubRepository{}, &stubProvider{}, newStubMailer(), &stubPublisher{})

	_, err := svc.ClaimGift(context.Background(), uuid.New(), testClaimCode, "203.0.113.1")
	if code := claimErrorCode(t, err); code != RejectNotFound {
		t.Fatalf("expected not_found, got %s", code)
	}
}

func TestClaimGiftAlreadyClaimed(t *testing.T) {
	gift := claimableGift(t)
	gift.State = domain.StateClaimed

	repo := &stubRepository{
		findGiftByID: func(_ context.Context, _ uuid.UUID) (*domain.Gift, error) {
			copied := *gift
			return &copied, nil
		},
	}
	svc := newTestService(repo, &stubProvider{}, newStubMailer(), &stubPublisher{})

	_, err := svc.ClaimGift(context.Background(), gift.ID, testClaimCode, "203.0.113.1")
	if code := claimErrorCode(t, err); code != RejectAlreadyClaimed {
		t.Fatalf("expected already_claimed, got %s", code)
	}
}

func TestClaimGiftInvalidCodeThenLockout(t *testing.T) {
	gift := claimableGift(t)
	repo := &stubRepository{
		findGiftByID: func(_ context.Context, _ uuid.UUID) (*domain.Gift, error) {
			copied := *gift
			return &copied, nil
		},
	}
	// Lockout threshold of 3 in newTestService.
	svc := newTestService(repo, &stubProvider{}, newStubMailer(), &stubPublisher{})

	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		_, err := svc.ClaimGift(ctx, gift.ID, "WRONGCOD", "203.0.113.1")
		if code := claimErrorCode(t, err); code != RejectInvalidCode {
			t.Fatalf("attempt %d: expected invalid_code, got %s", i, code)
		}
	}

	// The third failure saturates the threshold and flips to blocked.
	_, err := svc.ClaimGift(ctx, gift.ID, "WRONGCOD", "203.0.113.1")
	if code := claimErrorCode(t, err); code != RejectBlocked {
		t.Fatalf("expected blocked, got %s", code)
	}

	// Even the correct code is refused while the lockout holds.
	_, err = svc.ClaimGift(ctx, gift.ID, testClaimCode, "203.0.113.1")
	var claimErr *ClaimError
	if !errors.As(err, &claimErr) || claimErr.Code != RejectBlocked {
		t.Fatalf("expected blocked during lockout, got %v", err)
	}
	if claimErr.RetryAfter <= 0 {
		t.Fatal("a blocked refusal must carry a retry-after hint")
	}
}

func TestClaimGiftSuccessClearsFailureProgress(t *testing.T) {
	gift := claimableGift(t)
	repo := &stubRepository{
		findGiftByID: func(_ context.Context, _ uuid.UUID) (*domain.Gift, error) {
			copied := *gift
			return &copied, nil
		},
		findPayoutAccountByEmail: func(_ context.Context, email string) (*domain.PayoutAccount, error) {
			return &domain.PayoutAccount{RecipientEmail: email, ProviderAccountID: "acct_7"}, nil
		},
		markGiftClaimed: func(_ context.Context, _ uuid.UUID, transferID string, claimedAt time.Time) (*domain.Gift, error) {
			claimed := *gift
			claimed.State = domain.StateClaimed
			claimed.TransferID = &transferID
			claimed.ClaimedAt = &claimedAt
			return &claimed, nil
		},
	}
	svc := newTestService(repo, &stubProvider{}, newStubMailer(), &stubPublisher{})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := svc.ClaimGift(ctx, gift.ID, "WRONGCOD", "203.0.113.1"); err == nil {
			t.Fatal("expected a refusal for the wrong code")
		}
	}
	if _, err := svc.ClaimGift(ctx, gift.ID, testClaimCode, "203.0.113.1"); err != nil {
		t.Fatalf("correct code under the threshold should succeed: %v", err)
	}
}

func TestClaimGiftOnboardingRequired(t *testing.T) {
	gift := claimableGift(t)
	repo := &stubRepository{
		findGiftByID: func(_ context.Context, _ uuid.UUID) (*domain.Gift, error) {
			copied := *gift
			return &copied, nil
		},
	}
	transferCalled := false
	provider := &stubProvider{
		createOnboardingLink: func(_ context.Context, email string) (string, error) {
			return "https://onboarding.example.com/r/" + email, nil
		},
		createTransfer: func(_ context.Context, _ payprovider.TransferRequest) (*payprovider.TransferResponse, error) {
			transferCalled = true
			return nil, errors.New("must not be called")
		},
	}
	svc := newTestService(repo, provider, newStubMailer(), &stubPublisher{})

	_, err := svc.ClaimGift(context.Background(), gift.ID, testClaimCode, "203.0.113.1")
	var claimErr *ClaimError
	if !errors.As(err, &claimErr) || claimErr.Code != RejectOnboardingRequired {
		t.Fatalf("expected onboarding_required, got %v", err)
	}
	if claimErr.OnboardingURL == "" {
		t.Fatal("onboarding refusal must carry the onboarding url")
	}
	if transferCalled {
		t.Fatal("no transfer may be attempted without a payout account")
	}
}

func TestClaimGiftAccountNotReady(t *testing.T) {
	gift := claimableGift(t)
	blocked := false
	repo := &stubRepository{
		findGiftByID: func(_ context.Context, _ uuid.UUID) (*domain.Gift, error) {
			copied := *gift
			return &copied, nil
		},
		findPayoutAccountByEmail: func(_ context.Context, email string) (*domain.PayoutAccount, error) {
			return &domain.PayoutAccount{RecipientEmail: email, ProviderAccountID: "acct_7"}, nil
		},
		markGiftPayoutBlocked: func(_ context.Context, _ uuid.UUID) error {
			blocked = true
			return nil
		},
	}
	provider := &stubProvider{
		retrieveAccountStatus: func(_ context.Context, _ string) (*domain.AccountStatus, error) {
			return &domain.AccountStatus{ChargesEnabled: true, PayoutsEnabled: false, DetailsSubmitted: true}, nil
		},
	}
	svc := newTestService(repo, provider, newStubMailer(), &stubPublisher{})

	_, err := svc.ClaimGift(context.Background(), gift.ID, testClaimCode, "203.0.113.1")
	if code := claimErrorCode(t, err); code != RejectAccountNotReady {
		t.Fatalf("expected account_not_ready, got %s", code)
	}
	if !blocked {
		t.Fatal("the gift must be parked in payout_blocked for the sweep")
	}
}

func TestClaimGiftQuotaExceeded(t *testing.T) {
	gift := claimableGift(t)
	transferCalled := false
	repo := &stubRepository{
		findGiftByID: func(_ context.Context, _ uuid.UUID) (*domain.Gift, error) {
			copied := *gift
			return &copied, nil
		},
		findPayoutAccountByEmail: func(_ context.Context, email string) (*domain.PayoutAccount, error) {
			return &domain.PayoutAccount{RecipientEmail: email, ProviderAccountID: "acct_7"}, nil
		},
		findOrCreateMonthlyQuota: func(_ context.Context, accountID string, year int, month time.Month) (*domain.MonthlyQuota, error) {
			// newTestService caps the month at 2_000_000.
			return &domain.MonthlyQuota{PayoutAccountID: accountID, TotalAmount: 1_990_000, GiftCount: 2}, nil
		},
	}
	provider := &stubProvider{
		createTransfer: func(_ context.Context, _ payprovider.TransferRequest) (*payprovider.TransferResponse, error) {
			transferCalled = true
			return nil, errors.New("must not be called")
		},
	}
	svc := newTestService(repo, provider, newStubMailer(), &stubPublisher{})

	_, err := svc.ClaimGift(context.Background(), gift.ID, testClaimCode, "203.0.113.1")
	var claimErr *ClaimError
	if !errors.As(err, &claimErr) || claimErr.Code != RejectQuotaExceeded {
		t.Fatalf("expected quota_exceeded, got %v", err)
	}
	if !strings.Contains(claimErr.Message, "remaining this month") {
		t.Fatalf("refusal must surface the ledger's reason verbatim, got %q", claimErr.Message)
	}
	if transferCalled {
		t.Fatal("no transfer may be attempted over quota")
	}
}

func TestClaimGiftTransferFailureCommitsNothing(t *testing.T) {
	gift := claimableGift(t)
	committed := false
	claimedCalled := false
	repo := &stubRepository{
		findGiftByID: func(_ context.Context, _ uuid.UUID) (*domain.Gift, error) {
			copied := *gift
			return &copied, nil
		},
		findPayoutAccountByEmail: func(_ context.Context, email string) (*domain.PayoutAccount, error) {
			return &domain.PayoutAccount{RecipientEmail: email, ProviderAccountID: "acct_7"}, nil
		},
		incrementMonthlyQuota: func(_ context.Context, _ string, _ int, _ time.Month, _ int64) error {
			committed = true
			return nil
		},
		markGiftClaimed: func(_ context.Context, _ uuid.UUID, _ string, _ time.Time) (*domain.Gift, error) {
			claimedCalled = true
			return nil, errors.New("must not be called")
		},
	}
	provider := &stubProvider{
		createTransfer: func(_ context.Context, _ payprovider.TransferRequest) (*payprovider.TransferResponse, error) {
			return nil, errors.New("provider unavailable")
		},
	}
	svc := newTestService(repo, provider, newStubMailer(), &stubPublisher{})

	_, err := svc.ClaimGift(context.Background(), gift.ID, testClaimCode, "203.0.113.1")
	if err == nil {
		t.Fatal("expected an error when the transfer fails")
	}
	var claimErr *ClaimError
	if errors.As(err, &claimErr) {
		t.Fatalf("a transfer failure is internal, not a refusal: %v", err)
	}
	if committed || claimedCalled {
		t.Fatal("nothing may be committed after a failed transfer")
	}
}

func TestClaimGiftConcurrentClaimSingleWinner(t *testing.T) {
	gift := claimableGift(t)
	repo := &stubRepository{
		findGiftByID: func(_ context.Context, _ uuid.UUID) (*domain.Gift, error) {
			copied := *gift
			return &copied, nil
		},
		findPayoutAccountByEmail: func(_ context.Context, email string) (*domain.PayoutAccount, error) {
			return &domain.PayoutAccount{RecipientEmail: email, ProviderAccountID: "acct_7"}, nil
		},
		// The conditional update admits exactly one winner.
		markGiftClaimed: func(_ context.Context, _ uuid.UUID, _ string, _ time.Time) (*domain.Gift, error) {
			return nil, store.ErrGiftAlreadyClaimed
		},
	}
	svc := newTestService(repo, &stubProvider{}, newStubMailer(), &stubPublisher{})

	_, err := svc.ClaimGift(context.Background(), gift.ID, testClaimCode, "203.0.113.1")
	if code := claimErrorCode(t, err); code != RejectAlreadyClaimed {
		t.Fatalf("the losing racer must see already_claimed, got %s", code)
	}
}

func TestClaimGiftRateLimited(t *testing.T) {
	gift := claimableGift(t)
	repo := &stubRepository{
		findGiftByID: func(_ context.Context, _ uuid.UUID) (*domain.Gift, error) {
			copied := *gift
			return &copied, nil
		},
	}
	guard := NewRateGuard(NewMemoryAttemptStore(), 100, time.Hour, time.Hour)
	limits := NewLimitLedger(repo, QuotaPolicy{})
	svc := NewService(
		repo, &stubProvider{}, newStubMailer(), &stubPublisher{},
		guard, limits, NewCodeGenerator(0),
		ClaimRatePolicy{IPMaxAttempts: 100, GiftMaxAttempts: 2, Window: time.Minute},
		discardLogger(),
	)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		// Wrong code burns an attempt without claiming.
		if _, err := svc.ClaimGift(ctx, gift.ID, "WRONGCOD", "203.0.113.1"); err == nil {
			t.Fatal("expected a refusal")
		}
	}

	_, err := svc.ClaimGift(ctx, gift.ID, testClaimCode, "203.0.113.1")
	var claimErr *ClaimError
	if !errors.As(err, &claimErr) || claimErr.Code != RejectRateLimited {
		t.Fatalf("expected rate_limited on the third attempt, got %v", err)
	}
	if claimErr.RetryAfter <= 0 {
		t.Fatal("a rate-limited refusal must carry a retry-after hint")
	}
}
