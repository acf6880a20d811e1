/**
 * @description
 * This file contains the core application service for the gift claim and
 * payout engine. It owns the claim flow end to end: throttling and lockout,
 * code verification, payout-account resolution, provider readiness checks,
 * monthly quota enforcement, the payout transfer itself, and the final
 * claimed-state transition.
 *
 * The ordering inside executePayout is load-bearing: the transfer must
 * succeed before the quota is committed, and the quota must be committed
 * before the gift is marked claimed. A crash between steps leaves the gift
 * unclaimed and retryable, never claimed-but-unpaid.
 *
 * @dependencies
 * - internal/store: Repository interface and sentinel errors.
 * - internal/domain: Core data models.
 * - pkg/payprovider: Payment provider request/response types.
 * - pkg/rabbitmq: Event publishing.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/giftwave/gift-service/internal/domain"
	"github.com/giftwave/gift-service/internal/store"
	"github.com/giftwave/gift-service/pkg/payprovider"
	"github.com/giftwave/gift-service/pkg/rabbitmq"
)

// PayoutProvider abstracts the payment provider client.
type PayoutProvider interface {
	CreateTransfer(ctx context.Context, req payprovider.TransferRequest) (*payprovider.TransferResponse, error)
	RetrieveAccountStatus(ctx context.Context, accountID string) (*domain.AccountStatus, error)
	CreateOnboardingLink(ctx context.Context, recipientEmail string) (string, error)
	ListSucceededPayments(ctx context.Context, since time.Time) ([]domain.PaymentEvent, error)
}

// Mailer abstracts the transactional email client.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ClaimRatePolicy bounds how often claim attempts are accepted.
type ClaimRatePolicy struct {
	IPMaxAttempts   int
	GiftMaxAttempts int
	Window          time.Duration
}

// Service provides the core business logic for gifts.
type Service struct {
	repo       store.Repository
	provider   PayoutProvider
	mailer     Mailer
	producer   rabbitmq.Publisher
	rateGuard  *RateGuard
	limits     *LimitLedger
	codegen    *CodeGenerator
	ratePolicy ClaimRatePolicy
	logger     *slog.Logger

	reconcileInFlight chan struct{}
	now               func() time.Time
}

// NewService creates a new gift service.
func NewService(
	repo store.Repository,
	provider PayoutProvider,
	mailer Mailer,
	producer rabbitmq.Publisher,
	rateGuard *RateGuard,
	limits *LimitLedger,
	codegen *CodeGenerator,
	ratePolicy ClaimRatePolicy,
	logger *slog.Logger,
) *Service {
	if ratePolicy.IPMaxAttempts <= 0 {
		ratePolicy.IPMaxAttempts = 30
	}
	if ratePolicy.GiftMaxAttempts <= 0 {
		ratePolicy.GiftMaxAttempts = 5
	}
	if ratePolicy.Window <= 0 {
		ratePolicy.Window = time.Minute
	}
	return &Service{
		repo:              repo,
		provider:          provider,
		mailer:            mailer,
		producer:          producer,
		rateGuard:         rateGuard,
		limits:            limits,
		codegen:           codegen,
		ratePolicy:        ratePolicy,
		logger:            logger,
		reconcileInFlight: make(chan struct{}, 1),
		now:               time.Now,
	}
}

// ClaimGift runs the full claim flow for a gift. Refusals come back as a
// *ClaimError; any other error is an internal failure the caller should
// surface as such.
func (s *Service) ClaimGift(ctx context.Context, giftID uuid.UUID, code, clientIP string) (*domain.ClaimGiftResponse, error) {
	log := s.logger.With("component", "claim", "gift_id", giftID.String())

	if err := s.checkBlocks(ctx, giftID.String(), clientIP); err != nil {
		return nil, err
	}
	if err := s.checkRates(ctx, giftID.String(), clientIP); err != nil {
		return nil, err
	}

	gift, err := s.repo.FindGiftByID(ctx, giftID)
	if err != nil {
		if errors.Is(err, store.ErrGiftNotFound) {
			return nil, newClaimError(RejectNotFound, "no gift with this id")
		}
		return nil, fmt.Errorf("load gift: %w", err)
	}
	if gift.State == domain.StateClaimed {
		return nil, newClaimError(RejectAlreadyClaimed, "this gift has already been claimed")
	}

	if !s.codegen.Verify(code, gift.CodeHash) {
		return nil, s.recordCodeFailure(ctx, giftID.String(), clientIP, log)
	}
	s.clearFailures(ctx, giftID.String(), clientIP)

	accountID, err := s.resolvePayoutAccount(ctx, gift)
	if err != nil {
		return nil, err
	}

	status, err := s.provider.RetrieveAccountStatus(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("retrieve account status: %w", err)
	}
	if !accountReady(status) {
		if err := s.repo.MarkGiftPayoutBlocked(ctx, gift.ID); err != nil {
			log.Error("failed to mark gift payout_blocked", "err", err)
		}
		return nil, newClaimError(RejectAccountNotReady, "payout account exists but cannot receive payouts yet")
	}

	claimed, err := s.executePayout(ctx, gift, accountID)
	if err != nil {
		return nil, err
	}

	s.publishEvent(ctx, "gift.claimed", domain.GiftEvent{
		GiftID:         claimed.ID,
		RecipientEmail: claimed.RecipientEmail,
		Amount:         claimed.Amount,
		Currency:       claimed.Currency,
		State:          claimed.State,
		Timestamp:      s.now().UTC(),
	})
	log.Info("gift claimed", "transfer_id", *claimed.TransferID, "amount", claimed.Amount)

	return &domain.ClaimGiftResponse{
		GiftID:     claimed.ID,
		TransferID: *claimed.TransferID,
		Amount:     claimed.Amount,
		Currency:   claimed.Currency,
		ClaimedAt:  *claimed.ClaimedAt,
	}, nil
}

// checkBlocks refuses the attempt while a failure lockout is active on
// either the gift or the caller's IP.
func (s *Service) checkBlocks(ctx context.Context, giftID, clientIP string) error {
	var longest time.Duration
	for _, probe := range []struct{ scope, id string }{
		{ScopeGift, giftID},
		{ScopeIP, clientIP},
	} {
		remaining, err := s.rateGuard.RemainingBlockTime(ctx, probe.scope, probe.id)
		if err != nil {
			return fmt.Errorf("check %s block: %w", probe.scope, err)
		}
		if remaining > longest {
			longest = remaining
		}
	}
	if longest > 0 {
		return &ClaimError{
			Code:       RejectBlocked,
			Message:    "too many failed attempts, try again later",
			RetryAfter: longest,
		}
	}
	return nil
}

// checkRates enforces the per-IP and per-gift attempt windows. When both
// deny, the longer wait wins.
func (s *Service) checkRates(ctx context.Context, giftID, clientIP string) error {
	var denied bool
	var retryAfter time.Duration

	for _, probe := range []struct {
		scope, id string
		max       int
	}{
		{ScopeIP, clientIP, s.ratePolicy.IPMaxAttempts},
		{ScopeGift, giftID, s.ratePolicy.GiftMaxAttempts},
	} {
		decision, err := s.rateGuard.CheckAndIncrement(ctx, probe.scope, probe.id, probe.max, s.ratePolicy.Window)
		if err != nil {
			return fmt.Errorf("rate check %s: %w", probe.scope, err)
		}
		if !decision.Allowed {
			denied = true
			if wait := time.Until(decision.ResetAt); wait > retryAfter {
				retryAfter = wait
			}
		}
	}
	if denied {
		return &ClaimError{
			Code:       RejectRateLimited,
			Message:    "too many claim attempts, slow down",
			RetryAfter: retryAfter,
		}
	}
	return nil
}

func (s *Service) recordCodeFailure(ctx context.Context, giftID, clientIP string, log *slog.Logger) error {
	var blockedFor time.Duration
	for _, probe := range []struct{ scope, id string }{
		{ScopeGift, giftID},
		{ScopeIP, clientIP},
	} {
		blocked, err := s.rateGuard.RecordFailure(ctx, probe.scope, probe.id)
		if err != nil {
			log.Error("failed to record code failure", "scope", probe.scope, "err", err)
			continue
		}
		if blocked {
			blockedFor = s.rateGuard.BlockCooldown()
		}
	}
	if blockedFor > 0 {
		log.Warn("claim lockout triggered", "ip", clientIP)
		return &ClaimError{
			Code:       RejectBlocked,
			Message:    "too many failed attempts, try again later",
			RetryAfter: blockedFor,
		}
	}
	return newClaimError(RejectInvalidCode, "the claim code is not valid for this gift")
}

func (s *Service) clearFailures(ctx context.Context, giftID, clientIP string) {
	for _, probe := range []struct{ scope, id string }{
		{ScopeGift, giftID},
		{ScopeIP, clientIP},
	} {
		if err := s.rateGuard.ClearFailures(ctx, probe.scope, probe.id); err != nil {
			s.logger.Error("failed to clear failure counter", "component", "claim", "scope", probe.scope, "err", err)
		}
	}
}

// resolvePayoutAccount finds or binds the payout account for the gift's
// recipient and advances the gift to payout_pending.
func (s *Service) resolvePayoutAccount(ctx context.Context, gift *domain.Gift) (string, error) {
	if gift.PayoutAccountID != nil && *gift.PayoutAccountID != "" {
		if gift.State == domain.StateAwaitingClaim {
			if err := s.repo.MarkGiftPayoutPending(ctx, gift.ID); err != nil {
				return "", fmt.Errorf("mark payout_pending: %w", err)
			}
			gift.State = domain.StatePayoutPending
		}
		return *gift.PayoutAccountID, nil
	}

	account, err := s.repo.FindPayoutAccountByEmail(ctx, gift.RecipientEmail)
	if err != nil {
		if errors.Is(err, store.ErrPayoutAccountNotFound) {
			url, linkErr := s.provider.CreateOnboardingLink(ctx, gift.RecipientEmail)
			if linkErr != nil {
				return "", fmt.Errorf("create onboarding link: %w", linkErr)
			}
			return "", &ClaimError{
				Code:          RejectOnboardingRequired,
				Message:       "a payout account must be set up before this gift can be claimed",
				OnboardingURL: url,
			}
		}
		return "", fmt.Errorf("find payout account: %w", err)
	}

	if err := s.repo.SetGiftPayoutAccount(ctx, gift.ID, account.ProviderAccountID); err != nil {
		return "", fmt.Errorf("bind payout account: %w", err)
	}
	if err := s.repo.MarkGiftPayoutPending(ctx, gift.ID); err != nil {
		return "", fmt.Errorf("mark payout_pending: %w", err)
	}
	gift.PayoutAccountID = &account.ProviderAccountID
	gift.State = domain.StatePayoutPending
	return account.ProviderAccountID, nil
}

// executePayout enforces quotas, runs the transfer, commits the quota usage
// and marks the gift claimed. The transfer's idempotency key is the gift id,
// so a retried payout for the same gift can never pay twice.
func (s *Service) executePayout(ctx context.Context, gift *domain.Gift, accountID string) (*domain.Gift, error) {
	decision, err := s.limits.CheckLimits(ctx, accountID, gift.Amount)
	if err != nil {
		return nil, fmt.Errorf("check monthly limits: %w", err)
	}
	if !decision.Allowed {
		return nil, newClaimError(RejectQuotaExceeded, decision.Reason)
	}

	transfer, err := s.provider.CreateTransfer(ctx, payprovider.TransferRequest{
		DestinationAccountID: accountID,
		Amount:               gift.Amount,
		Currency:             gift.Currency,
		Description:          "gift payout",
		GiftID:               gift.ID.String(),
		IdempotencyKey:       gift.ID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("create transfer: %w", err)
	}

	if err := s.limits.Commit(ctx, accountID, gift.Amount); err != nil {
		// The transfer is already out the door; the quota gap is logged
		// rather than failing the claim.
		s.logger.Error("failed to commit monthly quota after transfer", "component", "claim", "gift_id", gift.ID.String(), "err", err)
	}

	claimed, err := s.repo.MarkGiftClaimed(ctx, gift.ID, transfer.ID, s.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrGiftAlreadyClaimed) {
			return nil, newClaimError(RejectAlreadyClaimed, "this gift has already been claimed")
		}
		return nil, fmt.Errorf("mark gift claimed: %w", err)
	}
	return claimed, nil
}

// GetGiftDetails returns a redacted view of a gift suitable for the public
// claim page. Code material and the sender's payment reference never leave
// the service.
func (s *Service) GetGiftDetails(ctx context.Context, giftID uuid.UUID) (*domain.GiftDetails, error) {
	gift, err := s.repo.FindGiftByID(ctx, giftID)
	if err != nil {
		return nil, err
	}
	return &domain.GiftDetails{
		ID:        gift.ID,
		Amount:    gift.Amount,
		Currency:  gift.Currency,
		Message:   gift.Message,
		State:     gift.State,
		CreatedAt: gift.CreatedAt,
		ClaimedAt: gift.ClaimedAt,
	}, nil
}

func accountReady(status *domain.AccountStatus) bool {
	return status.PayoutsEnabled && status.DetailsSubmitted
}

func (s *Service) publishEvent(ctx context.Context, routingKey string, event domain.GiftEvent) {
	if s.producer == nil {
		return
	}
	if err := s.producer.PublishEvent(ctx, routingKey, event); err != nil {
		s.logger.Error("failed to publish event", "component", "events", "routing_key", routingKey, "gift_id", event.GiftID, "err", err)
	}
}
