/**
 * @description
 * This file contains the reconciliation sweep: the safety net that closes
 * the two gaps webhooks and claims can leave behind. Missed payment
 * deliveries are re-driven from the provider's authoritative payment list,
 * and payouts that were blocked on an unready account are completed once
 * the account becomes able to receive transfers. The sweep never
 * re-verifies claim codes: a payout_blocked gift already had its code
 * verified at claim time.
 *
 * Only one sweep runs at a time, whether triggered by the cron schedule or
 * the internal endpoint.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giftwave/gift-service/internal/domain"
)

// ErrReconcileInProgress is returned when a sweep is requested while another
// one is still running.
var ErrReconcileInProgress = errors.New("a reconciliation sweep is already running")

const sweepBatchSize = 100

// Reconcile runs one sweep: re-ingests settled payments since the watermark,
// then retries blocked payouts. It returns a per-run summary.
func (s *Service) Reconcile(ctx context.Context, since time.Time) (*domain.ReconcileResponse, error) {
	select {
	case s.reconcileInFlight <- struct{}{}:
		defer func() { <-s.reconcileInFlight }()
	default:
		return nil, ErrReconcileInProgress
	}

	log := s.logger.With("component", "reconcile")
	log.Info("reconciliation sweep started", "since", since.UTC().Format(time.RFC3339))

	resp := &domain.ReconcileResponse{}
	s.reingestPayments(ctx, since, resp, log)
	s.retryBlockedPayouts(ctx, resp, log)

	log.Info("reconciliation sweep finished",
		"payments_checked", resp.PaymentsChecked,
		"gifts_created", resp.GiftsCreated,
		"payouts_retried", resp.PayoutsRetried,
		"payouts_completed", resp.PayoutsCompleted,
		"payouts_skipped", resp.PayoutsSkipped,
		"failures", resp.Failures,
	)
	return resp, nil
}

// reingestPayments replays the provider's settled payments through the
// ingestor. Ingestion is idempotent, so payments whose webhook did arrive
// are cheap no-ops.
func (s *Service) reingestPayments(ctx context.Context, since time.Time, resp *domain.ReconcileResponse, log *slog.Logger) {
	payments, err := s.provider.ListSucceededPayments(ctx, since)
	if err != nil {
		log.Error("failed to list settled payments", "err", err)
		resp.Failures++
		return
	}
	resp.PaymentsChecked = len(payments)

	for _, event := range payments {
		created, err := s.IngestPaymentEvent(ctx, event)
		if err != nil {
			log.Error("failed to re-ingest payment", "payment_ref", event.EventID, "err", err)
			resp.Failures++
			continue
		}
		if created {
			log.Warn("webhook delivery was missed, gift created by sweep", "payment_ref", event.EventID)
			resp.GiftsCreated++
		}
	}
}

// retryBlockedPayouts completes payouts for gifts stuck in payout_blocked
// whose accounts have since become ready.
func (s *Service) retryBlockedPayouts(ctx context.Context, resp *domain.ReconcileResponse, log *slog.Logger) {
	gifts, err := s.repo.ListPayoutBlockedGifts(ctx, sweepBatchSize, s.now().UTC())
	if err != nil {
		log.Error("failed to list blocked gifts", "err", err)
		resp.Failures++
		return
	}

	for i := range gifts {
		gift := &gifts[i]
		resp.PayoutsRetried++
		if err := s.retryOnePayout(ctx, gift); err != nil {
			var claimErr *ClaimError
			if errors.As(err, &claimErr) {
				log.Info("blocked payout still not payable", "gift_id", gift.ID.String(), "reason", claimErr.Code)
				resp.PayoutsSkipped++
				continue
			}
			log.Error("blocked payout retry failed", "gift_id", gift.ID.String(), "err", err)
			resp.Failures++
			continue
		}
		log.Info("blocked payout completed", "gift_id", gift.ID.String())
		resp.PayoutsCompleted++
	}
}

func (s *Service) retryOnePayout(ctx context.Context, gift *domain.Gift) error {
	if gift.PayoutAccountID == nil || *gift.PayoutAccountID == "" {
		return fmt.Errorf("gift %s is payout_blocked without a payout account", gift.ID.String())
	}
	accountID := *gift.PayoutAccountID

	status, err := s.provider.RetrieveAccountStatus(ctx, accountID)
	if err != nil {
		return fmt.Errorf("retrieve account status: %w", err)
	}
	if !accountReady(status) {
		return newClaimError(RejectAccountNotReady, "payout account is still not ready")
	}

	claimed, err := s.executePayout(ctx, gift, accountID)
	if err != nil {
		return err
	}

	s.publishEvent(ctx, "gift.claimed", domain.GiftEvent{
		GiftID:         claimed.ID,
		RecipientEmail: claimed.RecipientEmail,
		Amount:         claimed.Amount,
		Currency:       claimed.Currency,
		State:          claimed.State,
		Timestamp:      s.now().UTC(),
	})
	return nil
}
