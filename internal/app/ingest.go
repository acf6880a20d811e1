/**
 * @description
 * This file contains the payment event ingestor: the piece that turns
 * verified provider notifications into gift records. Providers redeliver
 * webhooks, so ingestion is idempotent end to end: the payment reference is
 * the dedupe key and a duplicate delivery is a successful no-op that sends
 * no second email and publishes no second event.
 *
 * Claim codes exist in plaintext only on the wire to the recipient's inbox;
 * the store keeps a bcrypt hash plus a fingerprint for collision checks.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giftwave/gift-service/internal/domain"
	"github.com/giftwave/gift-service/internal/store"
)

const codeEmailTimeout = 15 * time.Second

// IngestPaymentEvent processes one verified provider event. It returns
// whether a new gift was created, which the reconcile sweep uses for its
// run summary.
func (s *Service) IngestPaymentEvent(ctx context.Context, event domain.PaymentEvent) (bool, error) {
	log := s.logger.With("component", "ingest", "event_id", event.EventID, "event_type", event.Type)

	switch event.Type {
	case domain.EventPaymentSucceeded:
		return s.createGiftFromPayment(ctx, event, log)
	case domain.EventPaymentReversed:
		return false, s.reverseGift(ctx, event, log)
	default:
		log.Debug("ignoring unhandled event type")
		return false, nil
	}
}

func (s *Service) createGiftFromPayment(ctx context.Context, event domain.PaymentEvent, log *slog.Logger) (bool, error) {
	if event.EventID == "" {
		return false, errors.New("payment event is missing an id")
	}
	if event.Amount <= 0 {
		return false, fmt.Errorf("payment %s has non-positive amount %d", event.EventID, event.Amount)
	}
	if event.RecipientEmail == "" {
		return false, fmt.Errorf("payment %s has no recipient email", event.EventID)
	}

	code, err := s.codegen.Generate(ctx, s.repo.GiftCodeFingerprintExists)
	if err != nil {
		return false, fmt.Errorf("generate claim code: %w", err)
	}
	hash, err := s.codegen.Hash(code)
	if err != nil {
		return false, fmt.Errorf("hash claim code: %w", err)
	}

	gift := &domain.Gift{
		ID:              uuid.New(),
		Amount:          event.Amount,
		Currency:        strings.ToUpper(event.Currency),
		Message:         event.Message,
		SenderEmail:     event.SenderEmail,
		RecipientEmail:  event.RecipientEmail,
		CodeHash:        hash,
		CodeFingerprint: Fingerprint(code),
		PaymentRef:      event.EventID,
		State:           domain.StateAwaitingClaim,
		CreatedAt:       s.now().UTC(),
	}

	stored, created, err := s.repo.CreateGiftIfAbsent(ctx, gift)
	if err != nil {
		return false, fmt.Errorf("persist gift: %w", err)
	}
	if !created {
		log.Info("duplicate payment delivery, gift already exists", "gift_id", stored.ID.String())
		return false, nil
	}

	log.Info("gift created", "gift_id", stored.ID.String(), "amount", stored.Amount)
	s.sendCodeEmailAsync(stored, code)
	s.publishEvent(ctx, "gift.created", domain.GiftEvent{
		GiftID:         stored.ID,
		RecipientEmail: stored.RecipientEmail,
		Amount:         stored.Amount,
		Currency:       stored.Currency,
		State:          stored.State,
		Timestamp:      s.now().UTC(),
	})
	return true, nil
}

func (s *Service) reverseGift(ctx context.Context, event domain.PaymentEvent, log *slog.Logger) error {
	gift, err := s.repo.FindGiftByPaymentRef(ctx, event.EventID)
	if err != nil {
		if errors.Is(err, store.ErrGiftNotFound) {
			log.Warn("reversal for unknown payment reference")
			return nil
		}
		return fmt.Errorf("load gift for reversal: %w", err)
	}

	if err := s.repo.RevertGiftToAwaitingClaim(ctx, gift.ID); err != nil {
		if errors.Is(err, store.ErrGiftNotClaimed) {
			log.Info("reversal received for unclaimed gift, nothing to revert", "gift_id", gift.ID.String())
			return nil
		}
		return fmt.Errorf("revert gift: %w", err)
	}

	log.Warn("gift payout reversed", "gift_id", gift.ID.String())
	s.publishEvent(ctx, "gift.reversed", domain.GiftEvent{
		GiftID:         gift.ID,
		RecipientEmail: gift.RecipientEmail,
		Amount:         gift.Amount,
		Currency:       gift.Currency,
		State:          domain.StateAwaitingClaim,
		Timestamp:      s.now().UTC(),
	})
	return nil
}

// ResendGiftCode rotates the claim code for an unclaimed gift and emails the
// new one to the recipient. The previous code stops working immediately.
func (s *Service) ResendGiftCode(ctx context.Context, giftID uuid.UUID) error {
	gift, err := s.repo.FindGiftByID(ctx, giftID)
	if err != nil {
		return err
	}
	if gift.State == domain.StateClaimed {
		return store.ErrGiftAlreadyClaimed
	}

	code, err := s.codegen.Generate(ctx, s.repo.GiftCodeFingerprintExists)
	if err != nil {
		return fmt.Errorf("generate claim code: %w", err)
	}
	hash, err := s.codegen.Hash(code)
	if err != nil {
		return fmt.Errorf("hash claim code: %w", err)
	}
	if err := s.repo.UpdateGiftCodeHash(ctx, gift.ID, hash, Fingerprint(code)); err != nil {
		return fmt.Errorf("rotate claim code: %w", err)
	}

	if err := s.mailer.Send(ctx, gift.RecipientEmail, codeEmailSubject, codeEmailBody(gift, code)); err != nil {
		return fmt.Errorf("send claim code email: %w", err)
	}
	s.logger.Info("claim code rotated and resent", "component", "ingest", "gift_id", gift.ID.String())
	return nil
}

const codeEmailSubject = "You've received a gift"

func codeEmailBody(gift *domain.Gift, code string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s sent you a gift of %s.\n\n", gift.SenderEmail, formatAmount(gift.Amount, gift.Currency))
	if gift.Message != nil && *gift.Message != "" {
		fmt.Fprintf(&b, "Their message: %s\n\n", *gift.Message)
	}
	fmt.Fprintf(&b, "Your claim code is %s. Enter it on the claim page to receive your payout.\n", code)
	return b.String()
}

func formatAmount(minor int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", minor/100, minor%100, strings.ToUpper(currency))
}

// sendCodeEmailAsync delivers the claim code without holding up webhook
// acknowledgement. Delivery failure is logged; the code can be resent
// through the internal endpoint.
func (s *Service) sendCodeEmailAsync(gift *domain.Gift, code string) {
	if s.mailer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), codeEmailTimeout)
		defer cancel()
		if err := s.mailer.Send(ctx, gift.RecipientEmail, codeEmailSubject, codeEmailBody(gift, code)); err != nil {
			s.logger.Error("failed to email claim code", "component", "ingest", "gift_id", gift.ID.String(), "err", err)
		}
	}()
}
