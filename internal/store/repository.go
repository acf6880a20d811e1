/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access performed by the gift-service. Keeping the business logic behind an
 * interface decouples it from PostgreSQL and lets tests substitute in-memory
 * stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For gift identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/giftwave/gift-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Gift methods.
	//
	// CreateGiftIfAbsent is the idempotency boundary for payment ingestion:
	// the insert is keyed on gift.PaymentRef and performed as a single
	// statement, so two concurrent deliveries of the same notification
	// produce exactly one row. created reports whether this call inserted
	// the row; when false the previously stored gift is returned.
	CreateGiftIfAbsent(ctx context.Context, gift *domain.Gift) (stored *domain.Gift, created bool, err error)
	FindGiftByID(ctx context.Context, giftID uuid.UUID) (*domain.Gift, error)
	FindGiftByPaymentRef(ctx context.Context, paymentRef string) (*domain.Gift, error)
	GiftCodeFingerprintExists(ctx context.Context, fingerprint string) (bool, error)
	UpdateGiftCodeHash(ctx context.Context, giftID uuid.UUID, codeHash, fingerprint string) error
	SetGiftPayoutAccount(ctx context.Context, giftID uuid.UUID, payoutAccountID string) error

	// State transitions. MarkGiftClaimed is a conditional update guarded on
	// the current state; it returns ErrGiftAlreadyClaimed when it loses the
	// race so that concurrent claims on one gift yield exactly one success.
	MarkGiftPayoutPending(ctx context.Context, giftID uuid.UUID) error
	MarkGiftPayoutBlocked(ctx context.Context, giftID uuid.UUID) error
	MarkGiftClaimed(ctx context.Context, giftID uuid.UUID, transferID string, claimedAt time.Time) (*domain.Gift, error)
	RevertGiftToAwaitingClaim(ctx context.Context, giftID uuid.UUID) error
	ListPayoutBlockedGifts(ctx context.Context, limit int, olderThan time.Time) ([]domain.Gift, error)

	// Payout account methods.
	FindPayoutAccountByEmail(ctx context.Context, recipientEmail string) (*domain.PayoutAccount, error)

	// Monthly quota methods.
	FindOrCreateMonthlyQuota(ctx context.Context, payoutAccountID string, year int, month time.Month) (*domain.MonthlyQuota, error)
	IncrementMonthlyQuota(ctx context.Context, payoutAccountID string, year int, month time.Month, amount int64) error
}
