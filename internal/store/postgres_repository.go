/**
 * @description
 * This file contains the PostgreSQL implementation of the `Repository`
 * interface. It owns the schema (embedded goose migrations run at startup)
 * and every SQL statement in the service. State transitions on gifts are
 * expressed as conditional updates so that concurrent requests cannot
 * double-apply them.
 *
 * @dependencies
 * - context, embed, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pooling.
 * - github.com/jackc/pgerrcode: Constraint-violation error codes.
 * - github.com/pressly/goose/v3: Embedded schema migrations.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/giftwave/gift-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	ErrGiftNotFound          = errors.New("gift not found")
	ErrGiftAlreadyClaimed    = errors.New("gift already claimed")
	ErrGiftNotClaimed        = errors.New("gift is not claimed")
	ErrPayoutAccountNotFound = errors.New("payout account not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository and runs
// the embedded schema migrations.
func NewPostgresRepository(ctx context.Context, db *pgxpool.Pool) (*PostgresRepository, error) {
	r := &PostgresRepository{db: db}
	if err := r.runMigrations(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	sqlDB := stdlib.OpenDBFromPool(r.db)
	defer sqlDB.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

const giftColumns = `
	id, amount, currency, message, sender_email, recipient_email,
	code_hash, code_fingerprint, payment_ref, payout_account_id,
	transfer_id, state, created_at, claimed_at
`

func scanGift(row pgx.Row) (*domain.Gift, error) {
	var g domain.Gift
	err := row.Scan(
		&g.ID,
		&g.Amount,
		&g.Currency,
		&g.Message,
		&g.SenderEmail,
		&g.RecipientEmail,
		&g.CodeHash,
		&g.CodeFingerprint,
		&g.PaymentRef,
		&g.PayoutAccountID,
		&g.TransferID,
		&g.State,
		&g.CreatedAt,
		&g.ClaimedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGiftIfAbsent inserts a gift keyed on its payment reference. The
// existence check and the insert are one statement: `ON CONFLICT DO NOTHING`
// closes the race between two concurrent deliveries of the same payment
// notification. A unique-violation raised by a concurrent insert committing
// first is treated the same as the conflict path.
func (r *PostgresRepository) CreateGiftIfAbsent(ctx context.Context, gift *domain.Gift) (*domain.Gift, bool, error) {
	query := `
		INSERT INTO gifts (
			id, amount, currency, message, sender_email, recipient_email,
			code_hash, code_fingerprint, payment_ref, state, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (payment_ref) DO NOTHING
		RETURNING ` + giftColumns

	createdAt := gift.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	stored, err := scanGift(r.db.QueryRow(
		ctx, query,
		gift.ID,
		gift.Amount,
		gift.Currency,
		gift.Message,
		gift.SenderEmail,
		gift.RecipientEmail,
		gift.CodeHash,
		gift.CodeFingerprint,
		gift.PaymentRef,
		domain.StateAwaitingClaim,
		createdAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if err != pgx.ErrNoRows && !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("insert gift: %w", err)
	}

	existing, err := r.FindGiftByPaymentRef(ctx, gift.PaymentRef)
	if err != nil {
		return nil, false, fmt.Errorf("load existing gift for payment ref: %w", err)
	}
	return existing, false, nil
}

// FindGiftByID retrieves a single gift by its identifier.
func (r *PostgresRepository) FindGiftByID(ctx context.Context, giftID uuid.UUID) (*domain.Gift, error) {
	query := `SELECT ` + giftColumns + ` FROM gifts WHERE id = $1`
	gift, err := scanGift(r.db.QueryRow(ctx, query, giftID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGiftNotFound
		}
		return nil, fmt.Errorf("find gift by id: %w", err)
	}
	return gift, nil
}

// FindGiftByPaymentRef retrieves a gift by its upstream payment reference.
func (r *PostgresRepository) FindGiftByPaymentRef(ctx context.Context, paymentRef string) (*domain.Gift, error) {
	query := `SELECT ` + giftColumns + ` FROM gifts WHERE payment_ref = $1`
	gift, err := scanGift(r.db.QueryRow(ctx, query, paymentRef))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGiftNotFound
		}
		return nil, fmt.Errorf("find gift by payment ref: %w", err)
	}
	return gift, nil
}

// GiftCodeFingerprintExists reports whether any gift already uses a code
// with the given fingerprint. Used by the code generator's collision check;
// the salted verification hash cannot serve this purpose.
func (r *PostgresRepository) GiftCodeFingerprintExists(ctx context.Context, fingerprint string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM gifts WHERE code_fingerprint = $1)`, fingerprint).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check code fingerprint existence: %w", err)
	}
	return exists, nil
}

// UpdateGiftCodeHash replaces the stored code hash and fingerprint for an
// unclaimed gift. Used by the operator resend flow, which re-issues the code.
func (r *PostgresRepository) UpdateGiftCodeHash(ctx context.Context, giftID uuid.UUID, codeHash, fingerprint string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE gifts SET code_hash = $2, code_fingerprint = $3 WHERE id = $1 AND state <> $4`,
		giftID, codeHash, fingerprint, domain.StateClaimed,
	)
	if err != nil {
		return fmt.Errorf("update code hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGiftAlreadyClaimed
	}
	return nil
}

// SetGiftPayoutAccount records the resolved payout account on the gift.
func (r *PostgresRepository) SetGiftPayoutAccount(ctx context.Context, giftID uuid.UUID, payoutAccountID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE gifts SET payout_account_id = $2 WHERE id = $1`,
		giftID, payoutAccountID,
	)
	if err != nil {
		return fmt.Errorf("set payout account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGiftNotFound
	}
	return nil
}

// MarkGiftPayoutPending transitions a gift into the verified-but-unpaid
// state. Claimed gifts are left untouched.
func (r *PostgresRepository) MarkGiftPayoutPending(ctx context.Context, giftID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE gifts SET state = $2 WHERE id = $1 AND state <> $3`,
		giftID, domain.StatePayoutPending, domain.StateClaimed,
	)
	if err != nil {
		return fmt.Errorf("mark payout pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGiftAlreadyClaimed
	}
	return nil
}

// MarkGiftPayoutBlocked flags a verified gift whose payout account is not
// yet ready. The reconcile sweep picks these up later.
func (r *PostgresRepository) MarkGiftPayoutBlocked(ctx context.Context, giftID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE gifts SET state = $2 WHERE id = $1 AND state <> $3`,
		giftID, domain.StatePayoutBlocked, domain.StateClaimed,
	)
	if err != nil {
		return fmt.Errorf("mark payout blocked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGiftAlreadyClaimed
	}
	return nil
}

// MarkGiftClaimed finalizes a gift after a definitive transfer success. The
// guard on the current state makes the transition single-winner: of two
// concurrent claims, exactly one sees the update apply and the other gets
// ErrGiftAlreadyClaimed.
func (r *PostgresRepository) MarkGiftClaimed(ctx context.Context, giftID uuid.UUID, transferID string, claimedAt time.Time) (*domain.Gift, error) {
	query := `
		UPDATE gifts
		SET state = $2, transfer_id = $3, claimed_at = $4
		WHERE id = $1 AND state <> $2
		RETURNING ` + giftColumns

	gift, err := scanGift(r.db.QueryRow(ctx, query, giftID, domain.StateClaimed, transferID, claimedAt))
	if err != nil {
		if err == pgx.ErrNoRows {
			if _, findErr := r.FindGiftByID(ctx, giftID); findErr != nil {
				return nil, findErr
			}
			return nil, ErrGiftAlreadyClaimed
		}
		return nil, fmt.Errorf("mark gift claimed: %w", err)
	}
	return gift, nil
}

// RevertGiftToAwaitingClaim undoes a claim after a payment reversal: the
// transfer reference and claim timestamp are voided together with the state
// so the claimed-implies-transfer invariant keeps holding.
func (r *PostgresRepository) RevertGiftToAwaitingClaim(ctx context.Context, giftID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE gifts SET state = $2, transfer_id = NULL, claimed_at = NULL WHERE id = $1 AND state = $3`,
		giftID, domain.StateAwaitingClaim, domain.StateClaimed,
	)
	if err != nil {
		return fmt.Errorf("revert gift to awaiting claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGiftNotClaimed
	}
	return nil
}

// ListPayoutBlockedGifts returns payout-blocked gifts old enough to be safe
// for automatic retry, oldest first.
func (r *PostgresRepository) ListPayoutBlockedGifts(ctx context.Context, limit int, olderThan time.Time) ([]domain.Gift, error) {
	query := `
		SELECT ` + giftColumns + `
		FROM gifts
		WHERE state = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.StatePayoutBlocked, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list payout blocked gifts: %w", err)
	}
	defer rows.Close()

	var gifts []domain.Gift
	for rows.Next() {
		gift, err := scanGift(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payout blocked gift: %w", err)
		}
		gifts = append(gifts, *gift)
	}
	return gifts, rows.Err()
}

// FindPayoutAccountByEmail resolves a recipient's provider-side payout
// account, if onboarding has completed for them.
func (r *PostgresRepository) FindPayoutAccountByEmail(ctx context.Context, recipientEmail string) (*domain.PayoutAccount, error) {
	var account domain.PayoutAccount
	err := r.db.QueryRow(ctx,
		`SELECT recipient_email, provider_account_id, created_at FROM payout_accounts WHERE recipient_email = $1`,
		recipientEmail,
	).Scan(&account.RecipientEmail, &account.ProviderAccountID, &account.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayoutAccountNotFound
		}
		return nil, fmt.Errorf("find payout account: %w", err)
	}
	return &account, nil
}

// FindOrCreateMonthlyQuota reads the quota row for the given period,
// creating an empty one on first use.
func (r *PostgresRepository) FindOrCreateMonthlyQuota(ctx context.Context, payoutAccountID string, year int, month time.Month) (*domain.MonthlyQuota, error) {
	query := `
		INSERT INTO monthly_quotas (payout_account_id, year, month, total_amount, gift_count, updated_at)
		VALUES ($1, $2, $3, 0, 0, NOW())
		ON CONFLICT (payout_account_id, year, month) DO UPDATE SET payout_account_id = EXCLUDED.payout_account_id
		RETURNING payout_account_id, year, month, total_amount, gift_count, updated_at
	`
	var quota domain.MonthlyQuota
	err := r.db.QueryRow(ctx, query, payoutAccountID, year, int(month)).Scan(
		&quota.PayoutAccountID,
		&quota.Year,
		&quota.Month,
		&quota.TotalAmount,
		&quota.GiftCount,
		&quota.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("find or create monthly quota: %w", err)
	}
	return &quota, nil
}

// IncrementMonthlyQuota adds a completed payout to the period's totals. The
// upsert is a single statement, so concurrent commits never lose updates.
func (r *PostgresRepository) IncrementMonthlyQuota(ctx context.Context, payoutAccountID string, year int, month time.Month, amount int64) error {
	query := `
		INSERT INTO monthly_quotas (payout_account_id, year, month, total_amount, gift_count, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW())
		ON CONFLICT (payout_account_id, year, month)
		DO UPDATE SET
			total_amount = monthly_quotas.total_amount + EXCLUDED.total_amount,
			gift_count = monthly_quotas.gift_count + 1,
			updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, payoutAccountID, year, int(month), amount); err != nil {
		return fmt.Errorf("increment monthly quota: %w", err)
	}
	return nil
}
