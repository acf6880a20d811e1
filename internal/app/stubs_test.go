package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giftwave/gift-service/internal/domain"
	"github.com/giftwave/gift-service/internal/store"
	"github.com/giftwave/gift-service/pkg/payprovider"
	"github.com/giftwave/gift-service/pkg/rabbitmq"
)

// stubRepository implements store.Repository with overridable behavior per
// method. Unset methods return permissive defaults so each test only wires
// what it cares about.
type stubRepository struct {
	createGiftIfAbsent        func(ctx context.Context, gift *domain.Gift) (*domain.Gift, bool, error)
	findGiftByID              func(ctx context.Context, giftID uuid.UUID) (*domain.Gift, error)
	findGiftByPaymentRef      func(ctx context.Context, paymentRef string) (*domain.Gift, error)
	giftCodeFingerprintExists func(ctx context.Context, fingerprint string) (bool, error)
	updateGiftCodeHash        func(ctx context.Context, giftID uuid.UUID, codeHash, fingerprint string) error
	setGiftPayoutAccount      func(ctx context.Context, giftID uuid.UUID, payoutAccountID string) error
	markGiftPayoutPending     func(ctx context.Context, giftID uuid.UUID) error
	markGiftPayoutBlocked     func(ctx context.Context, giftID uuid.UUID) error
	markGiftClaimed           func(ctx context.Context, giftID uuid.UUID, transferID string, claimedAt time.Time) (*domain.Gift, error)
	revertGiftToAwaitingClaim func(ctx context.Context, giftID uuid.UUID) error
	listPayoutBlockedGifts    func(ctx context.Context, limit int, olderThan time.Time) ([]domain.Gift, error)
	findPayoutAccountByEmail  func(ctx context.Context, recipientEmail string) (*domain.PayoutAccount, error)
	findOrCreateMonthlyQuota  func(ctx context.Context, payoutAccountID string, year int, month time.Month) (*domain.MonthlyQuota, error)
	incrementMonthlyQuota     func(ctx context.Context, payoutAccountID string, year int, month time.Month, amount int64) error
}

func (r *stubRepository) CreateGiftIfAbsent(ctx context.Context, gift *domain.Gift) (*domain.Gift, bool, error) {
	if r.createGiftIfAbsent != nil {
		return r.createGiftIfAbsent(ctx, gift)
	}
	return gift, true, nil
}

func (r *stubRepository) FindGiftByID(ctx context.Context, giftID uuid.UUID) (*domain.Gift, error) {
	if r.findGiftByID != nil {
		return r.findGiftByID(ctx, giftID)
	}
	return nil, store.ErrGiftNotFound
}

func (r *stubRepository) FindGiftByPaymentRef(ctx context.Context, paymentRef string) (*domain.Gift, error) {
	if r.findGiftByPaymentRef != nil {
		return r.findGiftByPaymentRef(ctx, paymentRef)
	}
	return nil, store.ErrGiftNotFound
}

func (r *stubRepository) GiftCodeFingerprintExists(ctx context.Context, fingerprint string) (bool, error) {
	if r.giftCodeFingerprintExists != nil {
		return r.giftCodeFingerprintExists(ctx, fingerprint)
	}
	return false, nil
}

func (r *stubRepository) UpdateGiftCodeHash(ctx context.Context, giftID uuid.UUID, codeHash, fingerprint string) error {
	if r.updateGiftCodeHash != nil {
		return r.updateGiftCodeHash(ctx, giftID, codeHash, fingerprint)
	}
	return nil
}

func (r *stubRepository) SetGiftPayoutAccount(ctx context.Context, giftID uuid.UUID, payoutAccountID string) error {
	if r.setGiftPayoutAccount != nil {
		return r.setGiftPayoutAccount(ctx, giftID, payoutAccountID)
	}
	return nil
}

func (r *stubRepository) MarkGiftPayoutPending(ctx context.Context, giftID uuid.UUID) error {
	if r.markGiftPayoutPending != nil {
		return r.markGiftPayoutPending(ctx, giftID)
	}
	return nil
}

func (r *stubRepository) MarkGiftPayoutBlocked(ctx context.Context, giftID uuid.UUID) error {
	if r.markGiftPayoutBlocked != nil {
		return r.markGiftPayoutBlocked(ctx, giftID)
	}
	return nil
}

func (r *stubRepository) MarkGiftClaimed(ctx context.Context, giftID uuid.UUID, transferID string, claimedAt time.Time) (*domain.Gift, error) {
	if r.markGiftClaimed != nil {
		return r.markGiftClaimed(ctx, giftID, transferID, claimedAt)
	}
	return nil, store.ErrGiftNotFound
}

func (r *stubRepository) RevertGiftToAwaitingClaim(ctx context.Context, giftID uuid.UUID) error {
	if r.revertGiftToAwaitingClaim != nil {
		return r.revertGiftToAwaitingClaim(ctx, giftID)
	}
	return nil
}

func (r *stubRepository) ListPayoutBlockedGifts(ctx context.Context, limit int, olderThan time.Time) ([]domain.Gift, error) {
	if r.listPayoutBlockedGifts != nil {
		return r.listPayoutBlockedGifts(ctx, limit, olderThan)
	}
	return nil, nil
}

func (r *stubRepository) FindPayoutAccountByEmail(ctx context.Context, recipientEmail string) (*domain.PayoutAccount, error) {
	if r.findPayoutAccountByEmail != nil {
		return r.findPayoutAccountByEmail(ctx, recipientEmail)
	}
	return nil, store.ErrPayoutAccountNotFound
}

func (r *stubRepository) FindOrCreateMonthlyQuota(ctx context.Context, payoutAccountID string, year int, month time.Month) (*domain.MonthlyQuota, error) {
	if r.findOrCreateMonthlyQuota != nil {
		return r.findOrCreateMonthlyQuota(ctx, payoutAccountID, year, month)
	}
	return &domain.MonthlyQuota{PayoutAccountID: payoutAccountID, Year: year, Month: int(month)}, nil
}

func (r *stubRepository) IncrementMonthlyQuota(ctx context.Context, payoutAccountID string, year int, month time.Month, amount int64) error {
	if r.incrementMonthlyQuota != nil {
		return r.incrementMonthlyQuota(ctx, payoutAccountID, year, month, amount)
	}
	return nil
}

// stubProvider implements PayoutProvider.
type stubProvider struct {
	createTransfer        func(ctx context.Context, req payprovider.TransferRequest) (*payprovider.TransferResponse, error)
	retrieveAccountStatus func(ctx context.Context, accountID string) (*domain.AccountStatus, error)
	createOnboardingLink  func(ctx context.Context, recipientEmail string) (string, error)
	listSucceededPayments func(ctx context.Context, since time.Time) ([]domain.PaymentEvent, error)
}

func (p *stubProvider) CreateTransfer(ctx context.Context, req payprovider.TransferRequest) (*payprovider.TransferResponse, error) {
	if p.createTransfer != nil {
		return p.createTransfer(ctx, req)
	}
	return &payprovider.TransferResponse{ID: "trf_test", Status: "succeeded"}, nil
}

func (p *stubProvider) RetrieveAccountStatus(ctx context.Context, accountID string) (*domain.AccountStatus, error) {
	if p.retrieveAccountStatus != nil {
		return p.retrieveAccountStatus(ctx, accountID)
	}
	return &domain.AccountStatus{ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true}, nil
}

func (p *stubProvider) CreateOnboardingLink(ctx context.Context, recipientEmail string) (string, error) {
	if p.createOnboardingLink != nil {
		return p.createOnboardingLink(ctx, recipientEmail)
	}
	return "https://onboarding.example.com/start", nil
}

func (p *stubProvider) ListSucceededPayments(ctx context.Context, since time.Time) ([]domain.PaymentEvent, error) {
	if p.listSucceededPayments != nil {
		return p.listSucceededPayments(ctx, since)
	}
	return nil, nil
}

// stubMailer records sent emails; sends are signalled on a channel so tests
// can wait for the asynchronous code email.
type stubMailer struct {
	mu    sync.Mutex
	sent  []sentEmail
	fail  error
	woken chan struct{}
}

type sentEmail struct {
	to      string
	subject string
	body    string
}

func newStubMailer() *stubMailer {
	return &stubMailer{woken: make(chan struct{}, 16)}
}

func (m *stubMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	m.sent = append(m.sent, sentEmail{to: to, subject: subject, body: body})
	m.mu.Unlock()
	select {
	case m.woken <- struct{}{}:
	default:
	}
	return m.fail
}

func (m *stubMailer) waitForSend(timeout time.Duration) bool {
	select {
	case <-m.woken:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (m *stubMailer) sentEmails() []sentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentEmail, len(m.sent))
	copy(out, m.sent)
	return out
}

// stubPublisher records published events.
type stubPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	routingKey string
	payload    interface{}
}

func (p *stubPublisher) PublishEvent(_ context.Context, routingKey string, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{routingKey: routingKey, payload: event})
	return nil
}

func (p *stubPublisher) Close() {}

func (p *stubPublisher) published() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedEvent, len(p.events))
	copy(out, p.events)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var _ rabbitmq.Publisher = (*stubPublisher)(nil)

// newTestService wires a Service over the stubs with generous rate limits so
// tests exercising other behavior are never throttled.
func newTestService(repo store.Repository, provider PayoutProvider, mailer Mailer, publisher rabbitmq.Publisher) *Service {
	guard := NewRateGuard(NewMemoryAttemptStore(), 3, time.Hour, time.Hour)
	limits := NewLimitLedger(repo, QuotaPolicy{
		MinGiftAmount:    100,
		MaxGiftAmount:    500_000,
		MonthlyAmountCap: 2_000_000,
		MonthlyCountCap:  10,
	})
	return NewService(
		repo,
		provider,
		mailer,
		publisher,
		guard,
		limits,
		NewCodeGenerator(0),
		ClaimRatePolicy{IPMaxAttempts: 1000, GiftMaxAttempts: 1000, Window: time.Minute},
		discardLogger(),
	)
}

func ptrString(value string) *string {
	return &value
}
