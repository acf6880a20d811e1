package app

import (
	"context"
	"fmt"
	"time"

	"github.com/giftwave/gift-service/internal/store"
)

// QuotaPolicy holds the configured claim limits. Amounts are in minor
// currency units.
type QuotaPolicy struct {
	MinGiftAmount    int64
	MaxGiftAmount    int64
	MonthlyAmountCap int64
	MonthlyCountCap  int
}

// QuotaDecision is the outcome of a limit check. Reason is human-readable
// and names the exact remaining headroom; it is surfaced to the caller
// verbatim, never replaced by a generic denial.
type QuotaDecision struct {
	Allowed         bool
	Reason          string
	CurrentAmount   int64
	CurrentCount    int
	RemainingAmount int64
	RemainingCount  int
}

// LimitLedger enforces per-recipient monthly amount and count quotas against
// the persisted monthly_quotas rows.
type LimitLedger struct {
	repo   store.Repository
	policy QuotaPolicy
	now    func() time.Time
}

// NewLimitLedger creates a ledger over the given repository and policy.
func NewLimitLedger(repo store.Repository, policy QuotaPolicy) *LimitLedger {
	return &LimitLedger{repo: repo, policy: policy, now: time.Now}
}

// CheckLimits validates a candidate payout against the policy and the
// current period's usage. Checks run in order: minimum amount, per-gift
// maximum, monthly amount cap, then monthly count cap. The first failure
// short-circuits.
func (l *LimitLedger) CheckLimits(ctx context.Context, payoutAccountID string, candidateAmount int64) (QuotaDecision, error) {
	year, month := l.period()
	quota, err := l.repo.FindOrCreateMonthlyQuota(ctx, payoutAccountID, year, month)
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("load monthly quota: %w", err)
	}

	decision := QuotaDecision{
		CurrentAmount:   quota.TotalAmount,
		CurrentCount:    quota.GiftCount,
		RemainingAmount: l.policy.MonthlyAmountCap - quota.TotalAmount,
		RemainingCount:  l.policy.MonthlyCountCap - quota.GiftCount,
	}
	if decision.RemainingAmount < 0 {
		decision.RemainingAmount = 0
	}
	if decision.RemainingCount < 0 {
		decision.RemainingCount = 0
	}

	switch {
	case candidateAmount < l.policy.MinGiftAmount:
		decision.Reason = fmt.Sprintf("gift amount %d is below the minimum of %d", candidateAmount, l.policy.MinGiftAmount)
	case l.policy.MaxGiftAmount > 0 && candidateAmount > l.policy.MaxGiftAmount:
		decision.Reason = fmt.Sprintf("gift amount %d exceeds the per-gift maximum of %d", candidateAmount, l.policy.MaxGiftAmount)
	case l.policy.MonthlyAmountCap > 0 && quota.TotalAmount+candidateAmount > l.policy.MonthlyAmountCap:
		decision.Reason = fmt.Sprintf("monthly amount cap reached: %d of %d remaining this month", decision.RemainingAmount, l.policy.MonthlyAmountCap)
	case l.policy.MonthlyCountCap > 0 && quota.GiftCount+1 > l.policy.MonthlyCountCap:
		decision.Reason = fmt.Sprintf("monthly gift count cap reached: %d of %d remaining this month", decision.RemainingCount, l.policy.MonthlyCountCap)
	default:
		decision.Allowed = true
	}

	return decision, nil
}

// Commit records a completed payout against the current period. It is not
// idempotent; the orchestrator calls it exactly once, after a definitive
// transfer success and before marking the gift claimed.
func (l *LimitLedger) Commit(ctx context.Context, payoutAccountID string, amount int64) error {
	year, month := l.period()
	if err := l.repo.IncrementMonthlyQuota(ctx, payoutAccountID, year, month, amount); err != nil {
		return fmt.Errorf("commit monthly quota: %w", err)
	}
	return nil
}

func (l *LimitLedger) period() (int, time.Month) {
	now := l.now().UTC()
	return now.Year(), now.Month()
}
