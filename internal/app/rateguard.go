package app

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Scopes for claim-attempt counting. Every claim verification is counted
// under both: the IP scope is coarse flood control, the gift scope throttles
// targeted brute force against a single code.
const (
	ScopeIP   = "ip"
	ScopeGift = "gift"

	failureScope = "fail"
	blockScope   = "block"
)

// AttemptStore is the keyed counter/TTL store behind RateGuard. The default
// deployment uses the in-memory implementation below; a multi-process
// deployment swaps in the Redis implementation without changing call sites.
type AttemptStore interface {
	// Increment bumps the counter under key, starting a fresh window when
	// none is active, and returns the post-increment count and the window's
	// reset time.
	Increment(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
	// Clear removes the counter under key.
	Clear(ctx context.Context, key string) error
	// SetBlock marks key as blocked for the given duration.
	SetBlock(ctx context.Context, key string, d time.Duration) error
	// BlockRemaining returns how long key stays blocked; zero means not
	// blocked.
	BlockRemaining(ctx context.Context, key string) (time.Duration, error)
}

// RateGuardDecision is the outcome of one rate-limit check.
type RateGuardDecision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateGuard enforces short-window attempt limits and failure lockouts on
// claim verification. Counter loss on restart is an accepted trade-off of
// the in-memory backend; the guard is a defensive layer, not a ledger.
type RateGuard struct {
	store            AttemptStore
	failureThreshold int
	failureWindow    time.Duration
	blockCooldown    time.Duration
}

// NewRateGuard wires a RateGuard over the given store. failureThreshold
// failed verifications within failureWindow block the source IP for
// blockCooldown.
func NewRateGuard(store AttemptStore, failureThreshold int, failureWindow, blockCooldown time.Duration) *RateGuard {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if failureWindow <= 0 {
		failureWindow = time.Hour
	}
	if blockCooldown <= 0 {
		blockCooldown = time.Hour
	}
	return &RateGuard{
		store:            store,
		failureThreshold: failureThreshold,
		failureWindow:    failureWindow,
		blockCooldown:    blockCooldown,
	}
}

// CheckAndIncrement counts one attempt under (scope, identifier) and allows
// it iff the window's budget is not exhausted. Windows reset on expiry: the
// first attempt after resetAt starts a fresh counter at 1.
func (rg *RateGuard) CheckAndIncrement(ctx context.Context, scope, identifier string, maxAttempts int, window time.Duration) (RateGuardDecision, error) {
	count, resetAt, err := rg.store.Increment(ctx, counterKey(scope, identifier), window)
	if err != nil {
		return RateGuardDecision{}, fmt.Errorf("rate counter increment: %w", err)
	}
	remaining := maxAttempts - count
	if remaining < 0 {
		remaining = 0
	}
	return RateGuardDecision{
		Allowed:   count <= maxAttempts,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// IsBlocked reports whether (scope, identifier) is currently blocked.
func (rg *RateGuard) IsBlocked(ctx context.Context, scope, identifier string) (bool, error) {
	remaining, err := rg.RemainingBlockTime(ctx, scope, identifier)
	if err != nil {
		return false, err
	}
	return remaining > 0, nil
}

// Block blocks (scope, identifier) for the given duration.
func (rg *RateGuard) Block(ctx context.Context, scope, identifier string, d time.Duration) error {
	return rg.store.SetBlock(ctx, blockKey(scope, identifier), d)
}

// RemainingBlockTime returns how long (scope, identifier) stays blocked;
// zero when it is not blocked.
func (rg *RateGuard) RemainingBlockTime(ctx context.Context, scope, identifier string) (time.Duration, error) {
	remaining, err := rg.store.BlockRemaining(ctx, blockKey(scope, identifier))
	if err != nil {
		return 0, fmt.Errorf("block lookup: %w", err)
	}
	return remaining, nil
}

// BlockCooldown returns how long a freshly triggered block lasts.
func (rg *RateGuard) BlockCooldown() time.Duration {
	return rg.blockCooldown
}

// RecordFailure counts one failed code verification for (scope, identifier)
// and blocks it once the long-window failure counter saturates. It returns
// whether the pair is now blocked.
func (rg *RateGuard) RecordFailure(ctx context.Context, scope, identifier string) (bool, error) {
	count, _, err := rg.store.Increment(ctx, failureKey(scope, identifier), rg.failureWindow)
	if err != nil {
		return false, fmt.Errorf("failure counter increment: %w", err)
	}
	if count < rg.failureThreshold {
		return false, nil
	}
	if err := rg.Block(ctx, scope, identifier, rg.blockCooldown); err != nil {
		return false, err
	}
	return true, nil
}

// ClearFailures resets the failure counter for (scope, identifier). Called
// after a successful verification so one honest mistake followed by success
// never accumulates toward a block.
func (rg *RateGuard) ClearFailures(ctx context.Context, scope, identifier string) error {
	return rg.store.Clear(ctx, failureKey(scope, identifier))
}

func counterKey(scope, identifier string) string {
	return scope + ":" + identifier
}

func failureKey(scope, identifier string) string {
	return failureScope + ":" + scope + ":" + identifier
}

func blockKey(scope, identifier string) string {
	return blockScope + ":" + scope + ":" + identifier
}

// memoryCounter is one sliding-window counter.
type memoryCounter struct {
	count   int
	resetAt time.Time
}

// memorySweepInterval bounds how often the in-memory store scans for
// expired entries; without the scan, counters for one-off keys would sit in
// the map forever.
const memorySweepInterval = time.Minute

// MemoryAttemptStore is the single-process AttemptStore: a map guarded by a
// mutex, with expiry applied lazily on access and a periodic eviction scan
// for keys that are never touched again.
type MemoryAttemptStore struct {
	mu        sync.Mutex
	counters  map[string]*memoryCounter
	blocks    map[string]time.Time
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryAttemptStore creates an empty in-memory store.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{
		counters: make(map[string]*memoryCounter),
		blocks:   make(map[string]time.Time),
		now:      time.Now,
	}
}

func (s *MemoryAttemptStore) Increment(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evictExpiredLocked(now)
	c, ok := s.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &memoryCounter{count: 0, resetAt: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, c.resetAt, nil
}

// evictExpiredLocked drops expired counters and blocks. Runs at most once
// per memorySweepInterval; the caller must hold s.mu.
func (s *MemoryAttemptStore) evictExpiredLocked(now time.Time) {
	if now.Sub(s.lastSweep) < memorySweepInterval {
		return
	}
	s.lastSweep = now
	for key, c := range s.counters {
		if !now.Before(c.resetAt) {
			delete(s.counters, key)
		}
	}
	for key, until := range s.blocks {
		if !now.Before(until) {
			delete(s.blocks, key)
		}
	}
}

func (s *MemoryAttemptStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}

func (s *MemoryAttemptStore) SetBlock(_ context.Context, key string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[key] = s.now().Add(d)
	return nil
}

func (s *MemoryAttemptStore) BlockRemaining(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.blocks[key]
	if !ok {
		return 0, nil
	}
	remaining := until.Sub(s.now())
	if remaining <= 0 {
		delete(s.blocks, key)
		return 0, nil
	}
	return remaining, nil
}
