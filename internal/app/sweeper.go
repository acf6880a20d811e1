/**
 * @description
 * This file contains the scheduled runner for the reconciliation sweep. It
 * wraps robfig/cron so a sweep fires on a configurable schedule, with a
 * lookback window that overlaps consecutive runs; the sweep's idempotent
 * ingestion makes the overlap harmless, and it covers payments that settle
 * right around a run boundary.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Cron scheduling with panic recovery.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically runs the reconciliation sweep.
type Sweeper struct {
	service  *Service
	cron     *cron.Cron
	lookback time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper that runs on the given cron schedule,
// reconciling payments from the last lookback period on each run.
func NewSweeper(service *Service, schedule string, lookback, timeout time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	s := &Sweeper{
		service:  service,
		cron:     cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		lookback: lookback,
		timeout:  timeout,
		logger:   logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("register sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule in a background goroutine.
func (s *Sweeper) Start() {
	s.logger.Info("reconciliation sweeper started", "component", "sweeper", "lookback", s.lookback.String())
	s.cron.Start()
}

// Stop halts the schedule and waits for an in-progress run to finish.
func (s *Sweeper) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("reconciliation sweeper stopped", "component", "sweeper")
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	since := time.Now().UTC().Add(-s.lookback)
	if _, err := s.service.Reconcile(ctx, since); err != nil {
		if errors.Is(err, ErrReconcileInProgress) {
			s.logger.Warn("skipping scheduled sweep, one is already running", "component", "sweeper")
			return
		}
		s.logger.Error("scheduled sweep failed", "component", "sweeper", "err", err)
	}
}
