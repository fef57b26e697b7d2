/**
 * @description
 * Cron scheduler for periodic precision cache refreshes. Ledgers rarely change
 * precision, but when they do the connector must stop rounding to the stale
 * scale without a restart.
 */
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	cache    *PrecisionCache
	ledgers  []string
	schedule string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewScheduler creates a scheduler that resets cache on schedule and then
// warms it for ledgers.
func NewScheduler(cache *PrecisionCache, ledgers []string, schedule string, timeout time.Duration, logger *zap.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		cache:    cache,
		ledgers:  ledgers,
		schedule: schedule,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "scheduler")),
	}
}

// Start registers the refresh job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.RefreshPrecisions); err != nil {
		s.logger.Error("failed to schedule precision refresh job", zap.Error(err))
		return err
	}
	s.logger.Info("scheduled precision refresh job", zap.String("schedule", s.schedule))
	s.cron.Start()
	return nil
}

// RefreshPrecisions drops cached precisions and fetches them again.
func (s *Scheduler) RefreshPrecisions() {
	s.cache.Reset()
	for _, ledger := range s.ledgers {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if _, err := s.cache.Get(ctx, ledger); err != nil {
			s.logger.Warn("precision warm-up failed", zap.String("ledger", ledger), zap.Error(err))
		}
		cancel()
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
