// Package cron runs the desk's retention sweep: answered queries older
// than the retention window are pruned on a cron schedule.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/handloop/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultSchedule sweeps every ten minutes.
const DefaultSchedule = "*/10 * * * *"

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Store     *persistence.Store
	Logger    *slog.Logger
	Schedule  string        // cron expression; defaults to DefaultSchedule
	Retention time.Duration // how long answered queries are kept
}

// Sweeper prunes answered queries on a cron schedule.
type Sweeper struct {
	store     *persistence.Store
	logger    *slog.Logger
	schedule  cronlib.Schedule
	retention time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper with the given config. An invalid cron
// expression is an error; the caller decides whether to run without a
// sweep.
func NewSweeper(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Sweeper{
		store:     cfg.Store,
		logger:    logger,
		schedule:  sched,
		retention: retention,
	}, nil
}

// Start begins the sweep loop in a background goroutine. It respects the
// provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "retention", s.retention)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep prunes answered queries older than the retention window once.
func (s *Sweeper) Sweep(ctx context.Context) {
	n, err := s.store.PruneAnswered(ctx, s.retention)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("retention sweep pruned answered queries", "count", n)
	}
}
