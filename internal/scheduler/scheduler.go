// Package scheduler runs the periodic payout sweep and stale lock reaper.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"storefront-escrow/internal/metrics"
	"storefront-escrow/internal/payout"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// Sweeper runs one automatic release batch.
type Sweeper interface {
	SweepAuto(ctx context.Context, limit int) (payout.Summary, error)
}

// Reaper releases stuck locks.
type Reaper interface {
	Reap(ctx context.Context) (payout.ReapSummary, error)
}

// Config sets job intervals. A zero interval disables the job.
type Config struct {
	SweepInterval  time.Duration
	SweepLimit     int
	ReaperInterval time.Duration
	// RunTimeout bounds a single job run.
	RunTimeout time.Duration
}

// Scheduler owns the gocron scheduler and its jobs.
type Scheduler struct {
	cfg     Config
	sched   gocron.Scheduler
	sweeper Sweeper
	reaper  Reaper
	logger  *slog.Logger
	metrics *metrics.Metrics
	ctx     context.Context
}

// New registers the configured jobs. Jobs run in singleton mode so a slow run
// is never overlapped by the next tick.
func New(cfg Config, sweeper Sweeper, reaper Reaper, logger *slog.Logger, metricRegistry *metrics.Metrics) (*Scheduler, error) {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	s := &Scheduler{
		cfg:     cfg,
		sched:   sched,
		sweeper: sweeper,
		reaper:  reaper,
		logger:  logger.With("component", "scheduler"),
		metrics: metricRegistry,
		ctx:     context.Background(),
	}

	if cfg.SweepInterval > 0 && sweeper != nil {
		if err := s.add("payout-sweep", cfg.SweepInterval, s.sweep); err != nil {
			return nil, err
		}
	}
	if cfg.ReaperInterval > 0 && reaper != nil {
		if err := s.add("stale-lock-reaper", cfg.ReaperInterval, s.reap); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name string, every time.Duration, run func(ctx context.Context, runID string)) error {
	job, err := s.sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RunTimeout)
			defer cancel()
			run(ctx, uuid.NewString())
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.logger.Info("job scheduled", "job", name, "job_id", job.ID().String(), "every", every)
	return nil
}

// Jobs reports the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.sched.Jobs())
}

// Start begins running jobs. Runs use ctx as their parent.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.sched.Start()
	s.logger.Info("scheduler started", "jobs", s.Jobs())
}

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

func (s *Scheduler) sweep(ctx context.Context, runID string) {
	summary, err := s.sweeper.SweepAuto(ctx, s.cfg.SweepLimit)
	if err != nil {
		s.metrics.Errors.WithLabelValues("scheduler_sweep").Inc()
		s.logger.Error("scheduled sweep failed", "run_id", runID, "error", err)
		return
	}
	s.logger.Info("scheduled sweep finished", "run_id", runID, "released", summary.Released, "failed", summary.Failed, "reason", summary.Reason)
}

func (s *Scheduler) reap(ctx context.Context, runID string) {
	summary, err := s.reaper.Reap(ctx)
	if err != nil {
		s.metrics.Errors.WithLabelValues("scheduler_reaper").Inc()
		s.logger.Error("scheduled reap failed", "run_id", runID, "error", err)
		return
	}
	if summary.Unlocked > 0 || summary.Quarantined > 0 {
		s.logger.Warn("stale locks released", "run_id", runID, "unlocked", summary.Unlocked, "quarantined", summary.Quarantined)
	}
}
