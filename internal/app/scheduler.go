/**
 * @description
 * Cron scheduler that drives the outgoing payment worker. Each tick drains due
 * payments up to a batch limit; several entries give several concurrent workers.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// SchedulerConfig controls how often and how widely the worker runs.
type SchedulerConfig struct {
	Schedule   string
	Workers    int
	BatchLimit int
}

type paymentProcessor interface {
	ProcessNext(ctx context.Context) (*uuid.UUID, error)
}

// Scheduler manages the worker cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	processor paymentProcessor
	logger    *slog.Logger
	config    SchedulerConfig
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(processor paymentProcessor, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1s"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:      c,
		processor: processor,
		logger:    logger,
		config:    cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start registers one job per worker and starts the cron scheduler.
func (s *Scheduler) Start() {
	for i := 0; i < s.config.Workers; i++ {
		if _, err := s.cron.AddFunc(s.config.Schedule, s.runWorker); err != nil {
			s.logger.Error("failed to schedule payment worker", "error", err)
			return
		}
	}
	s.logger.Info("scheduled payment workers", "schedule", s.config.Schedule, "workers", s.config.Workers)
	s.cron.Start()
}

// Stop stops scheduling and cancels running workers. The returned context is
// done once running jobs have returned.
func (s *Scheduler) Stop() context.Context {
	s.cancel()
	return s.cron.Stop()
}

func (s *Scheduler) runWorker() {
	for i := 0; i < s.config.BatchLimit; i++ {
		if s.ctx.Err() != nil {
			return
		}
		id, err := s.processor.ProcessNext(s.ctx)
		if err != nil {
			s.logger.Error("payment worker failed", "error", err)
			return
		}
		if id == nil {
			return
		}
		s.logger.Debug("processed payment", "payment_id", id.String())
	}
}
