package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger

	auditSchedule string
	purgeSchedule string
}

func NewScheduler(jobs *Jobs, logger *slog.Logger, auditSchedule, purgeSchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Scheduler{
		cron:          cron.New(cron.WithChain(cron.Recover(cronLogger))),
		jobs:          jobs,
		logger:        logger,
		auditSchedule: auditSchedule,
		purgeSchedule: purgeSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler. A job with an
// invalid schedule is logged and skipped.
func (s *Scheduler) Start() {
	s.register("ledger audit", s.auditSchedule, s.jobs.AuditLedger)
	s.register("outbox purge", s.purgeSchedule, s.jobs.PurgeOutbox)
	s.cron.Start()
}

func (s *Scheduler) register(name, schedule string, job func()) {
	if schedule == "" {
		s.logger.Info("job disabled", "job", name)
		return
	}
	if _, err := s.cron.AddFunc(schedule, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", schedule, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", schedule)
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
