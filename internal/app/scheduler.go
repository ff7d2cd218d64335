package app

import (
	"context"
	"log/slog"

	"github.com/carelink/payout-service/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

type scheduledJob struct {
	name     string
	schedule string
	run      func()
}

func (s *Scheduler) registrations() []scheduledJob {
	return []scheduledJob{
		{name: "weekly payout", schedule: s.config.WeeklyPayoutSchedule, run: s.jobs.RunWeeklyPayouts},
		{name: "biweekly payout", schedule: s.config.BiweeklyPayoutSchedule, run: s.jobs.RunBiweeklyPayouts},
		{name: "monthly payout", schedule: s.config.MonthlyPayoutSchedule, run: s.jobs.RunMonthlyPayouts},
		{name: "compliance check", schedule: s.config.ComplianceJobSchedule, run: s.jobs.RunComplianceChecks},
		{name: "webhook retry", schedule: s.config.WebhookRetrySchedule, run: s.jobs.ProcessWebhookRetries},
	}
}

// Start registers the jobs and starts the cron scheduler. A job with an empty or invalid
// schedule is logged and left unscheduled.
func (s *Scheduler) Start() {
	for _, job := range s.registrations() {
		if job.schedule == "" {
			s.logger.Warn("job has no schedule; not registered", "job", job.name)
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, job.run); err != nil {
			s.logger.Error("failed to schedule job", "job", job.name, "schedule", job.schedule, "error", err)
			continue
		}
		s.logger.Info("scheduled job", "job", job.name, "schedule", job.schedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
