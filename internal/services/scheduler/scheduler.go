// Package scheduler fires automations on their cron schedules.
package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
	"github.com/ternarybob/fakturenn/internal/services/jobs"
)

// Scheduler loads every active automation with a cron schedule and triggers
// a job when it fires. The automation's from_date_rule is resolved by the
// coordinator at run time, so the scheduler passes no explicit from date.
type Scheduler struct {
	logger  arbor.ILogger
	storage interfaces.StorageManager
	jobs    *jobs.Service
	cron    *cron.Cron
	mu      sync.Mutex
	entries map[int64]cron.EntryID
}

// New creates a scheduler
func New(logger arbor.ILogger, storage interfaces.StorageManager, jobService *jobs.Service) *Scheduler {
	return &Scheduler{
		logger:  logger,
		storage: storage,
		jobs:    jobService,
		cron:    cron.New(),
		entries: make(map[int64]cron.EntryID),
	}
}

// Start loads schedules and starts the cron runner
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Int("schedules", len(s.entries)).Msg("Scheduler started")
	return nil
}

// Stop stops the cron runner, waiting for in-flight triggers
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// Reload replaces the schedule set with the current database state. Called
// at startup and whenever an automation's schedule changes.
func (s *Scheduler) Reload(ctx context.Context) error {
	automations, err := s.storage.Automations().ListScheduledAutomations(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}

	for _, automation := range automations {
		a := automation
		entry, err := s.cron.AddFunc(a.Schedule, func() { s.fire(a) })
		if err != nil {
			s.logger.Warn().
				Err(err).
				Int64("automation_id", a.ID).
				Str("schedule", a.Schedule).
				Msg("Skipping automation with invalid schedule")
			continue
		}
		s.entries[a.ID] = entry
		s.logger.Debug().
			Int64("automation_id", a.ID).
			Str("schedule", a.Schedule).
			Msg("Schedule registered")
	}
	return nil
}

// fire triggers one scheduled run
func (s *Scheduler) fire(automation *models.Automation) {
	ctx := context.Background()

	// The schedule may have outlived the automation or its active flag
	current, err := s.storage.Automations().GetAutomation(ctx, automation.ID, automation.UserID)
	if err != nil || !current.Active {
		s.logger.Debug().Int64("automation_id", automation.ID).Msg("Skipping stale schedule")
		return
	}

	job, err := s.jobs.Trigger(ctx, automation.UserID, automation.ID, jobs.TriggerOptions{})
	if err != nil {
		s.logger.Error().
			Err(err).
			Int64("automation_id", automation.ID).
			Msg("Scheduled trigger failed")
		return
	}
	s.logger.Info().
		Int64("automation_id", automation.ID).
		Int64("job_id", job.ID).
		Msg("Scheduled job triggered")
}
